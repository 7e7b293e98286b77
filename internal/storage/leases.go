package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/twin-collab/internal/types"
)

const leaseColumns = `lease_id, twin_id, holder_id, session_id, lock_kind, paths, ttl_ms,
	acquired_at, expires_at, last_heartbeat_at, active, released_at, release_reason`

// InsertLease stores a new lease record.
func (s *Store) InsertLease(ctx context.Context, lease types.Lease) error {
	paths := make([]string, len(lease.Paths))
	for i, p := range lease.Paths {
		paths[i] = string(p)
	}
	return s.inTx(ctx, "insert_lease", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO edit_leases (`+leaseColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			string(lease.ID), string(lease.Twin), string(lease.Holder), string(lease.Session), string(lease.Kind),
			paths, lease.TTL.Milliseconds(), lease.AcquiredAt, lease.ExpiresAt, lease.LastHeartbeatAt,
			lease.Active, lease.ReleasedAt, lease.ReleaseReason)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: lease %s already exists", types.ErrInvalidArgument, lease.ID)
		}
		return err
	})
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, id types.LeaseID) (types.Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM edit_leases WHERE lease_id = $1`, string(id))
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Lease{}, fmt.Errorf("lease %s: %w", id, types.ErrNotFound)
	}
	return lease, err
}

// ActiveLeases lists leases of twin with the active flag set.
func (s *Store) ActiveLeases(ctx context.Context, twin types.TwinID) ([]types.Lease, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+leaseColumns+` FROM edit_leases
		WHERE twin_id = $1 AND active ORDER BY acquired_at, lease_id`, string(twin))
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// AllActiveLeases lists every lease with the active flag set.
func (s *Store) AllActiveLeases(ctx context.Context) ([]types.Lease, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+leaseColumns+` FROM edit_leases
		WHERE active ORDER BY acquired_at, lease_id`)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// TouchLease records a heartbeat on an active lease.
func (s *Store) TouchLease(ctx context.Context, id types.LeaseID, heartbeatAt, expiresAt time.Time) (bool, error) {
	var touched bool
	err := s.inTx(ctx, "touch_lease", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE edit_leases SET last_heartbeat_at = $2, expires_at = $3
			WHERE lease_id = $1 AND active`, string(id), heartbeatAt, expiresAt)
		if err != nil {
			return err
		}
		touched = tag.RowsAffected() == 1
		return nil
	})
	return touched, err
}

// DeactivateLease clears the active flag once.
func (s *Store) DeactivateLease(ctx context.Context, id types.LeaseID, at time.Time, reason string) (bool, error) {
	var changed bool
	err := s.inTx(ctx, "deactivate_lease", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE edit_leases SET active = FALSE, released_at = $2, release_reason = $3
			WHERE lease_id = $1 AND active`, string(id), at, reason)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() == 1
		return nil
	})
	return changed, err
}

func collectLeases(rows pgx.Rows) ([]types.Lease, error) {
	defer rows.Close()
	var out []types.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

func scanLease(row pgx.Row) (types.Lease, error) {
	var (
		lease                           types.Lease
		id, twin, holder, session, kind string
		paths                           []string
		ttlMillis                       int64
	)
	if err := row.Scan(&id, &twin, &holder, &session, &kind, &paths, &ttlMillis,
		&lease.AcquiredAt, &lease.ExpiresAt, &lease.LastHeartbeatAt, &lease.Active,
		&lease.ReleasedAt, &lease.ReleaseReason); err != nil {
		return types.Lease{}, err
	}
	lease.ID = types.LeaseID(id)
	lease.Twin = types.TwinID(twin)
	lease.Holder = types.HolderID(holder)
	lease.Session = types.SessionID(session)
	lease.Kind = types.LockKind(kind)
	lease.TTL = time.Duration(ttlMillis) * time.Millisecond
	lease.Paths = make([]types.ComponentPath, len(paths))
	for i, p := range paths {
		lease.Paths[i] = types.ComponentPath(p)
	}
	return lease, nil
}
