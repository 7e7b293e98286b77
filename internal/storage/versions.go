package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/example/twin-collab/internal/types"
)

const versionColumns = `version_id, twin_id, version_number, parent_version, properties, object_path,
	applied_through, watermarks, commit_message, created_by, created_at, is_latest`

// CreateTwin stores the twin and its first version unless the twin exists.
func (s *Store) CreateTwin(ctx context.Context, twin types.Twin, first types.Version) (bool, error) {
	first.Twin = twin.ID
	first.Number = 1
	first.Parent = 0
	first.Latest = true

	var created bool
	err := s.inTx(ctx, "create_twin", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO twins (twin_id, organization_id, current_version, created_at)
			VALUES ($1, $2, 1, $3) ON CONFLICT (twin_id) DO NOTHING`,
			string(twin.ID), twin.OrganizationID, twin.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			created = false
			return nil
		}
		created = true
		return insertVersion(ctx, tx, first)
	})
	return created, err
}

// GetTwin returns a registered twin.
func (s *Store) GetTwin(ctx context.Context, id types.TwinID) (types.Twin, error) {
	var twin types.Twin
	var twinID string
	err := s.pool.QueryRow(ctx, `SELECT twin_id, organization_id, current_version, created_at FROM twins
		WHERE twin_id = $1`, string(id)).Scan(&twinID, &twin.OrganizationID, &twin.CurrentVersion, &twin.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Twin{}, fmt.Errorf("twin %s: %w", id, types.ErrNotFound)
	}
	twin.ID = types.TwinID(twinID)
	return twin, err
}

// Twins lists registered twins.
func (s *Store) Twins(ctx context.Context) ([]types.TwinID, error) {
	rows, err := s.pool.Query(ctx, `SELECT twin_id FROM twins ORDER BY twin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TwinID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.TwinID(id))
	}
	return out, rows.Err()
}

// CreateVersion locks the twin row, numbers the next version, calls build and
// flips the latest flag in the same transaction.
func (s *Store) CreateVersion(ctx context.Context, twin types.TwinID, build func(number, parent int64) (types.Version, error)) (types.Version, error) {
	var created types.Version
	err := s.inTx(ctx, "create_version", func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx, `SELECT current_version FROM twins WHERE twin_id = $1 FOR UPDATE`, string(twin)).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("twin %s: %w", twin, types.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var parent int64
		err = tx.QueryRow(ctx, `SELECT version_number FROM twin_versions WHERE twin_id = $1 AND is_latest`, string(twin)).Scan(&parent)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: twin %s has no latest version", types.ErrCorruption, twin)
		}
		if err != nil {
			return err
		}

		number := current + 1
		v, err := build(number, parent)
		if err != nil {
			return err
		}
		v.Twin = twin
		v.Number = number
		v.Parent = parent
		v.Latest = true

		if _, err := tx.Exec(ctx, `UPDATE twin_versions SET is_latest = FALSE WHERE twin_id = $1 AND is_latest`, string(twin)); err != nil {
			return err
		}
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE twins SET current_version = $2 WHERE twin_id = $1`, string(twin), number); err != nil {
			return err
		}
		created = v
		return nil
	})
	return created, err
}

// LatestVersion returns the version flagged latest.
func (s *Store) LatestVersion(ctx context.Context, twin types.TwinID) (types.Version, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM twin_versions
		WHERE twin_id = $1 AND is_latest`, string(twin)))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Version{}, fmt.Errorf("latest version of %s: %w", twin, types.ErrNotFound)
	}
	return v, err
}

// GetVersion returns one version by number.
func (s *Store) GetVersion(ctx context.Context, twin types.TwinID, number int64) (types.Version, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM twin_versions
		WHERE twin_id = $1 AND version_number = $2`, string(twin), number))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Version{}, fmt.Errorf("version %d of %s: %w", number, twin, types.ErrNotFound)
	}
	return v, err
}

// ListVersions returns all versions of a twin ordered by number.
func (s *Store) ListVersions(ctx context.Context, twin types.TwinID) ([]types.Version, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM twin_versions
		WHERE twin_id = $1 ORDER BY version_number`, string(twin))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func insertVersion(ctx context.Context, tx pgx.Tx, v types.Version) error {
	var props any
	if v.Properties != nil && v.ObjectPath == "" {
		encoded, err := json.Marshal(v.Properties)
		if err != nil {
			return fmt.Errorf("%w: encode properties: %v", types.ErrInvalidArgument, err)
		}
		props = encoded
	}
	marks, err := json.Marshal(v.Watermarks)
	if err != nil {
		return fmt.Errorf("%w: encode watermarks: %v", types.ErrInvalidArgument, err)
	}
	if v.Watermarks == nil {
		marks = []byte("{}")
	}
	var parent *int64
	if v.Parent > 0 {
		parent = &v.Parent
	}
	_, err = tx.Exec(ctx, `INSERT INTO twin_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(v.ID), string(v.Twin), v.Number, parent, props, v.ObjectPath,
		v.AppliedThrough, marks, v.Message, string(v.CreatedBy), v.CreatedAt, v.Latest)
	return err
}

func scanVersion(row pgx.Row) (types.Version, error) {
	var (
		v                   types.Version
		id, twin, createdBy string
		parent              *int64
		props, marks        []byte
	)
	if err := row.Scan(&id, &twin, &v.Number, &parent, &props, &v.ObjectPath,
		&v.AppliedThrough, &marks, &v.Message, &createdBy, &v.CreatedAt, &v.Latest); err != nil {
		return types.Version{}, err
	}
	v.ID = types.VersionID(id)
	v.Twin = types.TwinID(twin)
	v.CreatedBy = types.HolderID(createdBy)
	if parent != nil {
		v.Parent = *parent
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &v.Properties); err != nil {
			return types.Version{}, fmt.Errorf("%w: decode properties of version %s: %v", types.ErrCorruption, id, err)
		}
	}
	v.Watermarks = types.VectorClock{}
	if err := json.Unmarshal(marks, &v.Watermarks); err != nil {
		return types.Version{}, fmt.Errorf("%w: decode watermarks of version %s: %v", types.ErrCorruption, id, err)
	}
	return v, nil
}
