package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/example/twin-collab/internal/types"
)

const opColumns = `position, operation_id, twin_id, author_id, session_id, operation_kind, component_path,
	payload, vector_clock, created_at, status, apply_seq, applied_at, reason`

// AppendOperation assigns the next position of the twin's log. A repeated
// (twin, session, client sequence) returns the stored entry and true.
func (s *Store) AppendOperation(ctx context.Context, op types.Operation) (types.Operation, bool, error) {
	clock, err := json.Marshal(op.Clock)
	if err != nil {
		return types.Operation{}, false, fmt.Errorf("%w: encode vector clock: %v", types.ErrInvalidArgument, err)
	}
	var payload any
	if len(op.Payload) > 0 {
		payload = []byte(op.Payload)
	}

	var (
		stored    types.Operation
		duplicate bool
	)
	err = s.inTx(ctx, "append_operation", func(tx pgx.Tx) error {
		existing, err := scanOp(tx.QueryRow(ctx, `SELECT `+opColumns+` FROM twin_operations
			WHERE twin_id = $1 AND session_id = $2 AND client_seq = $3`,
			string(op.Twin), string(op.Session), int64(op.ClientSeq())))
		switch {
		case err == nil:
			stored, duplicate = existing, true
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if _, err := tx.Exec(ctx, `INSERT INTO twin_log_heads (twin_id) VALUES ($1) ON CONFLICT DO NOTHING`, string(op.Twin)); err != nil {
			return err
		}
		var last int64
		if err := tx.QueryRow(ctx, `SELECT last_position FROM twin_log_heads WHERE twin_id = $1 FOR UPDATE`,
			string(op.Twin)).Scan(&last); err != nil {
			return err
		}

		next := op
		next.Position = last + 1
		next.Status = types.StatusPending
		next.ApplySeq = 0
		next.AppliedAt = nil
		next.Reason = ""
		_, err = tx.Exec(ctx, `INSERT INTO twin_operations (twin_id, position, operation_id, author_id, session_id,
			client_seq, operation_kind, component_path, payload, vector_clock, created_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending')`,
			string(next.Twin), next.Position, string(next.ID), string(next.Author), string(next.Session),
			int64(next.ClientSeq()), string(next.Kind), string(next.Path), payload, clock, next.CreatedAt)
		if isUniqueViolation(err) {
			if pgConstraint(err) == "twin_operations_operation_id_key" {
				return fmt.Errorf("%w: operation id %s reused with a different client sequence", types.ErrInvalidArgument, op.ID)
			}
			// A concurrent append of the same dedupe key won; rerun to return it.
			return errRetry
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE twin_log_heads SET last_position = $2 WHERE twin_id = $1`,
			string(next.Twin), next.Position); err != nil {
			return err
		}
		stored, duplicate = next, false
		return nil
	})
	if err != nil {
		return types.Operation{}, false, err
	}
	return stored, duplicate, nil
}

// ReadSince returns up to limit entries with position greater than after.
func (s *Store) ReadSince(ctx context.Context, twin types.TwinID, after int64, limit int) ([]types.Operation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+opColumns+` FROM twin_operations
		WHERE twin_id = $1 AND position > $2 ORDER BY position LIMIT $3`, string(twin), after, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectOps(rows)
}

// Pending returns unresolved entries in position order.
func (s *Store) Pending(ctx context.Context, twin types.TwinID) ([]types.Operation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+opColumns+` FROM twin_operations
		WHERE twin_id = $1 AND status = 'pending' ORDER BY position`, string(twin))
	if err != nil {
		return nil, err
	}
	return collectOps(rows)
}

// Resolved returns terminal entries with apply sequence greater than after in
// apply order.
func (s *Store) Resolved(ctx context.Context, twin types.TwinID, after int64, limit int) ([]types.Operation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+opColumns+` FROM twin_operations
		WHERE twin_id = $1 AND apply_seq > $2 ORDER BY apply_seq LIMIT $3`, string(twin), after, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectOps(rows)
}

// MarkResolved records a terminal status and the resulting watermarks in one
// transaction. The apply sequence must be exactly one past the twin's last.
func (s *Store) MarkResolved(ctx context.Context, twin types.TwinID, res types.Resolution, watermarks types.VectorClock) error {
	return s.inTx(ctx, "mark_resolved", func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM twin_operations
			WHERE twin_id = $1 AND operation_id = $2 FOR UPDATE`, string(twin), string(res.Operation)).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("operation %s: %w", res.Operation, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if types.OperationStatus(status) != types.StatusPending {
			return fmt.Errorf("%w: operation %s already %s", types.ErrCorruption, res.Operation, status)
		}

		var last int64
		if err := tx.QueryRow(ctx, `SELECT last_apply_seq FROM twin_log_heads WHERE twin_id = $1 FOR UPDATE`,
			string(twin)).Scan(&last); err != nil {
			return err
		}
		if res.ApplySeq != last+1 {
			return fmt.Errorf("%w: apply sequence %d does not follow %d", types.ErrCorruption, res.ApplySeq, last)
		}

		if _, err := tx.Exec(ctx, `UPDATE twin_operations SET status = $3, apply_seq = $4, applied_at = $5, reason = $6
			WHERE twin_id = $1 AND operation_id = $2`,
			string(twin), string(res.Operation), string(res.Status), res.ApplySeq, res.At, res.Reason); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE twin_log_heads SET last_apply_seq = $2 WHERE twin_id = $1`,
			string(twin), res.ApplySeq); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for session, seq := range watermarks {
			batch.Queue(`INSERT INTO twin_watermarks (twin_id, session_id, client_seq) VALUES ($1, $2, $3)
				ON CONFLICT (twin_id, session_id) DO UPDATE SET client_seq = EXCLUDED.client_seq`,
				string(twin), string(session), int64(seq))
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Watermarks returns the persisted watermarks and last apply sequence.
func (s *Store) Watermarks(ctx context.Context, twin types.TwinID) (types.VectorClock, int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT last_apply_seq FROM twin_log_heads WHERE twin_id = $1`, string(twin)).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.VectorClock{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `SELECT session_id, client_seq FROM twin_watermarks WHERE twin_id = $1`, string(twin))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	marks := types.VectorClock{}
	for rows.Next() {
		var (
			session string
			seq     int64
		)
		if err := rows.Scan(&session, &seq); err != nil {
			return nil, 0, err
		}
		marks[types.SessionID(session)] = uint64(seq)
	}
	return marks, last, rows.Err()
}

// TwinsWithPending lists twins that have unresolved entries.
func (s *Store) TwinsWithPending(ctx context.Context) ([]types.TwinID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT twin_id FROM twin_operations WHERE status = 'pending' ORDER BY twin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TwinID
	for rows.Next() {
		var twin string
		if err := rows.Scan(&twin); err != nil {
			return nil, err
		}
		out = append(out, types.TwinID(twin))
	}
	return out, rows.Err()
}

func collectOps(rows pgx.Rows) ([]types.Operation, error) {
	defer rows.Close()
	var out []types.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOp(row pgx.Row) (types.Operation, error) {
	var (
		op                                        types.Operation
		id, twin, author, session, kind, path, st string
		payload, clock                            []byte
		applySeq                                  *int64
	)
	if err := row.Scan(&op.Position, &id, &twin, &author, &session, &kind, &path,
		&payload, &clock, &op.CreatedAt, &st, &applySeq, &op.AppliedAt, &op.Reason); err != nil {
		return types.Operation{}, err
	}
	op.ID = types.OperationID(id)
	op.Twin = types.TwinID(twin)
	op.Author = types.HolderID(author)
	op.Session = types.SessionID(session)
	op.Kind = types.OperationKind(kind)
	op.Path = types.ComponentPath(path)
	op.Status = types.OperationStatus(st)
	if len(payload) > 0 {
		op.Payload = payload
	}
	if applySeq != nil {
		op.ApplySeq = *applySeq
	}
	op.Clock = types.VectorClock{}
	if err := json.Unmarshal(clock, &op.Clock); err != nil {
		return types.Operation{}, fmt.Errorf("%w: decode vector clock of %s: %v", types.ErrCorruption, id, err)
	}
	return op, nil
}
