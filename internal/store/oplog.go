package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/henrik/opsync/internal/models"
)

const opColumns = `id, kind, collection, target_id, payload, base_version, base_data,
	priority, enqueued_at, status, attempts, next_attempt_at, last_error, conflict_diff`

// opSelect adds the rowid, surfaced as the operation's Seq: the only
// ordering source that is strictly monotonic across enqueues, since
// enqueued_at can collide under a coarse clock.
const opSelect = `rowid, ` + opColumns

// AppendOperation durably appends a new operation to the log and fills
// in its store-assigned Seq.
func (s *Store) AppendOperation(op *models.Operation) error {
	return s.withWriteLock(func() error {
		res, err := s.conn.Exec(`
			INSERT INTO operations (`+opColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, op.ID, op.Kind, op.Collection, op.TargetID, nullString(op.Payload),
			op.BaseVersion, nullString(op.BaseData), op.Priority, op.EnqueuedAt,
			op.Status, op.Attempts, op.NextAttemptAt, op.LastError, nullString(op.ConflictDiff))
		if err != nil {
			return unavailable(fmt.Sprintf("append operation %s", op.ID), err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return unavailable(fmt.Sprintf("append operation %s: sequence", op.ID), err)
		}
		op.Seq = seq
		return nil
	})
}

// UpdateOperation atomically replaces the stored record for op.ID.
func (s *Store) UpdateOperation(op *models.Operation) error {
	return s.withWriteLock(func() error {
		res, err := s.conn.Exec(`
			UPDATE operations SET kind = ?, collection = ?, target_id = ?, payload = ?,
				base_version = ?, base_data = ?, priority = ?, enqueued_at = ?,
				status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, conflict_diff = ?
			WHERE id = ?
		`, op.Kind, op.Collection, op.TargetID, nullString(op.Payload),
			op.BaseVersion, nullString(op.BaseData), op.Priority, op.EnqueuedAt,
			op.Status, op.Attempts, op.NextAttemptAt, op.LastError, nullString(op.ConflictDiff),
			op.ID)
		if err != nil {
			return unavailable(fmt.Sprintf("update operation %s", op.ID), err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("update operation %s: %w", op.ID, ErrNotFound)
		}
		return nil
	})
}

// RemoveOperation deletes an operation from the log. No-op if absent.
func (s *Store) RemoveOperation(id string) error {
	return s.withWriteLock(func() error {
		if _, err := s.conn.Exec(`DELETE FROM operations WHERE id = ?`, id); err != nil {
			return unavailable(fmt.Sprintf("remove operation %s", id), err)
		}
		return nil
	})
}

// GetOperation returns a single operation by id.
func (s *Store) GetOperation(id string) (*models.Operation, error) {
	row := s.conn.QueryRow(`SELECT `+opSelect+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get operation %s", id), err)
	}
	return op, nil
}

// ListPending returns every operation in the log ordered by
// (priority, seq). Terminal operations are included so the UI can show
// them; callers filter by status.
func (s *Store) ListPending() ([]models.Operation, error) {
	rows, err := s.conn.Query(`SELECT ` + opSelect + ` FROM operations ORDER BY priority ASC, rowid ASC`)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, unavailable("scan operation", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending", err)
	}
	return ops, nil
}

// CountByStatus returns the number of operations per status.
func (s *Store) CountByStatus() (map[models.Status]int, error) {
	rows, err := s.conn.Query(`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, unavailable("count by status", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable("scan count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*models.Operation, error) {
	var (
		op                        models.Operation
		payload, baseData, diff   sql.NullString
		baseVersion               sql.NullInt64
		enqueuedAt, nextAttemptAt time.Time
	)
	err := row.Scan(&op.Seq, &op.ID, &op.Kind, &op.Collection, &op.TargetID, &payload,
		&baseVersion, &baseData, &op.Priority, &enqueuedAt, &op.Status,
		&op.Attempts, &nextAttemptAt, &op.LastError, &diff)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	if baseData.Valid {
		op.BaseData = []byte(baseData.String)
	}
	if diff.Valid {
		op.ConflictDiff = []byte(diff.String)
	}
	if baseVersion.Valid {
		v := baseVersion.Int64
		op.BaseVersion = &v
	}
	op.EnqueuedAt = enqueuedAt
	op.NextAttemptAt = nextAttemptAt
	return &op, nil
}

// nullString maps empty JSON blobs to NULL so the log stays readable.
func nullString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
