package serverdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one versioned row. Deleted records are kept as tombstones so
// stale writers conflict instead of resurrecting them.
type Record struct {
	Collection string
	ID         string
	Data       json.RawMessage
	Version    int64
	Deleted    bool
	UpdatedAt  time.Time
}

// ConflictError reports a base-version mismatch, carrying the current
// server state for the client's resolver.
type ConflictError struct {
	Remote *Record
}

func (e *ConflictError) Error() string {
	if e.Remote == nil {
		return "version conflict"
	}
	if e.Remote.Deleted {
		return fmt.Sprintf("version conflict: %s/%s deleted at version %d",
			e.Remote.Collection, e.Remote.ID, e.Remote.Version)
	}
	return fmt.Sprintf("version conflict: %s/%s at version %d",
		e.Remote.Collection, e.Remote.ID, e.Remote.Version)
}

// ValidationError reports a malformed mutation. Never retryable.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MutationResult is the stored, replayable outcome of a successful
// mutation.
type MutationResult struct {
	TargetID string          `json:"target_id"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Version  int64           `json:"version"`
}

// GetRecord returns one record including tombstones.
func (db *ServerDB) GetRecord(collection, id string) (*Record, error) {
	var (
		rec     Record
		data    sql.NullString
		deleted int
	)
	err := db.conn.QueryRow(`
		SELECT collection, id, data, version, deleted, updated_at
		FROM records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&rec.Collection, &rec.ID, &data, &rec.Version, &deleted, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", collection, id, err)
	}
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	rec.Deleted = deleted != 0
	return &rec, nil
}

// ApplyMutation applies one mutation inside a transaction, enforcing the
// optimistic version check. idemKey is the client's operation id; a
// duplicate delivery replays the stored result without re-applying.
// Conflicts are not recorded for replay: after the client resolves and
// redelivers with a new base version, the mutation must re-evaluate.
func (db *ServerDB) ApplyMutation(collection, idemKey, kind, targetID string, payload json.RawMessage, baseVersion *int64) (*MutationResult, error) {
	if collection == "" {
		return nil, &ValidationError{Code: "invalid_collection", Message: "collection is required"}
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if idemKey != "" {
		var stored string
		err := tx.QueryRow(`SELECT response FROM idempotency WHERE key = ?`, idemKey).Scan(&stored)
		if err == nil {
			var res MutationResult
			if err := json.Unmarshal([]byte(stored), &res); err != nil {
				return nil, fmt.Errorf("decode idempotency replay: %w", err)
			}
			return &res, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("check idempotency: %w", err)
		}
	}

	var res *MutationResult
	switch kind {
	case "create":
		res, err = db.applyCreate(tx, collection, targetID, payload)
	case "update":
		res, err = db.applyUpdate(tx, collection, targetID, payload, baseVersion)
	case "delete":
		res, err = db.applyDelete(tx, collection, targetID, baseVersion)
	default:
		return nil, &ValidationError{Code: "invalid_kind", Message: fmt.Sprintf("unknown mutation kind %q", kind)}
	}
	if err != nil {
		return nil, err
	}

	if idemKey != "" {
		body, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode idempotency record: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO idempotency (key, collection, response, created_at)
			VALUES (?, ?, ?, ?)
		`, idemKey, collection, string(body), time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("record idempotency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (db *ServerDB) applyCreate(tx *sql.Tx, collection, targetID string, payload json.RawMessage) (*MutationResult, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	if targetID == "" {
		targetID = NewID()
	}

	cur, err := getRecordTx(tx, collection, targetID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cur != nil && !cur.Deleted {
		return nil, &ConflictError{Remote: cur}
	}

	version := int64(1)
	if cur != nil {
		// Re-creating over a tombstone continues the version chain.
		version = cur.Version + 1
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO records (collection, id, data, version, deleted, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, collection, targetID, string(payload), version, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return &MutationResult{TargetID: targetID, Snapshot: payload, Version: version}, nil
}

func (db *ServerDB) applyUpdate(tx *sql.Tx, collection, targetID string, payload json.RawMessage, baseVersion *int64) (*MutationResult, error) {
	if targetID == "" {
		return nil, &ValidationError{Code: "invalid_target", Message: "update requires a target id"}
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	cur, err := getRecordTx(tx, collection, targetID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("update %s/%s: %w", collection, targetID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if cur.Deleted || baseVersion == nil || *baseVersion != cur.Version {
		return nil, &ConflictError{Remote: cur}
	}

	merged, err := mergeFields(cur.Data, payload)
	if err != nil {
		return nil, &ValidationError{Code: "invalid_payload", Message: err.Error()}
	}
	version := cur.Version + 1
	if _, err := tx.Exec(`
		UPDATE records SET data = ?, version = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, string(merged), version, time.Now().UTC(), collection, targetID); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return &MutationResult{TargetID: targetID, Snapshot: merged, Version: version}, nil
}

func (db *ServerDB) applyDelete(tx *sql.Tx, collection, targetID string, baseVersion *int64) (*MutationResult, error) {
	if targetID == "" {
		return nil, &ValidationError{Code: "invalid_target", Message: "delete requires a target id"}
	}

	cur, err := getRecordTx(tx, collection, targetID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("delete %s/%s: %w", collection, targetID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if cur.Deleted || baseVersion == nil || *baseVersion != cur.Version {
		return nil, &ConflictError{Remote: cur}
	}

	version := cur.Version + 1
	if _, err := tx.Exec(`
		UPDATE records SET deleted = 1, version = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, version, time.Now().UTC(), collection, targetID); err != nil {
		return nil, fmt.Errorf("delete record: %w", err)
	}
	return &MutationResult{TargetID: targetID, Version: version}, nil
}

func getRecordTx(tx *sql.Tx, collection, id string) (*Record, error) {
	var (
		rec     Record
		data    sql.NullString
		deleted int
	)
	err := tx.QueryRow(`
		SELECT collection, id, data, version, deleted, updated_at
		FROM records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&rec.Collection, &rec.ID, &data, &rec.Version, &deleted, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", collection, id, err)
	}
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	rec.Deleted = deleted != 0
	return &rec, nil
}

// validatePayload requires a JSON object body.
func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return &ValidationError{Code: "invalid_payload", Message: "payload is required"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return &ValidationError{Code: "invalid_payload", Message: "payload must be a JSON object"}
	}
	return nil
}

// mergeFields overlays the payload's top-level fields on the stored data.
func mergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	baseFields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseFields); err != nil {
			return nil, fmt.Errorf("stored data: %w", err)
		}
	}
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	for k, v := range patchFields {
		baseFields[k] = v
	}
	return json.Marshal(baseFields)
}

// PruneIdempotency removes idempotency rows older than the cutoff.
func (db *ServerDB) PruneIdempotency(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM idempotency WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: %w", err)
	}
	return res.RowsAffected()
}
