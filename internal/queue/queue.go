// Package queue owns the in-memory view of pending operations and is
// the only writer to the durable operation log. Enqueue is the single
// path that creates operations, so the log stays the one source of
// truth for what has not yet reached the server.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/henrik/opsync/internal/clock"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/store"
)

// DefaultMaxAttempts is the delivery attempt limit before an operation
// is abandoned and surfaced for manual retry.
const DefaultMaxAttempts = 5

// Manager mediates all mutation of the operation log. The UI side calls
// Enqueue/Cancel; the sync processor calls the Mark* transitions.
type Manager struct {
	store       *store.Store
	clock       clock.Clock
	maxAttempts int

	mu sync.Mutex
}

// New creates a queue manager over the given store.
func New(s *store.Store, c clock.Clock, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{store: s, clock: c, maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured delivery attempt limit.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// EnqueueRequest describes one mutation intent from the application.
type EnqueueRequest struct {
	Kind       models.Kind
	Collection string
	TargetID   string // empty for create; a provisional id is assigned
	Payload    json.RawMessage
	// BaseVersion overrides the version taken from the cache snapshot.
	BaseVersion *int64
	Priority    int
}

// Enqueue constructs an operation, durably appends it, and applies an
// optimistic patch to the cache. It never blocks on network I/O.
func (m *Manager) Enqueue(req EnqueueRequest) (*models.Operation, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("enqueue: invalid kind %q", req.Kind)
	}
	if req.Collection == "" {
		return nil, errors.New("enqueue: empty collection")
	}
	if req.Kind != models.KindCreate && req.TargetID == "" {
		return nil, fmt.Errorf("enqueue: %s requires a target id", req.Kind)
	}
	if req.Kind != models.KindDelete && len(req.Payload) == 0 {
		return nil, fmt.Errorf("enqueue: %s requires a payload", req.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	op := &models.Operation{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		Collection:    req.Collection,
		TargetID:      req.TargetID,
		Payload:       req.Payload,
		BaseVersion:   req.BaseVersion,
		Priority:      req.Priority,
		EnqueuedAt:    now,
		Status:        models.StatusPending,
		NextAttemptAt: now,
	}

	// Creates get a provisional target id so per-target ordering and the
	// optimistic cache entry have a key before the remote assigns one.
	if op.Kind == models.KindCreate && op.TargetID == "" {
		op.TargetID = op.ID
	}

	// Capture the snapshot this mutation was derived from; the conflict
	// resolver needs it to tell which fields the remote changed.
	entry, err := m.store.GetCache(op.Collection, op.TargetID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("enqueue: read base snapshot: %w", err)
	}
	if entry != nil {
		op.BaseData = entry.Data
		if op.BaseVersion == nil {
			v := entry.Version
			op.BaseVersion = &v
		}
	}

	if err := m.store.AppendOperation(op); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			slog.Warn("enqueue: operation not durable, data loss possible if process exits",
				"op", op.ID, "err", err)
		}
		return nil, err
	}

	if err := m.applyOptimisticPatch(op, entry, now); err != nil {
		// The log entry is durable; a cache patch failure only delays
		// UI freshness.
		slog.Warn("enqueue: optimistic cache patch failed", "op", op.ID, "err", err)
	}

	slog.Debug("operation enqueued", "op", op.ID, "kind", op.Kind,
		"target", op.TargetKey(), "priority", op.Priority)
	return op, nil
}

// applyOptimisticPatch updates the cache so the UI reflects the mutation
// before the remote confirms it.
func (m *Manager) applyOptimisticPatch(op *models.Operation, prev *models.CacheEntry, now time.Time) error {
	switch op.Kind {
	case models.KindDelete:
		// Keep the snapshot (a conflicted delete must leave it intact)
		// but flag it provisional until the delete is confirmed.
		if prev == nil {
			return nil
		}
		prev.Provisional = true
		return m.store.PutCache(prev)
	default:
		data := op.Payload
		version := int64(0)
		fetchedAt := now
		if prev != nil {
			version = prev.Version
			fetchedAt = prev.FetchedAt
			merged, err := mergePatch(prev.Data, op.Payload)
			if err != nil {
				return err
			}
			data = merged
		}
		return m.store.PutCache(&models.CacheEntry{
			Collection:  op.Collection,
			Key:         op.TargetID,
			Data:        data,
			Version:     version,
			FetchedAt:   fetchedAt,
			Provisional: true,
		})
	}
}

// Cancel removes a pending (not in-flight) operation and reverts its
// optimistic patch. No-op for in-flight or unknown operations.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if op.Status != models.StatusPending && op.Status != models.StatusRetrying {
		slog.Debug("cancel skipped, operation not cancellable", "op", id, "status", op.Status)
		return nil
	}
	return m.discard(op)
}

// discard removes an operation and restores the cache to the operation's
// base snapshot, unless a later operation still targets the same record.
func (m *Manager) discard(op *models.Operation) error {
	if err := m.store.RemoveOperation(op.ID); err != nil {
		return err
	}

	later, err := m.laterOpsForTarget(op)
	if err != nil {
		return err
	}
	if later {
		// Another pending operation owns the optimistic state now.
		return nil
	}

	if len(op.BaseData) == 0 {
		// Record did not exist locally before this operation.
		return m.store.DeleteCache(op.Collection, op.TargetID)
	}
	version := int64(0)
	if op.BaseVersion != nil {
		version = *op.BaseVersion
	}
	return m.store.PutCache(&models.CacheEntry{
		Collection:  op.Collection,
		Key:         op.TargetID,
		Data:        op.BaseData,
		Version:     version,
		FetchedAt:   m.clock.Now(),
		Provisional: false,
	})
}

func (m *Manager) laterOpsForTarget(op *models.Operation) (bool, error) {
	ops, err := m.store.ListPending()
	if err != nil {
		return false, err
	}
	for i := range ops {
		if ops[i].ID != op.ID && ops[i].TargetKey() == op.TargetKey() {
			return true, nil
		}
	}
	return false, nil
}

// ListPending returns a snapshot of the whole log for display,
// ordered by (priority, seq).
func (m *Manager) ListPending() ([]models.Operation, error) {
	return m.store.ListPending()
}

// Get returns one operation.
func (m *Manager) Get(id string) (*models.Operation, error) {
	return m.store.GetOperation(id)
}

// MarkAttemptStart transitions an operation to in-flight and increments
// its attempt counter. Called only by the sync processor.
func (m *Manager) MarkAttemptStart(id string) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if err != nil {
		return nil, err
	}
	if !op.Status.Dispatchable() {
		return nil, fmt.Errorf("mark attempt start %s: not dispatchable in status %s", id, op.Status)
	}
	op.Status = models.StatusInFlight
	op.Attempts++
	if err := m.store.UpdateOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

// MarkSucceeded removes the operation from the log and installs the
// server-confirmed snapshot in the cache. confirmedID is the target id
// assigned by the remote (differs from op.TargetID for creates).
func (m *Manager) MarkSucceeded(id, confirmedID string, snapshot json.RawMessage, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if err != nil {
		return err
	}
	if err := m.store.RemoveOperation(id); err != nil {
		return err
	}
	op.LastError = ""

	if op.Kind == models.KindDelete {
		slog.Info("operation confirmed", "op", id, "kind", op.Kind, "target", op.TargetKey())
		return m.store.DeleteCache(op.Collection, op.TargetID)
	}

	if confirmedID == "" {
		confirmedID = op.TargetID
	}
	// A create keyed under its provisional id is re-keyed to the
	// server-assigned one.
	if confirmedID != op.TargetID {
		if err := m.store.DeleteCache(op.Collection, op.TargetID); err != nil {
			return err
		}
	}

	provisional, err := m.pendingForTarget(op.Collection, confirmedID, id)
	if err != nil {
		return err
	}
	slog.Info("operation confirmed", "op", id, "kind", op.Kind,
		"target", op.Collection+":"+confirmedID, "version", version)
	return m.store.PutCache(&models.CacheEntry{
		Collection:  op.Collection,
		Key:         confirmedID,
		Data:        snapshot,
		Version:     version,
		FetchedAt:   m.clock.Now(),
		Provisional: provisional,
	})
}

func (m *Manager) pendingForTarget(collection, targetID, excludeID string) (bool, error) {
	ops, err := m.store.ListPending()
	if err != nil {
		return false, err
	}
	for i := range ops {
		if ops[i].ID == excludeID {
			continue
		}
		if ops[i].Collection == collection && ops[i].TargetID == targetID && !ops[i].Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// MarkFailed records a delivery failure. Retryable failures below the
// attempt limit are rescheduled for nextAttemptAt; everything else is
// abandoned and retained for manual retry or discard.
func (m *Manager) MarkFailed(id string, deliveryErr string, retryable bool, nextAttemptAt time.Time) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if err != nil {
		return nil, err
	}
	op.LastError = deliveryErr

	if retryable && op.Attempts < m.maxAttempts {
		op.Status = models.StatusRetrying
		op.NextAttemptAt = nextAttemptAt
		slog.Warn("operation failed, will retry", "op", id,
			"attempts", op.Attempts, "next_attempt_at", nextAttemptAt, "err", deliveryErr)
	} else {
		op.Status = models.StatusAbandoned
		slog.Error("operation abandoned", "op", id, "attempts", op.Attempts, "err", deliveryErr)
	}

	if err := m.store.UpdateOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

// MarkConflicted parks the operation in conflicted state with the diff
// for the user. Excluded from automatic retry; its target group is
// blocked until resolved.
func (m *Manager) MarkConflicted(id string, diff *models.ConflictDiff) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if err != nil {
		return err
	}
	diffBytes, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal conflict diff: %w", err)
	}
	op.Status = models.StatusConflicted
	op.ConflictDiff = diffBytes
	op.LastError = "version conflict"

	// A conflicted delete leaves the cached snapshot exactly as it was
	// before enqueue.
	if op.Kind == models.KindDelete {
		if entry, err := m.store.GetCache(op.Collection, op.TargetID); err == nil && entry.Provisional {
			entry.Provisional = false
			if err := m.store.PutCache(entry); err != nil {
				slog.Warn("restore snapshot after conflicted delete", "op", id, "err", err)
			}
		}
	}

	slog.Warn("operation conflicted", "op", id, "target", op.TargetKey(),
		"remote_version", diff.RemoteVersion)
	return m.store.UpdateOperation(op)
}

// Redispatch rewrites a conflicted or in-flight operation with a merged
// payload and new base version, returning it to the pending state.
func (m *Manager) Redispatch(id string, payload json.RawMessage, baseVersion int64, baseData json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if err != nil {
		return err
	}
	op.Payload = payload
	op.BaseVersion = &baseVersion
	if baseData != nil {
		op.BaseData = baseData
	}
	op.Status = models.StatusPending
	op.NextAttemptAt = m.clock.Now()
	op.ConflictDiff = nil
	op.LastError = ""
	return m.store.UpdateOperation(op)
}

// Retry resets an abandoned or conflicted operation for another round of
// automatic delivery. Attempts restart from zero.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if err != nil {
		return err
	}
	if !op.Status.Terminal() {
		return fmt.Errorf("retry %s: status %s does not need manual retry", id, op.Status)
	}
	op.Status = models.StatusPending
	op.Attempts = 0
	op.NextAttemptAt = m.clock.Now()
	op.LastError = ""
	op.ConflictDiff = nil
	return m.store.UpdateOperation(op)
}

// Discard removes a terminal operation and reverts its optimistic patch.
// Used for user-initiated discard of abandoned or conflicted operations.
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.discard(op)
}

// Remove deletes an operation from the log without touching the cache.
// Used when the resolver discards an idempotent no-op.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.RemoveOperation(id)
}

// Clear empties the whole queue, reverting optimistic patches target by
// target from the earliest operation's base snapshot.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, err := m.store.ListPending()
	if err != nil {
		return err
	}

	// The first enqueued operation per target carries the pre-queue
	// snapshot; later ones are layered on optimistic state. Seq is the
	// enqueue order; EnqueuedAt can collide under a coarse clock.
	earliest := make(map[string]*models.Operation)
	for i := range ops {
		op := &ops[i]
		cur, ok := earliest[op.TargetKey()]
		if !ok || op.Seq < cur.Seq {
			earliest[op.TargetKey()] = op
		}
	}

	for i := range ops {
		if err := m.store.RemoveOperation(ops[i].ID); err != nil {
			return err
		}
	}

	for _, op := range earliest {
		if len(op.BaseData) == 0 {
			if err := m.store.DeleteCache(op.Collection, op.TargetID); err != nil {
				return err
			}
			continue
		}
		version := int64(0)
		if op.BaseVersion != nil {
			version = *op.BaseVersion
		}
		if err := m.store.PutCache(&models.CacheEntry{
			Collection:  op.Collection,
			Key:         op.TargetID,
			Data:        op.BaseData,
			Version:     version,
			FetchedAt:   m.clock.Now(),
			Provisional: false,
		}); err != nil {
			return err
		}
	}

	slog.Info("queue cleared", "operations", len(ops))
	return nil
}

// Counts summarises the log for the UI status surface.
type Counts struct {
	Pending    int
	Failed     int
	Conflicted int
}

// Counts returns pending/failed/conflicted totals. In-flight and
// retrying operations count as pending.
func (m *Manager) Counts() (Counts, error) {
	byStatus, err := m.store.CountByStatus()
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Pending: byStatus[models.StatusPending] +
			byStatus[models.StatusInFlight] +
			byStatus[models.StatusRetrying],
		Failed:     byStatus[models.StatusAbandoned],
		Conflicted: byStatus[models.StatusConflicted],
	}, nil
}

// mergePatch shallow-merges the payload's top-level fields over base.
func mergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return patch, nil
	}
	var baseFields map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseFields); err != nil {
		return nil, fmt.Errorf("merge patch: base: %w", err)
	}
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return nil, fmt.Errorf("merge patch: patch: %w", err)
	}
	if baseFields == nil {
		baseFields = map[string]json.RawMessage{}
	}
	for k, v := range patchFields {
		baseFields[k] = v
	}
	return json.Marshal(baseFields)
}
