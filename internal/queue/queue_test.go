package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/henrik/opsync/internal/clock"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/store"
)

func setupQueue(t *testing.T) (*Manager, *store.Store, *clock.Fake) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clk := clock.NewFake(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	return New(s, clk, 0), s, clk
}

func seedCache(t *testing.T, s *store.Store, collection, key, data string, version int64) {
	t.Helper()
	if err := s.PutCache(&models.CacheEntry{
		Collection: collection,
		Key:        key,
		Data:       json.RawMessage(data),
		Version:    version,
		FetchedAt:  time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	m, _, _ := setupQueue(t)

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"bad kind", EnqueueRequest{Kind: "upsert", Collection: "orders", TargetID: "o1", Payload: json.RawMessage(`{}`)}},
		{"empty collection", EnqueueRequest{Kind: models.KindUpdate, TargetID: "o1", Payload: json.RawMessage(`{}`)}},
		{"update without target", EnqueueRequest{Kind: models.KindUpdate, Collection: "orders", Payload: json.RawMessage(`{}`)}},
		{"update without payload", EnqueueRequest{Kind: models.KindUpdate, Collection: "orders", TargetID: "o1"}},
		{"delete without target", EnqueueRequest{Kind: models.KindDelete, Collection: "orders"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Enqueue(tt.req); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestEnqueueCapturesBaseSnapshot(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "orders", "o1", `{"qty":4,"note":"x"}`, 3)

	op, err := m.Enqueue(EnqueueRequest{
		Kind:       models.KindUpdate,
		Collection: "orders",
		TargetID:   "o1",
		Payload:    json.RawMessage(`{"qty":5}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if op.BaseVersion == nil || *op.BaseVersion != 3 {
		t.Errorf("base version: got %v, want 3", op.BaseVersion)
	}
	if string(op.BaseData) != `{"qty":4,"note":"x"}` {
		t.Errorf("base data: got %s", op.BaseData)
	}
	if op.Status != models.StatusPending {
		t.Errorf("status: got %s", op.Status)
	}
}

func TestEnqueueAppliesOptimisticPatch(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "orders", "o1", `{"qty":4,"note":"x"}`, 3)

	if _, err := m.Enqueue(EnqueueRequest{
		Kind:       models.KindUpdate,
		Collection: "orders",
		TargetID:   "o1",
		Payload:    json.RawMessage(`{"qty":5}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entry, err := s.GetCache("orders", "o1")
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	if !entry.Provisional {
		t.Error("entry must be provisional while operation is pending")
	}
	var fields map[string]any
	json.Unmarshal(entry.Data, &fields)
	if fields["qty"] != float64(5) || fields["note"] != "x" {
		t.Errorf("patch not merged over snapshot: %s", entry.Data)
	}
	if entry.Version != 3 {
		t.Errorf("version must stay at base until confirmed: got %d", entry.Version)
	}
}

func TestEnqueueCreateAssignsProvisionalTarget(t *testing.T) {
	m, s, _ := setupQueue(t)

	op, err := m.Enqueue(EnqueueRequest{
		Kind:       models.KindCreate,
		Collection: "orders",
		Payload:    json.RawMessage(`{"qty":1}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if op.TargetID != op.ID {
		t.Fatalf("provisional target: got %q, want op id %q", op.TargetID, op.ID)
	}

	entry, err := s.GetCache("orders", op.TargetID)
	if err != nil {
		t.Fatalf("optimistic entry missing: %v", err)
	}
	if !entry.Provisional {
		t.Error("create entry must be provisional")
	}
}

func TestEnqueueDeleteKeepsSnapshot(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "products", "p9", `{"name":"widget"}`, 2)

	if _, err := m.Enqueue(EnqueueRequest{
		Kind:       models.KindDelete,
		Collection: "products",
		TargetID:   "p9",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entry, err := s.GetCache("products", "p9")
	if err != nil {
		t.Fatalf("snapshot must survive a pending delete: %v", err)
	}
	if !entry.Provisional {
		t.Error("delete snapshot must be provisional")
	}
	if string(entry.Data) != `{"name":"widget"}` {
		t.Errorf("snapshot data changed: %s", entry.Data)
	}
}

func TestCancelRevertsPatch(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "orders", "o1", `{"qty":4}`, 3)

	op, err := m.Enqueue(EnqueueRequest{
		Kind:       models.KindUpdate,
		Collection: "orders",
		TargetID:   "o1",
		Payload:    json.RawMessage(`{"qty":5}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := m.Cancel(op.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := m.Get(op.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("operation should be gone, got %v", err)
	}
	entry, err := s.GetCache("orders", "o1")
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	if entry.Provisional || string(entry.Data) != `{"qty":4}` || entry.Version != 3 {
		t.Fatalf("base snapshot not restored: %+v", entry)
	}
}

func TestCancelCreateRemovesEntry(t *testing.T) {
	m, s, _ := setupQueue(t)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind:       models.KindCreate,
		Collection: "orders",
		Payload:    json.RawMessage(`{"qty":1}`),
	})
	if err := m.Cancel(op.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.GetCache("orders", op.TargetID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("optimistic create entry should be removed, got %v", err)
	}
}

func TestCancelSkipsInFlight(t *testing.T) {
	m, _, _ := setupQueue(t)
	op, _ := m.Enqueue(EnqueueRequest{
		Kind:       models.KindUpdate,
		Collection: "orders",
		TargetID:   "o1",
		Payload:    json.RawMessage(`{"qty":5}`),
	})
	if _, err := m.MarkAttemptStart(op.ID); err != nil {
		t.Fatalf("mark start: %v", err)
	}

	if err := m.Cancel(op.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Still present: in-flight operations cannot be cancelled
	if _, err := m.Get(op.ID); err != nil {
		t.Fatalf("in-flight operation must survive cancel: %v", err)
	}
}

func TestMarkAttemptStart(t *testing.T) {
	m, _, _ := setupQueue(t)
	op, _ := m.Enqueue(EnqueueRequest{
		Kind:       models.KindUpdate,
		Collection: "orders",
		TargetID:   "o1",
		Payload:    json.RawMessage(`{"qty":5}`),
	})

	started, err := m.MarkAttemptStart(op.ID)
	if err != nil {
		t.Fatalf("mark start: %v", err)
	}
	if started.Status != models.StatusInFlight || started.Attempts != 1 {
		t.Fatalf("transition: %+v", started)
	}

	// An in-flight operation is not dispatchable again
	if _, err := m.MarkAttemptStart(op.ID); err == nil {
		t.Fatal("second start must fail")
	}
}

func TestMarkSucceededInstallsSnapshot(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "orders", "o1", `{"qty":4}`, 3)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind:       models.KindUpdate,
		Collection: "orders",
		TargetID:   "o1",
		Payload:    json.RawMessage(`{"qty":5}`),
	})
	m.MarkAttemptStart(op.ID)

	if err := m.MarkSucceeded(op.ID, "o1", json.RawMessage(`{"qty":5}`), 4); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	if _, err := m.Get(op.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("confirmed operation should leave the log, got %v", err)
	}
	entry, _ := s.GetCache("orders", "o1")
	if entry.Version != 4 || entry.Provisional || string(entry.Data) != `{"qty":5}` {
		t.Fatalf("confirmed snapshot: %+v", entry)
	}
}

func TestMarkSucceededRekeysCreate(t *testing.T) {
	m, s, _ := setupQueue(t)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind:       models.KindCreate,
		Collection: "orders",
		Payload:    json.RawMessage(`{"qty":1}`),
	})
	m.MarkAttemptStart(op.ID)

	if err := m.MarkSucceeded(op.ID, "r_served01", json.RawMessage(`{"qty":1}`), 1); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	if _, err := s.GetCache("orders", op.TargetID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("provisional-keyed entry should be removed, got %v", err)
	}
	entry, err := s.GetCache("orders", "r_served01")
	if err != nil {
		t.Fatalf("server-keyed entry missing: %v", err)
	}
	if entry.Version != 1 || entry.Provisional {
		t.Fatalf("server-keyed entry: %+v", entry)
	}
}

func TestMarkSucceededDeleteDropsEntry(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "products", "p9", `{"name":"widget"}`, 2)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind:       models.KindDelete,
		Collection: "products",
		TargetID:   "p9",
	})
	m.MarkAttemptStart(op.ID)

	if err := m.MarkSucceeded(op.ID, "p9", nil, 3); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := s.GetCache("products", "p9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("entry should be gone after confirmed delete, got %v", err)
	}
}

func TestMarkSucceededKeepsProvisionalForLaterOps(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "orders", "o1", `{"qty":4}`, 3)

	first, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})
	m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":6}`),
	})

	m.MarkAttemptStart(first.ID)
	if err := m.MarkSucceeded(first.ID, "o1", json.RawMessage(`{"qty":5}`), 4); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	entry, _ := s.GetCache("orders", "o1")
	if !entry.Provisional {
		t.Fatal("entry must stay provisional while a later operation is pending")
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	m, _, clk := setupQueue(t)
	next := clk.Now().Add(4 * time.Second)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})
	m.MarkAttemptStart(op.ID)

	got, err := m.MarkFailed(op.ID, "connection refused", true, next)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if got.Status != models.StatusRetrying {
		t.Fatalf("status: got %s, want retrying", got.Status)
	}
	if !got.NextAttemptAt.Equal(next) {
		t.Fatalf("next attempt: got %v, want %v", got.NextAttemptAt, next)
	}
	if got.LastError != "connection refused" {
		t.Fatalf("last error: %q", got.LastError)
	}
}

func TestMarkFailedAbandonsAtLimit(t *testing.T) {
	m, _, clk := setupQueue(t)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})

	for i := 0; i < DefaultMaxAttempts; i++ {
		if _, err := m.MarkAttemptStart(op.ID); err != nil {
			t.Fatalf("attempt %d start: %v", i+1, err)
		}
		got, err := m.MarkFailed(op.ID, "unreachable", true, clk.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("attempt %d fail: %v", i+1, err)
		}
		if i < DefaultMaxAttempts-1 && got.Status != models.StatusRetrying {
			t.Fatalf("attempt %d: got %s, want retrying", i+1, got.Status)
		}
		if i == DefaultMaxAttempts-1 && got.Status != models.StatusAbandoned {
			t.Fatalf("final attempt: got %s, want abandoned", got.Status)
		}
	}
}

func TestMarkFailedNonRetryableAbandonsImmediately(t *testing.T) {
	m, _, _ := setupQueue(t)
	op, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})
	m.MarkAttemptStart(op.ID)

	got, err := m.MarkFailed(op.ID, "validation: bad payload", false, time.Time{})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if got.Status != models.StatusAbandoned {
		t.Fatalf("status: got %s, want abandoned", got.Status)
	}
}

func TestMarkConflictedStoresDiffAndRestoresDeleteSnapshot(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "products", "p9", `{"name":"widget"}`, 2)

	op, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindDelete, Collection: "products", TargetID: "p9",
	})
	m.MarkAttemptStart(op.ID)

	diff := &models.ConflictDiff{RemoteVersion: 3, RemoteData: json.RawMessage(`{"name":"widget v2"}`)}
	if err := m.MarkConflicted(op.ID, diff); err != nil {
		t.Fatalf("mark conflicted: %v", err)
	}

	got, _ := m.Get(op.ID)
	if got.Status != models.StatusConflicted {
		t.Fatalf("status: got %s", got.Status)
	}
	var stored models.ConflictDiff
	if err := json.Unmarshal(got.ConflictDiff, &stored); err != nil {
		t.Fatalf("decode diff: %v", err)
	}
	if stored.RemoteVersion != 3 {
		t.Fatalf("diff remote version: %d", stored.RemoteVersion)
	}

	// The cached snapshot is back to normal, exactly as before enqueue
	entry, _ := s.GetCache("products", "p9")
	if entry.Provisional || string(entry.Data) != `{"name":"widget"}` || entry.Version != 2 {
		t.Fatalf("snapshot must be unchanged after conflicted delete: %+v", entry)
	}
}

func TestRedispatchResetsOperation(t *testing.T) {
	m, _, _ := setupQueue(t)
	op, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})
	m.MarkAttemptStart(op.ID)
	m.MarkConflicted(op.ID, &models.ConflictDiff{RemoteVersion: 4})

	if err := m.Redispatch(op.ID, json.RawMessage(`{"qty":5,"note":"r"}`), 4, json.RawMessage(`{"qty":4,"note":"r"}`)); err != nil {
		t.Fatalf("redispatch: %v", err)
	}

	got, _ := m.Get(op.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status: got %s", got.Status)
	}
	if got.BaseVersion == nil || *got.BaseVersion != 4 {
		t.Fatalf("base version: %v", got.BaseVersion)
	}
	if string(got.Payload) != `{"qty":5,"note":"r"}` {
		t.Fatalf("payload: %s", got.Payload)
	}
	if len(got.ConflictDiff) != 0 || got.LastError != "" {
		t.Fatalf("diff/error not cleared: %+v", got)
	}
}

func TestRetryRequiresTerminalStatus(t *testing.T) {
	m, _, _ := setupQueue(t)
	op, _ := m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})

	if err := m.Retry(op.ID); err == nil {
		t.Fatal("retry of a pending operation must fail")
	}

	m.MarkAttemptStart(op.ID)
	m.MarkFailed(op.ID, "boom", false, time.Time{})

	if err := m.Retry(op.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := m.Get(op.ID)
	if got.Status != models.StatusPending || got.Attempts != 0 {
		t.Fatalf("retry reset: %+v", got)
	}
}

func TestClearRestoresEarliestBase(t *testing.T) {
	m, s, _ := setupQueue(t)
	seedCache(t, s, "orders", "o1", `{"qty":4}`, 3)

	m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":5}`),
	})
	m.Enqueue(EnqueueRequest{
		Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
		Payload: json.RawMessage(`{"qty":6}`),
	})

	if err := m.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	ops, _ := m.ListPending()
	if len(ops) != 0 {
		t.Fatalf("queue not empty: %d", len(ops))
	}
	entry, err := s.GetCache("orders", "o1")
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	if entry.Provisional || string(entry.Data) != `{"qty":4}` || entry.Version != 3 {
		t.Fatalf("base snapshot not restored: %+v", entry)
	}
}

func TestCounts(t *testing.T) {
	m, _, _ := setupQueue(t)

	a, _ := m.Enqueue(EnqueueRequest{Kind: models.KindUpdate, Collection: "orders", TargetID: "o1", Payload: json.RawMessage(`{}`)})
	b, _ := m.Enqueue(EnqueueRequest{Kind: models.KindUpdate, Collection: "orders", TargetID: "o2", Payload: json.RawMessage(`{}`)})
	m.Enqueue(EnqueueRequest{Kind: models.KindUpdate, Collection: "orders", TargetID: "o3", Payload: json.RawMessage(`{}`)})

	m.MarkAttemptStart(a.ID)
	m.MarkFailed(a.ID, "boom", false, time.Time{})
	m.MarkAttemptStart(b.ID)
	m.MarkConflicted(b.ID, &models.ConflictDiff{RemoteVersion: 2})

	counts, err := m.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 || counts.Failed != 1 || counts.Conflicted != 1 {
		t.Fatalf("counts: %+v", counts)
	}
}

func TestEnqueueOrderStableUnderFrozenClock(t *testing.T) {
	m, _, clk := setupQueue(t)

	// The fake clock never moves: every operation gets the same
	// enqueued_at. Seq still records the true enqueue order.
	var ids []string
	for i := 0; i < 4; i++ {
		op, err := m.Enqueue(EnqueueRequest{
			Kind: models.KindUpdate, Collection: "orders", TargetID: "o1",
			Payload: json.RawMessage(`{"qty":1}`),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, op.ID)
	}

	ops, err := m.ListPending()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("list len: %d", len(ops))
	}
	var prev int64
	for i := range ops {
		if ops[i].ID != ids[i] {
			t.Fatalf("position %d: got %s, want %s", i, ops[i].ID, ids[i])
		}
		if !ops[i].EnqueuedAt.Equal(clk.Now()) {
			t.Fatalf("position %d: enqueued_at moved: %v", i, ops[i].EnqueuedAt)
		}
		if ops[i].Seq <= prev {
			t.Fatalf("position %d: seq %d not increasing past %d", i, ops[i].Seq, prev)
		}
		prev = ops[i].Seq
	}
}
