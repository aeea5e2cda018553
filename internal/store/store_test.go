package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/henrik/opsync/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeOp(id, collection, targetID string) *models.Operation {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Operation{
		ID:            id,
		Kind:          models.KindUpdate,
		Collection:    collection,
		TargetID:      targetID,
		Payload:       json.RawMessage(`{"qty":5}`),
		Status:        models.StatusPending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	s := setupStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	var prev int64
	for _, id := range []string{"op-a", "op-b", "op-c"} {
		op := makeOp(id, "orders", "o1")
		op.EnqueuedAt = now // same instant for all three
		if err := s.AppendOperation(op); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		if op.Seq <= prev {
			t.Fatalf("%s: seq %d not greater than previous %d", id, op.Seq, prev)
		}
		prev = op.Seq
	}

	// Seq survives the round trip and updates preserve it
	got, err := s.GetOperation("op-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Seq == 0 {
		t.Fatal("seq lost on read")
	}
	got.Attempts = 3
	if err := s.UpdateOperation(got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetOperation("op-b")
	if again.Seq != got.Seq {
		t.Fatalf("seq changed across update: %d -> %d", got.Seq, again.Seq)
	}
}

func TestOpenSetsSchemaVersion(t *testing.T) {
	s := setupStore(t)
	v, err := s.GetSchemaVersion()
	if err != nil {
		t.Fatalf("get schema version: %v", err)
	}
	if v != SchemaVersion {
		t.Fatalf("schema version: got %d, want %d", v, SchemaVersion)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	op := makeOp("op-1", "orders", "o1")
	if err := s1.AppendOperation(op); err != nil {
		t.Fatalf("append: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetOperation("op-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Collection != "orders" || got.TargetID != "o1" {
		t.Fatalf("operation lost across reopen: %+v", got)
	}
	v, _ := s2.GetSchemaVersion()
	if v != SchemaVersion {
		t.Fatalf("schema version after reopen: got %d, want %d", v, SchemaVersion)
	}
}

func TestAppendGetOperation(t *testing.T) {
	s := setupStore(t)

	base := int64(3)
	op := makeOp("op-1", "orders", "o1")
	op.BaseVersion = &base
	op.BaseData = json.RawMessage(`{"qty":4}`)
	op.Priority = 2
	op.Attempts = 1
	op.LastError = "timeout"

	if err := s.AppendOperation(op); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetOperation("op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != models.KindUpdate {
		t.Errorf("kind: got %q", got.Kind)
	}
	if got.BaseVersion == nil || *got.BaseVersion != 3 {
		t.Errorf("base version: got %v, want 3", got.BaseVersion)
	}
	if string(got.BaseData) != `{"qty":4}` {
		t.Errorf("base data: got %s", got.BaseData)
	}
	if got.Priority != 2 || got.Attempts != 1 || got.LastError != "timeout" {
		t.Errorf("fields not round-tripped: %+v", got)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	s := setupStore(t)
	_, err := s.GetOperation("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateOperation(t *testing.T) {
	s := setupStore(t)
	op := makeOp("op-1", "orders", "o1")
	if err := s.AppendOperation(op); err != nil {
		t.Fatalf("append: %v", err)
	}

	op.Status = models.StatusRetrying
	op.Attempts = 2
	op.NextAttemptAt = op.NextAttemptAt.Add(8 * time.Second)
	if err := s.UpdateOperation(op); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.GetOperation("op-1")
	if got.Status != models.StatusRetrying || got.Attempts != 2 {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestUpdateOperationNotFound(t *testing.T) {
	s := setupStore(t)
	op := makeOp("ghost", "orders", "o1")
	if err := s.UpdateOperation(op); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRemoveOperation(t *testing.T) {
	s := setupStore(t)
	op := makeOp("op-1", "orders", "o1")
	if err := s.AppendOperation(op); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.RemoveOperation("op-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.GetOperation("op-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after remove, got %v", err)
	}
}

func TestListPendingOrder(t *testing.T) {
	s := setupStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	ops := []*models.Operation{
		makeOp("op-first", "orders", "o1"),
		makeOp("op-second", "orders", "o2"),
		makeOp("op-priority", "orders", "o3"),
	}
	// Identical timestamps: append order, not the wall clock, must decide
	for _, op := range ops {
		op.EnqueuedAt = now
	}
	ops[2].Priority = -1

	for _, op := range ops {
		if err := s.AppendOperation(op); err != nil {
			t.Fatalf("append %s: %v", op.ID, err)
		}
	}

	got, err := s.ListPending()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantOrder := []string{"op-priority", "op-first", "op-second"}
	if len(got) != len(wantOrder) {
		t.Fatalf("list len: got %d, want %d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestCountByStatus(t *testing.T) {
	s := setupStore(t)

	a := makeOp("op-a", "orders", "o1")
	b := makeOp("op-b", "orders", "o2")
	b.Status = models.StatusAbandoned
	c := makeOp("op-c", "orders", "o3")
	c.Status = models.StatusConflicted

	for _, op := range []*models.Operation{a, b, c} {
		if err := s.AppendOperation(op); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	counts, err := s.CountByStatus()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StatusPending] != 1 || counts[models.StatusAbandoned] != 1 || counts[models.StatusConflicted] != 1 {
		t.Fatalf("counts: %+v", counts)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	s := setupStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	entry := &models.CacheEntry{
		Collection: "products",
		Key:        "p1",
		Data:       json.RawMessage(`{"name":"widget"}`),
		Version:    7,
		FetchedAt:  now,
	}
	if err := s.PutCache(entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetCache("products", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 7 || string(got.Data) != `{"name":"widget"}` || got.Provisional {
		t.Fatalf("entry: %+v", got)
	}

	// Replace is atomic whole-snapshot
	entry.Data = json.RawMessage(`{"name":"gadget"}`)
	entry.Version = 8
	entry.Provisional = true
	if err := s.PutCache(entry); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = s.GetCache("products", "p1")
	if got.Version != 8 || !got.Provisional {
		t.Fatalf("replace not applied: %+v", got)
	}
}

func TestCacheNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.GetCache("products", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteCache(t *testing.T) {
	s := setupStore(t)
	entry := &models.CacheEntry{Collection: "products", Key: "p1", Data: json.RawMessage(`{}`), FetchedAt: time.Now()}
	if err := s.PutCache(entry); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteCache("products", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCache("products", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op
	if err := s.DeleteCache("products", "p1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPruneCacheProtectsProvisional(t *testing.T) {
	s := setupStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)

	stale := &models.CacheEntry{Collection: "products", Key: "old", Data: json.RawMessage(`{}`), FetchedAt: old}
	pending := &models.CacheEntry{Collection: "products", Key: "pending", Data: json.RawMessage(`{}`), FetchedAt: old, Provisional: true}
	fresh := &models.CacheEntry{Collection: "products", Key: "fresh", Data: json.RawMessage(`{}`), FetchedAt: time.Now().UTC()}

	for _, e := range []*models.CacheEntry{stale, pending, fresh} {
		if err := s.PutCache(e); err != nil {
			t.Fatalf("put %s: %v", e.Key, err)
		}
	}

	pruned, err := s.PruneCacheOlderThan(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned: got %d, want 1", pruned)
	}
	if _, err := s.GetCache("products", "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale entry should be gone, got %v", err)
	}
	if _, err := s.GetCache("products", "pending"); err != nil {
		t.Errorf("provisional entry must survive prune: %v", err)
	}
	if _, err := s.GetCache("products", "fresh"); err != nil {
		t.Errorf("fresh entry must survive prune: %v", err)
	}
}

func TestListCacheByCollection(t *testing.T) {
	s := setupStore(t)
	now := time.Now().UTC()
	for _, e := range []*models.CacheEntry{
		{Collection: "orders", Key: "o1", Data: json.RawMessage(`{}`), FetchedAt: now},
		{Collection: "orders", Key: "o2", Data: json.RawMessage(`{}`), FetchedAt: now},
		{Collection: "products", Key: "p1", Data: json.RawMessage(`{}`), FetchedAt: now},
	} {
		if err := s.PutCache(e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	orders, err := s.ListCache("orders")
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders: got %d, want 2", len(orders))
	}
	all, err := s.ListCache("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all: got %d, want 3", len(all))
	}
}

func TestClearCollection(t *testing.T) {
	s := setupStore(t)
	now := time.Now().UTC()
	s.PutCache(&models.CacheEntry{Collection: "orders", Key: "o1", Data: json.RawMessage(`{}`), FetchedAt: now})
	s.PutCache(&models.CacheEntry{Collection: "products", Key: "p1", Data: json.RawMessage(`{}`), FetchedAt: now})

	if err := s.ClearCollection("orders"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.GetCache("orders", "o1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("orders entry should be gone")
	}
	if _, err := s.GetCache("products", "p1"); err != nil {
		t.Errorf("products entry must survive: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	s := setupStore(t)
	if err := s.AppendOperation(makeOp("op-1", "orders", "o1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.PutCache(&models.CacheEntry{Collection: "orders", Key: "o1", Data: json.RawMessage(`{}`), FetchedAt: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	ops, _ := s.ListPending()
	if len(ops) != 0 {
		t.Errorf("operations remain: %d", len(ops))
	}
	entries, _ := s.ListCache("")
	if len(entries) != 0 {
		t.Errorf("cache entries remain: %d", len(entries))
	}
}
