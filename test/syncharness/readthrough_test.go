package syncharness

import (
	"context"
	"errors"
	"testing"

	"github.com/henrik/opsync/internal/engine"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/store"
)

// One device writes, another reads through its cold cache.
func TestReadThroughAcrossDevices(t *testing.T) {
	h := NewHarness(t)
	a := h.NewClient("device-a")
	b := h.NewClient("device-b")

	op := a.Enqueue(t, models.KindCreate, "products", "", `{"name":"widget"}`)
	if err := a.Engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entry, err := b.Engine.GetRecord(context.Background(), "products", op.TargetID)
	if err != nil {
		t.Fatalf("read through: %v", err)
	}
	if fields(t, entry.Data)["name"] != "widget" || entry.Version != 1 {
		t.Fatalf("entry: %+v", entry)
	}

	// Cached now: a second read works even if the server goes away
	h.Server.Close()
	again, err := b.Engine.GetRecord(context.Background(), "products", op.TargetID)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if again.Version != 1 {
		t.Fatalf("cached entry: %+v", again)
	}
}

func TestRefreshDropsTombstonedRecord(t *testing.T) {
	h := NewHarness(t)
	a := h.NewClient("device-a")
	b := h.NewClient("device-b")

	op := a.Enqueue(t, models.KindCreate, "products", "", `{"name":"widget"}`)
	if err := a.Engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := b.Engine.GetRecord(context.Background(), "products", op.TargetID); err != nil {
		t.Fatalf("read through: %v", err)
	}

	h.MutateServer("products", "delete", op.TargetID, "", 1)

	_, err := b.Engine.RefreshRecord(context.Background(), "products", op.TargetID)
	if !errors.Is(err, engine.ErrRecordNotFound) {
		t.Fatalf("want ErrRecordNotFound, got %v", err)
	}
	if _, err := b.Store.GetCache("products", op.TargetID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("tombstoned entry must leave the cache, got %v", err)
	}
}

func TestGetRecordUnknownKey(t *testing.T) {
	h := NewHarness(t)
	b := h.NewClient("device-b")

	_, err := b.Engine.GetRecord(context.Background(), "products", "nope")
	if !errors.Is(err, engine.ErrRecordNotFound) {
		t.Fatalf("want ErrRecordNotFound, got %v", err)
	}
}
