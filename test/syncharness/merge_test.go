package syncharness

import (
	"context"
	"testing"

	"github.com/henrik/opsync/internal/models"
)

// A local edit races a server-side change to a different field: the
// delivery conflicts, the resolver merges, and the redelivery carries
// both changes.
func TestConcurrentEditsToDisjointFieldsMerge(t *testing.T) {
	h := NewHarness(t)
	a := h.NewClient("device-a")

	op := a.Enqueue(t, models.KindCreate, "orders", "", `{"qty":1,"note":"old"}`)
	if err := a.Engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Another writer bumps qty server-side; our cache still has v1
	h.MutateServer("orders", "update", op.TargetID, `{"qty":9}`, 1)

	a.Enqueue(t, models.KindUpdate, "orders", op.TargetID, `{"note":"call first"}`)
	if err := a.Engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if a.PendingCount(t) != 0 {
		t.Fatalf("merge should resolve without user action: %d pending", a.PendingCount(t))
	}

	rec := h.ServerRecord("orders", op.TargetID)
	got := fields(t, rec.Data)
	if got["qty"] != float64(9) || got["note"] != "call first" {
		t.Fatalf("merged server data: %s", rec.Data)
	}
	if rec.Version != 3 {
		t.Fatalf("server version: %d", rec.Version)
	}

	entry := a.MustCacheEntry(t, "orders", op.TargetID)
	if entry.Version != 3 || entry.Provisional {
		t.Fatalf("confirmed entry: %+v", entry)
	}
}

// Both sides changed the same field: no silent winner, the operation
// parks as conflicted until the user decides.
func TestConcurrentEditsToSameFieldEscalate(t *testing.T) {
	h := NewHarness(t)
	a := h.NewClient("device-a")

	op := a.Enqueue(t, models.KindCreate, "orders", "", `{"qty":1}`)
	if err := a.Engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	h.MutateServer("orders", "update", op.TargetID, `{"qty":9}`, 1)

	local := a.Enqueue(t, models.KindUpdate, "orders", op.TargetID, `{"qty":5}`)
	if err := a.Engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := a.Queue.Get(local.ID)
	if err != nil {
		t.Fatalf("get op: %v", err)
	}
	if got.Status != models.StatusConflicted {
		t.Fatalf("status: %s", got.Status)
	}

	// Server keeps its own value until the conflict is resolved
	rec := h.ServerRecord("orders", op.TargetID)
	if fields(t, rec.Data)["qty"] != float64(9) {
		t.Fatalf("server data changed under conflict: %s", rec.Data)
	}
}
