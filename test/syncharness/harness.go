// Package syncharness runs end-to-end sync tests: real HTTP server over
// an in-memory database, real client stores on disk, and the full
// enqueue/deliver/resolve pipeline between them.
package syncharness

import (
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/henrik/opsync/internal/api"
	"github.com/henrik/opsync/internal/clock"
	"github.com/henrik/opsync/internal/engine"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/policy"
	"github.com/henrik/opsync/internal/queue"
	"github.com/henrik/opsync/internal/remote"
	"github.com/henrik/opsync/internal/resolver"
	"github.com/henrik/opsync/internal/serverdb"
	"github.com/henrik/opsync/internal/store"
)

// Harness holds one server and any number of clients talking to it.
type Harness struct {
	T      *testing.T
	Server *httptest.Server
	DB     *serverdb.ServerDB
}

// Client is one device: its own store, queue, and engine, all pointed at
// the harness server.
type Client struct {
	Name   string
	Store  *store.Store
	Queue  *queue.Manager
	Engine *engine.Engine
	Clock  *clock.Fake
}

// NewHarness starts an API server over an in-memory database.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	db, err := serverdb.New(conn)
	if err != nil {
		t.Fatalf("init server db: %v", err)
	}

	srv, err := api.NewServer(api.Config{}, db)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &Harness{T: t, Server: ts, DB: db}
}

// NewClient creates a device with its own store under a temp dir.
func (h *Harness) NewClient(name string) *Client {
	h.T.Helper()

	st, err := store.Open(h.T.TempDir())
	if err != nil {
		h.T.Fatalf("open client store: %v", err)
	}
	h.T.Cleanup(func() { st.Close() })

	clk := clock.NewFake(time.Now().UTC())
	q := queue.New(st, clk, 0)
	rc := remote.New(h.Server.URL, "", name)

	eng := engine.New(st, q, rc, resolver.New(), policy.Default(), clk, engine.Config{
		Concurrency:    2,
		AttemptTimeout: 5 * time.Second,
		Backoff:        engine.Backoff{Base: 10 * time.Millisecond, Cap: time.Second},
	})

	return &Client{Name: name, Store: st, Queue: q, Engine: eng, Clock: clk}
}

// ServerRecord reads the authoritative server state directly.
func (h *Harness) ServerRecord(collection, id string) *serverdb.Record {
	h.T.Helper()
	rec, err := h.DB.GetRecord(collection, id)
	if err != nil {
		h.T.Fatalf("server record %s/%s: %v", collection, id, err)
	}
	return rec
}

// MutateServer applies a change server-side, simulating another writer.
func (h *Harness) MutateServer(collection, kind, targetID, payload string, baseVersion int64) *serverdb.MutationResult {
	h.T.Helper()
	var base *int64
	if baseVersion > 0 {
		base = &baseVersion
	}
	var body json.RawMessage
	if payload != "" {
		body = json.RawMessage(payload)
	}
	res, err := h.DB.ApplyMutation(collection, "", kind, targetID, body, base)
	if err != nil {
		h.T.Fatalf("server mutation %s %s/%s: %v", kind, collection, targetID, err)
	}
	return res
}

// Enqueue queues one operation on the client.
func (c *Client) Enqueue(t *testing.T, kind models.Kind, collection, targetID, payload string) *models.Operation {
	t.Helper()
	req := queue.EnqueueRequest{Kind: kind, Collection: collection, TargetID: targetID}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	op, err := c.Queue.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue on %s: %v", c.Name, err)
	}
	return op
}

// MustCacheEntry reads one cache entry, failing the test if missing.
func (c *Client) MustCacheEntry(t *testing.T, collection, key string) *models.CacheEntry {
	t.Helper()
	entry, err := c.Store.GetCache(collection, key)
	if err != nil {
		t.Fatalf("cache entry %s/%s on %s: %v", collection, key, c.Name, err)
	}
	return entry
}

// PendingCount returns the number of operations still in the log.
func (c *Client) PendingCount(t *testing.T) int {
	t.Helper()
	ops, err := c.Queue.ListPending()
	if err != nil {
		t.Fatalf("list pending on %s: %v", c.Name, err)
	}
	return len(ops)
}

// fields decodes a JSON object for assertions.
func fields(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	return out
}
