package models

import (
	"encoding/json"
	"time"
)

// Kind represents the mutation kind of an operation
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Status represents the delivery state of an operation
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusRetrying   Status = "retrying"
	StatusAbandoned  Status = "abandoned"
	StatusConflicted Status = "conflicted"
)

// Terminal reports whether the status requires explicit user action
// before the operation can move again.
func (s Status) Terminal() bool {
	return s == StatusAbandoned || s == StatusConflicted
}

// Dispatchable reports whether the processor may pick the operation up.
func (s Status) Dispatchable() bool {
	return s == StatusPending || s == StatusRetrying
}

// Operation is a durable record of one pending local mutation awaiting
// delivery to the remote store. Operations are created only by the queue
// manager; the sync processor is the sole writer of state transitions.
type Operation struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Collection string          `json:"collection"`
	TargetID   string          `json:"target_id,omitempty"` // empty for create until the remote assigns one
	Payload    json.RawMessage `json:"payload,omitempty"`

	// BaseVersion is the record version this mutation was derived from.
	// Nil when the record did not previously exist locally.
	BaseVersion *int64 `json:"base_version,omitempty"`

	// BaseData is the cache snapshot the mutation was derived from. The
	// conflict resolver uses it to tell which fields the remote changed.
	BaseData json.RawMessage `json:"base_data,omitempty"`

	// Seq is assigned by the store on append and increases strictly in
	// enqueue order, unlike EnqueuedAt which can collide under a coarse
	// clock. Per-target delivery order follows Seq.
	Seq int64 `json:"seq"`

	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`

	// ConflictDiff holds the per-field diff for conflicted operations,
	// produced by the resolver for the user to act on.
	ConflictDiff json.RawMessage `json:"conflict_diff,omitempty"`
}

// TargetKey identifies the logical record an operation is ordered against.
func (o *Operation) TargetKey() string {
	return o.Collection + ":" + o.TargetID
}

// CacheEntry is a read-through snapshot of a remote record.
type CacheEntry struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	FetchedAt  time.Time       `json:"fetched_at"`

	// Provisional is true while an unconfirmed pending operation affects
	// this entry. Cleared when the operation is confirmed by the remote.
	Provisional bool `json:"provisional"`
}

// FieldDiff describes one field both sides changed to different values.
type FieldDiff struct {
	Field  string          `json:"field"`
	Base   json.RawMessage `json:"base,omitempty"`
	Local  json.RawMessage `json:"local"`
	Remote json.RawMessage `json:"remote"`
}

// ConflictDiff is the full diff attached to a conflicted operation.
type ConflictDiff struct {
	RemoteVersion int64           `json:"remote_version"`
	RemoteDeleted bool            `json:"remote_deleted,omitempty"`
	Fields        []FieldDiff     `json:"fields,omitempty"`
	RemoteData    json.RawMessage `json:"remote_data,omitempty"`
}
