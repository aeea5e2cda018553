// Package resolver decides what happens to a pending operation whose
// target changed server-side since the operation's base version.
//
// The default policy is server-first merge: fields the local operation
// did not touch come from the remote snapshot; fields it did touch win,
// unless the remote changed the same field to a different value, in
// which case the operation is escalated to the user with a field diff.
package resolver

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/henrik/opsync/internal/models"
)

// Outcome is the resolver's decision for one conflicted operation.
type Outcome int

const (
	// Accept means the merge succeeded; redeliver with MergedPayload
	// against BaseVersion.
	Accept Outcome = iota
	// Discard means the operation is a no-op (e.g. delete of an already
	// deleted record) and should be removed from the log.
	Discard
	// RequireUserDecision means both sides changed the same data; the
	// operation stays queued in conflicted state until the user acts.
	RequireUserDecision
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Discard:
		return "discard"
	case RequireUserDecision:
		return "require_user_decision"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// RemoteState is the authoritative server-side view at conflict time.
type RemoteState struct {
	Snapshot json.RawMessage
	Version  int64
	Deleted  bool
}

// Resolution is the full result of resolving one operation.
type Resolution struct {
	Outcome       Outcome
	MergedPayload json.RawMessage // set for Accept
	BaseVersion   int64           // remote version the merge is based on
	Reason        string          // set for Discard
	Diff          *models.ConflictDiff
}

// Resolver implements the server-first merge policy. It is stateless;
// a single instance is shared by the engine.
type Resolver struct{}

// New returns the default resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve compares the pending operation against the remote state and
// decides accept, discard, or escalate.
func (r *Resolver) Resolve(op *models.Operation, remote RemoteState) (*Resolution, error) {
	switch op.Kind {
	case models.KindDelete:
		return r.resolveDelete(op, remote)
	case models.KindCreate, models.KindUpdate:
		return r.resolveUpsert(op, remote)
	default:
		return nil, fmt.Errorf("resolve %s: unknown kind %q", op.ID, op.Kind)
	}
}

// resolveDelete handles a local delete racing a remote change. A delete
// against a concurrently updated record is always escalated, never
// silently applied; a delete of an already-deleted record is idempotent.
func (r *Resolver) resolveDelete(op *models.Operation, remote RemoteState) (*Resolution, error) {
	if remote.Deleted {
		return &Resolution{Outcome: Discard, Reason: "already deleted remotely"}, nil
	}
	return &Resolution{
		Outcome: RequireUserDecision,
		Diff: &models.ConflictDiff{
			RemoteVersion: remote.Version,
			RemoteData:    remote.Snapshot,
		},
	}, nil
}

func (r *Resolver) resolveUpsert(op *models.Operation, remote RemoteState) (*Resolution, error) {
	// The record disappeared remotely while a local change is pending.
	// Escalate rather than silently discarding local state.
	if remote.Deleted {
		return &Resolution{
			Outcome: RequireUserDecision,
			Diff: &models.ConflictDiff{
				RemoteVersion: remote.Version,
				RemoteDeleted: true,
			},
		}, nil
	}

	local, err := decodeFields(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: local payload: %w", op.ID, err)
	}
	base, err := decodeFields(op.BaseData)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: base data: %w", op.ID, err)
	}
	remoteFields, err := decodeFields(remote.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: remote snapshot: %w", op.ID, err)
	}

	// Server-first: start from the remote snapshot, overlay local fields
	merged := make(map[string]json.RawMessage, len(remoteFields)+len(local))
	for k, v := range remoteFields {
		merged[k] = v
	}

	var conflicts []models.FieldDiff
	for field, localVal := range local {
		remoteVal, remoteHas := remoteFields[field]
		baseVal, baseHas := base[field]

		switch {
		case !remoteHas && !baseHas:
			// Field is new on our side only
			merged[field] = localVal
		case remoteHas && rawEqual(remoteVal, baseVal):
			// Remote did not touch it since our base; local wins
			merged[field] = localVal
		case remoteHas && rawEqual(remoteVal, localVal):
			// Both sides made the same change
			merged[field] = localVal
		default:
			// Remote changed (or removed) the field to something else
			conflicts = append(conflicts, models.FieldDiff{
				Field:  field,
				Base:   baseVal,
				Local:  localVal,
				Remote: remoteVal,
			})
		}
	}

	if len(conflicts) > 0 {
		return &Resolution{
			Outcome: RequireUserDecision,
			Diff: &models.ConflictDiff{
				RemoteVersion: remote.Version,
				Fields:        conflicts,
				RemoteData:    remote.Snapshot,
			},
		}, nil
	}

	mergedPayload, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: marshal merged payload: %w", op.ID, err)
	}
	return &Resolution{
		Outcome:       Accept,
		MergedPayload: mergedPayload,
		BaseVersion:   remote.Version,
	}, nil
}

// decodeFields unmarshals a JSON object into its top-level fields.
// Nil or empty input decodes to an empty map.
func decodeFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

// rawEqual compares two JSON values structurally, so formatting and key
// order differences do not count as changes.
func rawEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
