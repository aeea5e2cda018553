// Package engine is the sync processor: a single-flight background
// worker that drains the operation queue against the remote mutation
// API, applies retry/backoff, and routes conflicts to the resolver.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/henrik/opsync/internal/clock"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/policy"
	"github.com/henrik/opsync/internal/queue"
	"github.com/henrik/opsync/internal/remote"
	"github.com/henrik/opsync/internal/resolver"
	"github.com/henrik/opsync/internal/store"
)

// RemoteAPI is the slice of the remote client the processor needs.
// *remote.Client satisfies it; tests inject fakes.
type RemoteAPI interface {
	ApplyMutation(ctx context.Context, collection, idempotencyKey string, m *remote.MutationRequest) (*remote.MutationResult, error)
	FetchRecord(ctx context.Context, collection, key string) (*remote.Record, error)
}

// Config tunes the processor.
type Config struct {
	// Concurrency bounds parallel deliveries across distinct targets.
	// Within a target, delivery is strictly sequential.
	Concurrency int
	// AttemptTimeout bounds each remote call. Mandatory: on timeout the
	// attempt is failed-retryable, not assumed to have failed remotely.
	AttemptTimeout time.Duration
	Backoff        Backoff
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		AttemptTimeout: 15 * time.Second,
		Backoff:        DefaultBackoff,
	}
}

// Engine owns the drain loop. Construct one per process and share the
// handle; there are no package-level singletons.
type Engine struct {
	store    *store.Store
	queue    *queue.Manager
	remote   RemoteAPI
	resolver *resolver.Resolver
	policy   *policy.Policy
	clock    clock.Clock
	cfg      Config

	mu         sync.Mutex
	processing bool
	rerun      bool
}

// New wires a sync engine from its injected collaborators.
func New(s *store.Store, q *queue.Manager, r RemoteAPI, res *resolver.Resolver, p *policy.Policy, c clock.Clock, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Engine{
		store:    s,
		queue:    q,
		remote:   r,
		resolver: res,
		policy:   p,
		clock:    c,
		cfg:      cfg,
	}
}

// Queue exposes the queue manager for enqueue/cancel callers.
func (e *Engine) Queue() *queue.Manager { return e.queue }

// IsProcessing reports whether a drain pass is active.
func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// SyncNow runs drain passes until the queue has no dispatchable work.
// A call while a pass is active is coalesced into "run again after the
// current pass" instead of stacking passes; per-target ordering depends
// on there being at most one active drain.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	if e.processing {
		e.rerun = true
		e.mu.Unlock()
		slog.Debug("sync already running, coalesced")
		return nil
	}
	e.processing = true
	e.mu.Unlock()

	finish := func() {
		e.processing = false
		e.rerun = false
		e.mu.Unlock()
	}

	for {
		dispatched, err := e.drainOnce(ctx)

		// The rerun check and the processing handover happen under one
		// lock acquisition: a coalescing caller either lands its rerun
		// before the check (and this loop runs it) or finds processing
		// already false and starts its own pass. No trigger is left
		// latched for a later tick.
		e.mu.Lock()
		if err != nil {
			finish()
			return err
		}
		if ctx.Err() != nil {
			finish()
			return ctx.Err()
		}
		if !e.rerun && dispatched == 0 {
			finish()
			return nil
		}
		e.rerun = false
		e.mu.Unlock()
	}
}

// drainOnce runs one pass: pick the eligible head of each target group
// and deliver the heads with bounded concurrency. Returns how many
// operations were dispatched.
func (e *Engine) drainOnce(ctx context.Context) (int, error) {
	ops, err := e.queue.ListPending()
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	heads := e.selectHeads(ops)
	if len(heads) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range heads {
		op := heads[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.deliver(ctx, op)
		}()
	}
	wg.Wait()
	return len(heads), nil
}

// selectHeads picks at most one operation per (collection, targetId)
// group: the earliest-enqueued eligible one, found by walking each group
// in Seq order so priority can never reorder operations within a target.
// A conflicted or in-flight earlier operation blocks its group; an
// abandoned one does not (it is permanently out of the way). Priority
// only orders the chosen heads against each other across groups.
func (e *Engine) selectHeads(ops []models.Operation) []models.Operation {
	now := e.clock.Now()

	bySeq := make([]models.Operation, len(ops))
	copy(bySeq, ops)
	sort.Slice(bySeq, func(i, j int) bool { return bySeq[i].Seq < bySeq[j].Seq })

	var heads []models.Operation
	blocked := make(map[string]bool)
	taken := make(map[string]bool)

	for i := range bySeq {
		op := bySeq[i]
		key := op.TargetKey()
		if blocked[key] || taken[key] {
			continue
		}
		switch op.Status {
		case models.StatusConflicted, models.StatusInFlight:
			blocked[key] = true
		case models.StatusAbandoned:
			// skip; later operations on this target may proceed
		default:
			taken[key] = true
			if op.Status.Dispatchable() && !op.NextAttemptAt.After(now) {
				heads = append(heads, op)
			}
		}
	}

	sort.Slice(heads, func(i, j int) bool {
		if heads[i].Priority != heads[j].Priority {
			return heads[i].Priority < heads[j].Priority
		}
		return heads[i].Seq < heads[j].Seq
	})
	return heads
}

// deliver attempts one operation against the remote API. Errors never
// escape: every failure is captured on the operation itself.
func (e *Engine) deliver(ctx context.Context, op models.Operation) {
	started, err := e.queue.MarkAttemptStart(op.ID)
	if err != nil {
		slog.Warn("mark attempt start", "op", op.ID, "err", err)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	req := &remote.MutationRequest{
		Kind:        started.Kind,
		TargetID:    started.TargetID,
		Payload:     started.Payload,
		BaseVersion: started.BaseVersion,
	}
	res, err := e.remote.ApplyMutation(attemptCtx, started.Collection, started.ID, req)

	switch {
	case err == nil:
		if err := e.queue.MarkSucceeded(started.ID, res.TargetID, res.Snapshot, res.Version); err != nil {
			slog.Error("mark succeeded", "op", started.ID, "err", err)
		}
	case isConflict(err):
		var ce *remote.ConflictError
		errors.As(err, &ce)
		e.handleConflict(started, ce)
	case isRetryable(err):
		delay := e.cfg.Backoff.Jittered(started.Attempts)
		if _, err := e.queue.MarkFailed(started.ID, err.Error(), true, e.clock.Now().Add(delay)); err != nil {
			slog.Error("mark failed", "op", started.ID, "err", err)
		}
	default:
		// Validation and auth failures are terminal: retrying the same
		// bytes cannot succeed.
		if _, err := e.queue.MarkFailed(started.ID, err.Error(), false, time.Time{}); err != nil {
			slog.Error("mark failed", "op", started.ID, "err", err)
		}
	}
}

// handleConflict routes a version conflict through the resolver instead
// of retrying blindly.
func (e *Engine) handleConflict(op *models.Operation, ce *remote.ConflictError) {
	res, err := e.resolver.Resolve(op, resolver.RemoteState{
		Snapshot: ce.RemoteSnapshot,
		Version:  ce.RemoteVersion,
		Deleted:  ce.RemoteDeleted,
	})
	if err != nil {
		slog.Error("resolve conflict", "op", op.ID, "err", err)
		if err := e.queue.MarkConflicted(op.ID, &models.ConflictDiff{
			RemoteVersion: ce.RemoteVersion,
			RemoteDeleted: ce.RemoteDeleted,
			RemoteData:    ce.RemoteSnapshot,
		}); err != nil {
			slog.Error("mark conflicted", "op", op.ID, "err", err)
		}
		return
	}

	switch res.Outcome {
	case resolver.Accept:
		slog.Info("conflict auto-merged", "op", op.ID, "target", op.TargetKey(),
			"base_version", res.BaseVersion)
		if err := e.queue.Redispatch(op.ID, res.MergedPayload, res.BaseVersion, ce.RemoteSnapshot); err != nil {
			slog.Error("redispatch merged operation", "op", op.ID, "err", err)
			return
		}
		// The merged operation is dispatchable again; make sure the
		// current SyncNow loop picks it up.
		e.mu.Lock()
		e.rerun = true
		e.mu.Unlock()
	case resolver.Discard:
		slog.Info("conflict discarded", "op", op.ID, "reason", res.Reason)
		if err := e.queue.Remove(op.ID); err != nil {
			slog.Error("remove discarded operation", "op", op.ID, "err", err)
			return
		}
		// The record is gone remotely; drop the local snapshot too.
		if op.Kind == models.KindDelete {
			if err := e.store.DeleteCache(op.Collection, op.TargetID); err != nil {
				slog.Warn("delete cache after discard", "op", op.ID, "err", err)
			}
		}
	case resolver.RequireUserDecision:
		if err := e.queue.MarkConflicted(op.ID, res.Diff); err != nil {
			slog.Error("mark conflicted", "op", op.ID, "err", err)
		}
	}
}

func isConflict(err error) bool {
	var ce *remote.ConflictError
	return errors.As(err, &ce)
}

// isRetryable treats transport failures and attempt timeouts as
// retryable. A timed-out call may have succeeded server-side; the
// idempotency key makes the retry safe.
func isRetryable(err error) bool {
	if remote.Retryable(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// Resolution is the user's decision for one conflicted operation.
type Resolution string

const (
	ResolveAcceptLocal  Resolution = "accept-local"
	ResolveAcceptRemote Resolution = "accept-remote"
	ResolveCancel       Resolution = "cancel"
)

// ResolveConflict applies an explicit user decision to a conflicted
// operation. accept-local re-dispatches the local payload against the
// remote version; accept-remote adopts the server state and drops the
// operation; cancel drops the operation and restores the base snapshot.
func (e *Engine) ResolveConflict(ctx context.Context, id string, decision Resolution) error {
	op, err := e.queue.Get(id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusConflicted {
		return fmt.Errorf("resolve %s: status %s is not conflicted", id, op.Status)
	}

	var diff models.ConflictDiff
	if len(op.ConflictDiff) > 0 {
		if err := json.Unmarshal(op.ConflictDiff, &diff); err != nil {
			return fmt.Errorf("resolve %s: decode diff: %w", id, err)
		}
	}

	switch decision {
	case ResolveAcceptLocal:
		if err := e.queue.Redispatch(id, op.Payload, diff.RemoteVersion, diff.RemoteData); err != nil {
			return err
		}
		return e.SyncNow(ctx)
	case ResolveAcceptRemote:
		if err := e.queue.Remove(id); err != nil {
			return err
		}
		if diff.RemoteDeleted || len(diff.RemoteData) == 0 {
			return e.store.DeleteCache(op.Collection, op.TargetID)
		}
		return e.store.PutCache(&models.CacheEntry{
			Collection:  op.Collection,
			Key:         op.TargetID,
			Data:        diff.RemoteData,
			Version:     diff.RemoteVersion,
			FetchedAt:   e.clock.Now(),
			Provisional: false,
		})
	case ResolveCancel:
		return e.queue.Discard(id)
	default:
		return fmt.Errorf("resolve %s: unknown decision %q", id, decision)
	}
}

// RetryOperation re-arms an abandoned or conflicted operation and kicks
// off a sync pass.
func (e *Engine) RetryOperation(ctx context.Context, id string) error {
	if err := e.queue.Retry(id); err != nil {
		return err
	}
	return e.SyncNow(ctx)
}

// ClearQueue empties the operation log, reverting optimistic patches.
func (e *Engine) ClearQueue() error {
	return e.queue.Clear()
}
