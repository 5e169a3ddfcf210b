package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/policy"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
)

// CursorStore persists per-(type, direction) watermarks. The local store
// implements it; tests substitute a memory version.
type CursorStore interface {
	GetCursor(ctx context.Context, dataType, direction string) (store.SyncCursor, error)
	SaveCursor(ctx context.Context, cur store.SyncCursor) error
	ResetCursors(ctx context.Context, dataTypes ...string) error
}

// TypeStatus is the per-data-type view the control API serves.
type TypeStatus struct {
	Enabled    bool                    `json:"enabled"`
	Strategy   policy.Strategy         `json:"strategy"`
	LastRun    int64                   `json:"last_run"`
	LastResult string                  `json:"last_result"`
	CursorAge  int64                   `json:"cursor_age_ms"`
	Degraded   bool                    `json:"degraded"`
	Workers    map[string]WorkerStatus `json:"workers,omitempty"`
}

// Healthy reports whether the type's workers completed their last pass
// without degradation.
func (s TypeStatus) Healthy() bool {
	if !s.Enabled || s.Degraded {
		return false
	}
	for _, w := range s.Workers {
		if w.LastRun == 0 || !strings.HasPrefix(w.LastResult, "ok") {
			return false
		}
	}
	return len(s.Workers) > 0
}

// Engine owns the per-(type, direction) workers. It subscribes to the
// mode channel and rebuilds its worker set whenever the effective policy
// table changes; the transition manager pauses it around a switch.
type Engine struct {
	mu       gosync.Mutex
	local    store.Adapter
	external store.Adapter // nil without a relational peer
	object   store.Adapter // nil without R2
	cursors  CursorStore
	registry *policy.Registry
	sem      *semaphore.Weighted
	hot      *hotSet

	mode     record.Mode
	paused   bool
	workers  map[string]*worker
	statuses map[string]WorkerStatus
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	baseCtx  context.Context
}

// NewEngine wires the engine. maxExternalOps caps concurrent operations
// against the relational peer to protect its connection pool.
func NewEngine(local store.Adapter, external, object store.Adapter, cursors CursorStore, registry *policy.Registry, maxExternalOps int) *Engine {
	if maxExternalOps <= 0 {
		maxExternalOps = len(record.AllTypes())
	}
	return &Engine{
		local:    local,
		external: external,
		object:   object,
		cursors:  cursors,
		registry: registry,
		sem:      semaphore.NewWeighted(int64(maxExternalOps)),
		hot:      newHotSet(),
		mode:     record.ModeLocalOnly,
		workers:  map[string]*worker{},
		statuses: map[string]WorkerStatus{},
	}
}

// Run consumes the mode channel until ctx is done, reconfiguring workers
// on every change. A transition observed on the channel takes effect
// before the next tick is dispatched because the worker set is rebuilt
// synchronously here.
func (e *Engine) Run(ctx context.Context, modes <-chan record.Mode) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			e.stopWorkers()
			return
		case m, ok := <-modes:
			if !ok {
				return
			}
			e.Reconfigure(m)
		}
	}
}

// Reconfigure rebuilds the worker set for mode. While paused, only the
// recorded mode changes; Resume applies it.
func (e *Engine) Reconfigure(m record.Mode) {
	e.mu.Lock()
	e.mode = m
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return
	}
	e.stopWorkers()
	e.startWorkers(m)
}

func (e *Engine) startWorkers(m record.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.baseCtx == nil {
		e.baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.cancel = cancel
	e.statuses = map[string]WorkerStatus{}

	table := e.registry.Effective(m)
	count := 0
	for _, pol := range table {
		if !pol.Enabled || pol.Strategy == policy.LocalOnly {
			continue
		}
		for _, dir := range pol.Directions {
			w := e.buildWorker(pol, dir, m)
			if w == nil {
				continue
			}
			e.workers[w.key()] = w
			e.wg.Add(1)
			go w.run(ctx)
			count++
		}
	}
	logger.Log.Info("Sync workers configured",
		zap.String("mode", string(m)),
		zap.Int("workers", count),
	)
}

// buildWorker resolves the source/destination pair for one direction, or
// nil when the mode lacks the needed peer.
func (e *Engine) buildWorker(pol policy.Policy, dir string, m record.Mode) *worker {
	w := &worker{
		engine:    e,
		pol:       pol,
		direction: dir,
		trigger:   make(chan struct{}, 1),
	}
	switch dir {
	case policy.LocalToExternal:
		w.source = e.local
		if pol.Strategy == policy.BackupOnly || !m.HasExternal() {
			if e.object == nil {
				return nil
			}
			w.dest = e.object
		} else {
			if e.external == nil {
				return nil
			}
			w.dest = e.external
			w.external = true
		}
	case policy.ExternalToLocal:
		if e.external == nil {
			return nil
		}
		w.source = e.external
		w.dest = e.local
		w.external = true
	default:
		return nil
	}
	return w
}

func (e *Engine) stopWorkers() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.workers = map[string]*worker{}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Pause drains all workers within the deadline; the transition fence.
// Writers to the stores continue, only sync ticks stop.
func (e *Engine) Pause(ctx context.Context, deadline time.Duration) error {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = true
	cancel := e.cancel
	e.cancel = nil
	e.workers = map[string]*worker{}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("sync drain exceeded %s", deadline)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume restarts workers under the recorded mode.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	m := e.mode
	e.mu.Unlock()
	e.stopWorkers()
	e.startWorkers(m)
}

// SetStores swaps the peer adapters; the transition manager calls this
// while the engine is paused.
func (e *Engine) SetStores(external, object store.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.external = external
	e.object = object
}

// TriggerSync wakes one type's workers, or all when dataType is empty.
func (e *Engine) TriggerSync(dataType string) error {
	if dataType != "" && !record.IsKnownType(dataType) {
		return fmt.Errorf("unknown data type %q", dataType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.workers {
		if dataType != "" && w.pol.Type != dataType {
			continue
		}
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// MarkHot records a project access for on_demand scoping.
func (e *Engine) MarkHot(projectID string) {
	e.hot.Mark(projectID)
}

// ResetCursors zeroes watermarks so the next pass performs a full scan.
// The transition manager uses it to seed a new peer.
func (e *Engine) ResetCursors(ctx context.Context, dataTypes ...string) error {
	return e.cursors.ResetCursors(ctx, dataTypes...)
}

// CheckUsername verifies that no live external record holds the id,
// treated case-insensitively. An unreachable peer refuses the create
// rather than risking a conflict.
func (e *Engine) CheckUsername(ctx context.Context, id string) error {
	e.mu.Lock()
	external := e.external
	e.mu.Unlock()
	if external == nil {
		return record.ErrUniquenessUnverifiable
	}
	cctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	rec, err := external.Get(cctx, record.TypeUsers, strings.ToLower(id))
	if err != nil {
		return fmt.Errorf("%w: %w", record.ErrUniquenessUnverifiable, err)
	}
	if rec != nil && !rec.Deleted {
		return record.ErrUsernameConflict
	}
	return nil
}

// CreateUser is the collaborator entry point for new users records. With
// an external peer configured the uniqueness check runs synchronously
// before the local insert; LOCAL_ONLY creates locally without it.
func (e *Engine) CreateUser(ctx context.Context, rec record.Record) error {
	rec.Type = record.TypeUsers
	rec.ID = strings.ToLower(rec.ID)
	e.mu.Lock()
	hasExternal := e.external != nil
	e.mu.Unlock()
	if hasExternal {
		if err := e.CheckUsername(ctx, rec.ID); err != nil {
			return err
		}
	}
	return e.local.Put(ctx, rec)
}

func (e *Engine) setStatus(key string, st WorkerStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[key] = st
}

// Status aggregates worker statuses per data type.
func (e *Engine) Status() map[string]TypeStatus {
	e.mu.Lock()
	m := e.mode
	statuses := make(map[string]WorkerStatus, len(e.statuses))
	for k, v := range e.statuses {
		statuses[k] = v
	}
	e.mu.Unlock()

	out := map[string]TypeStatus{}
	for t, pol := range e.registry.Effective(m) {
		ts := TypeStatus{
			Enabled:  pol.Enabled,
			Strategy: pol.Strategy,
			Workers:  map[string]WorkerStatus{},
		}
		for _, ws := range statuses {
			if ws.DataType != t {
				continue
			}
			ts.Workers[ws.Direction] = ws
			if ws.LastRun > ts.LastRun {
				ts.LastRun = ws.LastRun
				ts.LastResult = ws.LastResult
			}
			if ws.CursorAge > ts.CursorAge {
				ts.CursorAge = ws.CursorAge
			}
			if ws.Degraded {
				ts.Degraded = true
			}
		}
		out[t] = ts
	}
	return out
}

// Mode returns the engine's recorded mode.
func (e *Engine) Mode() record.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}
