package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/clock"
	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/policy"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
)

// WorkerState is the lifecycle phase a worker reports on its status.
type WorkerState string

const (
	StateIdle     WorkerState = "idle"
	StateRunning  WorkerState = "running"
	StateDegraded WorkerState = "degraded"
	StateDraining WorkerState = "draining"
	StateStopped  WorkerState = "stopped"
)

// WorkerStatus is one worker's contribution to the aggregated status.
type WorkerStatus struct {
	DataType   string          `json:"data_type"`
	Direction  string          `json:"direction"`
	State      WorkerState     `json:"state"`
	LastRun    int64           `json:"last_run"`
	LastResult string          `json:"last_result"`
	Stats      record.RunStats `json:"stats"`
	CursorAge  int64           `json:"cursor_age_ms"`
	Degraded   bool            `json:"degraded"`
}

const (
	applyTimeout    = 10 * time.Second
	maxConsecFails  = 3
	backoffBase     = 5 * time.Second
	backoffCap      = 5 * time.Minute
	maxPagesPerPass = 100
)

// worker performs incremental reconciliation for one (type, direction)
// pair. It wakes on its interval tick or an explicit trigger, pages
// through the source change feed, and applies each record on the
// destination under the policy's strategy.
type worker struct {
	engine    *Engine
	pol       policy.Policy
	direction string
	source    store.Adapter
	dest      store.Adapter
	// external guards the shared semaphore: only passes touching the
	// relational peer count against its connection pool.
	external bool
	trigger  chan struct{}

	consecFails int
	backoff     time.Duration
}

func (w *worker) key() string {
	return w.pol.Type + "|" + w.direction
}

func (w *worker) run(ctx context.Context) {
	defer w.engine.wg.Done()
	defer w.report(StateStopped, "", record.RunStats{}, 0)

	ticker := time.NewTicker(w.pol.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}

		w.pass(ctx)

		if w.consecFails > maxConsecFails {
			if w.backoff == 0 {
				w.backoff = backoffBase
			} else if w.backoff < backoffCap {
				w.backoff *= 2
				if w.backoff > backoffCap {
					w.backoff = backoffCap
				}
			}
			logger.Log.Warn("Sync worker degraded, backing off",
				zap.String("type", w.pol.Type),
				zap.String("direction", w.direction),
				zap.Duration("backoff", w.backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff):
			}
		} else {
			w.backoff = 0
		}
	}
}

// pass runs one reconciliation cycle: page through the feed from the
// cursor, apply each record, advance the cursor past successes only.
func (w *worker) pass(ctx context.Context) {
	started := clock.Now()
	var stats record.RunStats

	if w.pol.Strategy == policy.OnDemand && w.engine.hot.Empty() {
		w.report(StateIdle, "ok: hot set empty", stats, started)
		return
	}

	if w.external {
		if err := w.engine.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer w.engine.sem.Release(1)
	}

	cur, err := w.engine.cursors.GetCursor(ctx, w.pol.Type, w.direction)
	if err != nil {
		w.finish(cur, stats, started, fmt.Errorf("cursor read: %w", err))
		return
	}
	// on_demand scans from zero each pass so records that turned hot
	// after the last watermark still get pushed.
	watermark := cur.HighWater
	if w.pol.Strategy == policy.OnDemand {
		watermark = 0
	}

	var passErr error
pages:
	for page := 0; page < maxPagesPerPass; page++ {
		recs, _, err := w.listSource(ctx, watermark)
		if err != nil {
			passErr = err
			break
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if rec.UpdatedAt > watermark {
				watermark = rec.UpdatedAt
			}
			if w.pol.Strategy == policy.OnDemand && !w.engine.hot.Contains(rec.ID) {
				continue
			}
			stats.Seen++
			outcome, err := w.apply(ctx, rec)
			switch outcome {
			case record.OutcomeApplied:
				stats.Applied++
			case record.OutcomeConflictResolved:
				stats.Conflicts++
				logger.Log.Debug("Conflict resolved",
					zap.String("record", rec.Key()),
					zap.String("direction", w.direction),
				)
			case record.OutcomeError:
				stats.Errors++
				passErr = err
				// Never advance the cursor over a failed record; it is
				// rescanned next pass.
				watermark = rec.UpdatedAt - 1
				break pages
			}
			if cur.HighWater < watermark && w.pol.Strategy != policy.OnDemand {
				cur.HighWater = watermark
			}
		}
		if w.pol.Strategy != policy.OnDemand {
			if err := w.engine.cursors.SaveCursor(ctx, cur); err != nil {
				passErr = err
				break
			}
		}
	}

	if passErr == nil && w.direction == policy.LocalToExternal {
		w.purgeTombstones(ctx)
	}

	w.finish(cur, stats, started, passErr)
}

// tombstonePurger is implemented by the local store. Tombstones are
// garbage-collected only after twice the sync interval has elapsed, so
// deletions propagate in every active direction first.
type tombstonePurger interface {
	PurgeTombstones(ctx context.Context, dataType string, olderThan int64) (int64, error)
}

func (w *worker) purgeTombstones(ctx context.Context) {
	p, ok := w.source.(tombstonePurger)
	if !ok {
		return
	}
	olderThan := clock.Now() - 2*w.pol.IntervalDuration().Milliseconds()
	n, err := p.PurgeTombstones(ctx, w.pol.Type, olderThan)
	if err != nil {
		logger.Log.Warn("Tombstone purge failed",
			zap.String("type", w.pol.Type),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		logger.Log.Debug("Tombstones purged",
			zap.String("type", w.pol.Type),
			zap.Int64("purged", n),
		)
	}
}

func (w *worker) listSource(ctx context.Context, cursor int64) ([]record.Record, int64, error) {
	cctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	return w.source.ListSince(cctx, w.pol.Type, cursor, w.pol.BatchSize)
}

// apply routes one record through the strategy. Returns the per-record
// outcome; an error accompanies OutcomeError only.
func (w *worker) apply(ctx context.Context, rec record.Record) (record.ApplyOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	switch w.pol.Strategy {
	case policy.MasterSlave:
		// Template distribution: the destination always accepts the
		// source, no conflict check.
		if err := w.dest.ForcePut(cctx, rec); err != nil {
			return record.OutcomeError, err
		}
		return record.OutcomeApplied, nil

	case policy.BackupOnly:
		// Append-only per version on the object store.
		if err := w.dest.Put(cctx, rec); err != nil {
			if errors.Is(err, record.ErrSuperseded) {
				return record.OutcomeSkippedSuperseded, nil
			}
			return record.OutcomeError, err
		}
		return record.OutcomeApplied, nil
	}

	destRec, err := w.dest.Get(cctx, rec.Type, rec.ID)
	if err != nil {
		return record.OutcomeError, err
	}
	res := resolve(rec, destRec)
	if !res.Apply {
		return res.Outcome, nil
	}
	if err := w.dest.Put(cctx, rec); err != nil {
		if errors.Is(err, record.ErrSuperseded) {
			return record.OutcomeSkippedSuperseded, nil
		}
		return record.OutcomeError, err
	}
	return res.Outcome, nil
}

func (w *worker) finish(cur store.SyncCursor, stats record.RunStats, started int64, err error) {
	stats.ElapsedMs = clock.Now() - started
	cursorAge := clock.Now() - cur.HighWater

	if err == nil {
		w.consecFails = 0
		w.report(StateIdle, "ok", stats, started)
		logger.Log.Debug("Sync pass complete",
			zap.String("type", w.pol.Type),
			zap.String("direction", w.direction),
			zap.Int("seen", stats.Seen),
			zap.Int("applied", stats.Applied),
			zap.Int("conflicts", stats.Conflicts),
			zap.Int64("elapsed_ms", stats.ElapsedMs),
		)
		return
	}

	if record.IsRetryable(err) {
		w.consecFails++
	} else {
		w.consecFails = 0
	}
	state := StateIdle
	if w.consecFails > maxConsecFails {
		state = StateDegraded
	}
	w.report(state, "error: "+err.Error(), stats, started)
	logger.Log.Error("Sync pass failed",
		zap.String("type", w.pol.Type),
		zap.String("direction", w.direction),
		zap.Int64("cursor_age_ms", cursorAge),
		zap.Error(err),
	)
}

func (w *worker) report(state WorkerState, result string, stats record.RunStats, started int64) {
	st := WorkerStatus{
		DataType:   w.pol.Type,
		Direction:  w.direction,
		State:      state,
		LastRun:    started,
		LastResult: result,
		Stats:      stats,
		Degraded:   state == StateDegraded,
	}
	w.engine.setStatus(w.key(), st)
}
