package transition

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/backup"
	"github.com/openai118/flowslide-core/internal/clock"
	"github.com/openai118/flowslide-core/internal/config"
	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/mode"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
	syncengine "github.com/openai118/flowslide-core/internal/sync"
)

// Log persists TransitionRecords; the local store implements it.
type Log interface {
	AppendTransition(ctx context.Context, tr store.TransitionRecord) error
	UpdateTransition(ctx context.Context, tr store.TransitionRecord) error
	ListTransitions(ctx context.Context, limit int) ([]store.TransitionRecord, error)
}

// SyncController is the engine surface a transition drives.
type SyncController interface {
	Pause(ctx context.Context, deadline time.Duration) error
	Resume()
	Reconfigure(m record.Mode)
	SetStores(external, object store.Adapter)
	ResetCursors(ctx context.Context, dataTypes ...string) error
	TriggerSync(dataType string) error
	Status() map[string]syncengine.TypeStatus
}

// Snapshotter is the backup engine surface.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context) (*backup.Manifest, error)
	Restore(ctx context.Context, backupID string) error
	SetObjects(objects backup.ObjectClient)
}

// ModePublisher is the detector surface a switch updates.
type ModePublisher interface {
	Pin(m record.Mode)
	SetPeers(external, object mode.Pinger)
	Current() record.Mode
}

// Peers bundles the adapters a configuration yields. Nil members mean
// the config does not select that peer.
type Peers struct {
	External  store.Adapter
	Object    store.Adapter
	ObjClient backup.ObjectClient
}

func (p Peers) Close() {
	if p.External != nil {
		_ = p.External.Close()
	}
	if p.Object != nil {
		_ = p.Object.Close()
	}
}

func (p Peers) ExternalPinger() mode.Pinger {
	if p.External == nil {
		return nil
	}
	return p.External
}

func (p Peers) ObjectPinger() mode.Pinger {
	if p.Object == nil {
		return nil
	}
	return p.Object
}

// PeerFactory builds and probes the adapters a target mode requires.
// It must ping every newly-introduced peer and fail with
// record.ErrPeerUnreachable when one does not answer.
type PeerFactory func(ctx context.Context, cfg *config.Config, target record.Mode) (Peers, error)

const (
	// DrainDeadline bounds the sync fence.
	DrainDeadline = 60 * time.Second
	// VerifyWindow bounds the post-switch health check.
	VerifyWindow = 2 * time.Minute

	verifyPoll = 2 * time.Second
)

// Manager validates, executes, and rolls back deployment mode
// transitions. Only one transition is in flight at a time; concurrent
// requests fail with ErrTransitionBusy.
type Manager struct {
	mu       gosync.Mutex
	inFlight bool

	log      Log
	engine   SyncController
	snap     Snapshotter
	detector ModePublisher
	factory  PeerFactory

	cfg   *config.Config
	peers Peers

	drainDeadline time.Duration
	verifyWindow  time.Duration
}

func NewManager(log Log, engine SyncController, snap Snapshotter, detector ModePublisher, factory PeerFactory, cfg *config.Config, current Peers) *Manager {
	return &Manager{
		log:           log,
		engine:        engine,
		snap:          snap,
		detector:      detector,
		factory:       factory,
		cfg:           cfg,
		peers:         current,
		drainDeadline: DrainDeadline,
		verifyWindow:  VerifyWindow,
	}
}

// Busy reports whether a transition is in flight.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Config returns the active configuration.
func (m *Manager) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// History returns the newest transitions first.
func (m *Manager) History(ctx context.Context, limit int) ([]store.TransitionRecord, error) {
	return m.log.ListTransitions(ctx, limit)
}

// Validate checks a candidate configuration against a target mode
// without switching: missing fields first, then peer reachability.
func (m *Manager) Validate(ctx context.Context, target record.Mode, cfg *config.Config) (missing []string, unreachable []string) {
	missing = cfg.MissingForMode(target.HasExternal(), target.HasObjectStore())
	if len(missing) > 0 {
		return missing, nil
	}
	peers, err := m.factory(ctx, cfg, target)
	if err != nil {
		return nil, []string{err.Error()}
	}
	peers.Close()
	return nil, nil
}

// Transition runs the full switch protocol. The returned record reflects
// the final status; on validation or probe failure no record is written.
func (m *Manager) Transition(ctx context.Context, target record.Mode, newCfg *config.Config, reason, actor string) (store.TransitionRecord, error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return store.TransitionRecord{}, record.ErrTransitionBusy
	}
	m.inFlight = true
	prevCfg := m.cfg
	prevPeers := m.peers
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	from := m.detector.Current()
	logger.Log.Info("Mode transition requested",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
	)

	// Step 1: validate.
	if missing := newCfg.MissingForMode(target.HasExternal(), target.HasObjectStore()); len(missing) > 0 {
		return store.TransitionRecord{}, &record.InvalidConfigError{Missing: missing}
	}

	// Step 2: probe newly-introduced peers by building them.
	newPeers, err := m.factory(ctx, newCfg, target)
	if err != nil {
		return store.TransitionRecord{}, fmt.Errorf("%w: %w", record.ErrPeerUnreachable, err)
	}

	tr := store.TransitionRecord{
		ID:        clock.NewID(),
		FromMode:  string(from),
		ToMode:    string(target),
		StartedAt: clock.Now(),
		Status:    store.TransitionInProgress,
		Reason:    reason,
		Actor:     actor,
	}
	if err := m.log.AppendTransition(ctx, tr); err != nil {
		newPeers.Close()
		return store.TransitionRecord{}, err
	}

	fail := func(stage string, cause error, rolledBack bool) (store.TransitionRecord, error) {
		tr.FinishedAt = clock.Now()
		tr.Status = store.TransitionFailed
		if rolledBack {
			tr.Status = store.TransitionRolledBack
		}
		tr.Error = fmt.Sprintf("%s: %v", stage, cause)
		if err := m.log.UpdateTransition(ctx, tr); err != nil {
			logger.Log.Error("Failed to record transition outcome", zap.Error(err))
		}
		logger.Log.Error("Mode transition failed",
			zap.String("stage", stage),
			zap.Bool("rolled_back", rolledBack),
			zap.Error(cause),
		)
		return tr, cause
	}

	// Step 3: fence — stop ticks and drain workers. Writers continue.
	if err := m.engine.Pause(ctx, m.drainDeadline); err != nil {
		newPeers.Close()
		m.engine.Resume()
		return fail("fence", err, false)
	}

	// Step 4: pre-transition snapshot when an object store is or will be
	// available.
	if prevPeers.ObjClient != nil || newPeers.ObjClient != nil {
		if prevPeers.ObjClient == nil {
			m.snap.SetObjects(newPeers.ObjClient)
		}
		man, err := m.snap.CreateSnapshot(ctx)
		if err != nil {
			m.snap.SetObjects(prevPeers.ObjClient)
			newPeers.Close()
			m.engine.Resume()
			return fail("snapshot", err, false)
		}
		tr.SnapshotID = man.BackupDate
	}

	// Step 5: switch — swap configuration and adapters, publish the mode
	// bypassing detection for one cycle.
	m.mu.Lock()
	m.cfg = newCfg
	m.peers = newPeers
	m.mu.Unlock()
	m.engine.SetStores(newPeers.External, newPeers.Object)
	m.snap.SetObjects(newPeers.ObjClient)
	m.detector.SetPeers(newPeers.ExternalPinger(), newPeers.ObjectPinger())
	m.detector.Pin(target)
	m.engine.Reconfigure(target)

	rollback := func(stage string, cause error) (store.TransitionRecord, error) {
		// The reconcile window may have pulled records from the rejected
		// peer into the local store; put the pre-transition snapshot back
		// before any worker resumes. The archive lives on whichever
		// object client was wired when it was taken.
		if tr.SnapshotID != "" {
			snapClient := prevPeers.ObjClient
			if snapClient == nil {
				snapClient = newPeers.ObjClient
			}
			m.snap.SetObjects(snapClient)
			if err := m.snap.Restore(ctx, tr.SnapshotID); err != nil && !errors.Is(err, record.ErrRestartRequired) {
				logger.Log.Error("Failed to restore pre-transition snapshot",
					zap.String("backup", tr.SnapshotID),
					zap.Error(err),
				)
			}
		}
		m.mu.Lock()
		m.cfg = prevCfg
		m.peers = prevPeers
		m.mu.Unlock()
		m.engine.SetStores(prevPeers.External, prevPeers.Object)
		m.snap.SetObjects(prevPeers.ObjClient)
		m.detector.SetPeers(prevPeers.ExternalPinger(), prevPeers.ObjectPinger())
		m.detector.Pin(from)
		m.engine.Reconfigure(from)
		m.engine.Resume()
		newPeers.Close()
		return fail(stage, cause, true)
	}

	// Step 6: reconcile — reset critical cursors so the first resumed
	// pass seeds the new peer with a full scan.
	if err := m.engine.ResetCursors(ctx, record.CriticalTypes()...); err != nil {
		return rollback("reconcile", err)
	}
	m.engine.Resume()
	if err := m.engine.TriggerSync(""); err != nil {
		return rollback("reconcile", err)
	}

	// Step 7: verify — critical types must report healthy within the
	// window. A target with no peers has no workers to verify.
	if target != record.ModeLocalOnly {
		if err := m.verifyCritical(ctx); err != nil {
			return rollback("verify", err)
		}
	}

	prevPeers.Close()
	tr.FinishedAt = clock.Now()
	tr.Status = store.TransitionSucceeded
	if err := m.log.UpdateTransition(ctx, tr); err != nil {
		logger.Log.Error("Failed to record transition outcome", zap.Error(err))
	}
	logger.Log.Info("Mode transition succeeded",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return tr, nil
}

func (m *Manager) verifyCritical(ctx context.Context) error {
	deadline := time.Now().Add(m.verifyWindow)
	for {
		healthy := true
		status := m.engine.Status()
		for _, t := range record.CriticalTypes() {
			ts, ok := status[t]
			if !ok || !ts.Enabled || !ts.Healthy() {
				healthy = false
				break
			}
		}
		if healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("critical types not healthy within %s", m.verifyWindow)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(verifyPoll):
		}
	}
}
