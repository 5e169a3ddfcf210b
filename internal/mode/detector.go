package mode

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/clock"
	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
)

// Pinger is the slice of a store adapter the detector needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	// DetectInterval is the probe cadence.
	DetectInterval = 30 * time.Second

	// missThreshold is how many consecutive failed probes mark a reachable
	// peer unreachable and flip the mode. One missed ping never changes
	// the mode.
	missThreshold = 2

	pingTimeout = 5 * time.Second
)

// Detector infers the active deployment mode from which peers are
// configured and reachable, and publishes it to subscribers. An override
// mode disables probing entirely; Pin publishes a switched mode for one
// cycle so a transition is not immediately re-detected away.
type Detector struct {
	mu        sync.Mutex
	external  Pinger
	object    Pinger
	override  record.Mode
	current   record.Mode
	detected  record.Mode
	lastCheck int64
	pinned    bool

	externalMisses int
	objectMisses   int
	externalUp     bool
	objectUp       bool

	subs   map[int]chan record.Mode
	nextID int
}

// New builds a detector. Either pinger may be nil when that peer is not
// configured. A non-empty override forces the mode and disables probing.
func New(external, object Pinger, override record.Mode) *Detector {
	d := &Detector{
		external: external,
		object:   object,
		override: override,
		subs:     map[int]chan record.Mode{},
	}
	d.current = record.ModeLocalOnly
	d.detected = record.ModeLocalOnly
	if override != "" {
		d.current = override
		d.detected = override
	}
	return d
}

// Run probes on the detection cadence until ctx is done. The first probe
// happens immediately so startup sees the real topology.
func (d *Detector) Run(ctx context.Context) {
	d.Detect(ctx)
	ticker := time.NewTicker(DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Detect(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Detect runs one probe cycle and publishes the mode if it changed.
func (d *Detector) Detect(ctx context.Context) record.Mode {
	d.mu.Lock()
	if d.override != "" {
		d.lastCheck = clock.Now()
		m := d.current
		d.mu.Unlock()
		return m
	}
	if d.pinned {
		// A transition just published this mode; skip one detection cycle
		// so the heuristics don't fight the switch.
		d.pinned = false
		d.lastCheck = clock.Now()
		m := d.current
		d.mu.Unlock()
		return m
	}
	external := d.external
	object := d.object
	d.mu.Unlock()

	externalOK := probe(ctx, external)
	objectOK := probe(ctx, object)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.externalUp, d.externalMisses = settle(d.externalUp, d.externalMisses, externalOK)
	d.objectUp, d.objectMisses = settle(d.objectUp, d.objectMisses, objectOK)

	d.detected = record.ModeFor(d.externalUp, d.objectUp)
	d.lastCheck = clock.Now()

	if d.detected != d.current {
		logger.Log.Info("Deployment mode changed",
			zap.String("from", string(d.current)),
			zap.String("to", string(d.detected)),
		)
		d.current = d.detected
		d.publishLocked(d.current)
	}
	return d.current
}

// settle applies the two-consecutive-miss hysteresis: a peer that was up
// stays up until it misses twice in a row; a peer comes up on the first
// successful probe.
func settle(up bool, misses int, ok bool) (bool, int) {
	if ok {
		return true, 0
	}
	misses++
	if misses >= missThreshold {
		return false, misses
	}
	return up, misses
}

func probe(ctx context.Context, p Pinger) bool {
	if p == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.Ping(pctx) == nil
}

// Current returns the published mode.
func (d *Detector) Current() record.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Detected returns the last probed mode, which may differ from Current
// while a pin is in effect.
func (d *Detector) Detected() record.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

func (d *Detector) LastCheck() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCheck
}

// Pin publishes mode immediately and bypasses detection for one cycle.
// The transition manager calls it after swapping adapters.
func (d *Detector) Pin(mode record.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned = true
	d.detected = mode
	if mode != d.current {
		d.current = mode
		d.publishLocked(mode)
	}
}

// SetPeers swaps the probed adapters after a transition rebuilds them.
// Reachability state resets so the new peers are trusted immediately.
func (d *Detector) SetPeers(external, object Pinger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.external = external
	d.object = object
	d.externalUp = external != nil
	d.objectUp = object != nil
	d.externalMisses = 0
	d.objectMisses = 0
}

// Subscribe returns a latest-value channel carrying the current mode and
// every subsequent change, plus a cancel func. The channel has capacity
// one; a slow subscriber sees only the newest value.
func (d *Detector) Subscribe() (<-chan record.Mode, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan record.Mode, 1)
	ch <- d.current
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Detector) publishLocked(m record.Mode) {
	for _, ch := range d.subs {
		select {
		case ch <- m:
		default:
			// Drop the stale value and replace it with the newest.
			select {
			case <-ch:
			default:
			}
			ch <- m
		}
	}
}
