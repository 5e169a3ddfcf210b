package policy

import (
	"sync"
	"time"

	"github.com/openai118/flowslide-core/internal/record"
)

// Direction names one side of the bidirectional pair.
const (
	LocalToExternal = "local_to_external"
	ExternalToLocal = "external_to_local"
)

// Strategy selects how a worker applies changes.
type Strategy string

const (
	FullDuplex  Strategy = "full_duplex"
	MasterSlave Strategy = "master_slave"
	BackupOnly  Strategy = "backup_only"
	OnDemand    Strategy = "on_demand"
	LocalOnly   Strategy = "local_only"
)

// Policy is the per-data-type sync tuple. Immutable at runtime except via
// a mode transition, which swaps the whole effective table.
type Policy struct {
	Type       string   `json:"type"`
	Enabled    bool     `json:"enabled"`
	Directions []string `json:"directions"`
	Interval   int      `json:"interval_seconds"`
	BatchSize  int      `json:"batch_size"`
	Strategy   Strategy `json:"strategy"`
	Sensitive  bool     `json:"sensitive"`
}

func (p Policy) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

func (p Policy) HasDirection(dir string) bool {
	for _, d := range p.Directions {
		if d == dir {
			return true
		}
	}
	return false
}

// defaults is the ground-truth table. Effective() derives the per-mode
// view from it; the table itself never mutates.
func defaults() map[string]Policy {
	both := []string{LocalToExternal, ExternalToLocal}
	outbound := []string{LocalToExternal}
	return map[string]Policy{
		record.TypeUsers:             {Type: record.TypeUsers, Enabled: true, Directions: both, Interval: 60, BatchSize: 50, Strategy: FullDuplex, Sensitive: true},
		record.TypeSystemConfigs:     {Type: record.TypeSystemConfigs, Enabled: true, Directions: both, Interval: 30, BatchSize: 20, Strategy: FullDuplex, Sensitive: true},
		record.TypeAIProviderConfigs: {Type: record.TypeAIProviderConfigs, Enabled: true, Directions: both, Interval: 30, BatchSize: 20, Strategy: FullDuplex, Sensitive: true},
		record.TypeProjects:          {Type: record.TypeProjects, Enabled: true, Directions: both, Interval: 300, BatchSize: 20, Strategy: FullDuplex},
		record.TypeTodoData:          {Type: record.TypeTodoData, Enabled: true, Directions: both, Interval: 300, BatchSize: 30, Strategy: FullDuplex},
		record.TypeSlideData:         {Type: record.TypeSlideData, Enabled: true, Directions: outbound, Interval: 1800, BatchSize: 10, Strategy: OnDemand},
		record.TypePPTTemplates:      {Type: record.TypePPTTemplates, Enabled: true, Directions: both, Interval: 1800, BatchSize: 15, Strategy: MasterSlave},
		record.TypeGlobalTemplates:   {Type: record.TypeGlobalTemplates, Enabled: true, Directions: both, Interval: 3600, BatchSize: 10, Strategy: MasterSlave},
		record.TypeProjectVersions:   {Type: record.TypeProjectVersions, Enabled: true, Directions: outbound, Interval: 3600, BatchSize: 5, Strategy: BackupOnly},
		record.TypeUserSessions:      {Type: record.TypeUserSessions, Enabled: false, Strategy: LocalOnly},
	}
}

// Overrides carries the environment knobs that reshape the table.
type Overrides struct {
	// SyncEnabled is the ENABLE_DATA_SYNC master switch.
	SyncEnabled bool
	// Interval, when positive, replaces the default interval for types
	// that do not set their own (i.e. non-critical types).
	Interval int
	// Directions restricts every policy to the named subset.
	Directions map[string]bool
}

// Registry hands out effective per-mode policy tables. It is guarded by a
// single mutex; adapters are never called while it is held.
type Registry struct {
	mu        sync.Mutex
	overrides Overrides
}

func NewRegistry(ov Overrides) *Registry {
	return &Registry{overrides: ov}
}

// Get returns the effective policy for one type under mode.
func (r *Registry) Get(mode record.Mode, dataType string) (Policy, bool) {
	p, ok := r.Effective(mode)[dataType]
	return p, ok
}

// Effective derives the policy table for a mode:
//   - LOCAL_ONLY: every peer-facing policy is disabled.
//   - LOCAL_R2: there is no relational peer, so every enabled policy
//     becomes backup_only with the object store as sink, critical types
//     included (their configs still round-trip through R2 archives).
//   - Modes with an external peer keep the table, then apply env
//     overrides; the critical set always stays full_duplex.
func (r *Registry) Effective(mode record.Mode) map[string]Policy {
	r.mu.Lock()
	ov := r.overrides
	r.mu.Unlock()

	table := defaults()
	for t, p := range table {
		if p.Strategy == LocalOnly {
			continue
		}
		if !ov.SyncEnabled {
			p.Enabled = false
			table[t] = p
			continue
		}

		switch {
		case mode == record.ModeLocalOnly:
			p.Enabled = false
		case mode == record.ModeLocalR2:
			p.Strategy = BackupOnly
			p.Directions = []string{LocalToExternal}
		}

		// Env overrides never reshape the critical set.
		if ov.Interval > 0 && !record.IsCritical(t) {
			p.Interval = ov.Interval
		}
		if len(ov.Directions) > 0 && !record.IsCritical(t) {
			var kept []string
			for _, d := range p.Directions {
				if ov.Directions[d] {
					kept = append(kept, d)
				}
			}
			p.Directions = kept
			if len(kept) == 0 {
				p.Enabled = false
			}
		}
		table[t] = p
	}
	return table
}

// LongestInterval is the tombstone retention floor for a type: deletions
// must propagate through every active direction before garbage
// collection.
func (r *Registry) LongestInterval(mode record.Mode, dataType string) time.Duration {
	p, ok := r.Get(mode, dataType)
	if !ok || !p.Enabled {
		return 0
	}
	return p.IntervalDuration()
}
