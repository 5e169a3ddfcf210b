package policy

import (
	"testing"

	"github.com/openai118/flowslide-core/internal/record"
)

func TestDefaultTable(t *testing.T) {
	r := NewRegistry(Overrides{SyncEnabled: true})
	table := r.Effective(record.ModeLocalExternalR2)

	cases := []struct {
		dataType string
		enabled  bool
		interval int
		batch    int
		strategy Strategy
	}{
		{record.TypeUsers, true, 60, 50, FullDuplex},
		{record.TypeSystemConfigs, true, 30, 20, FullDuplex},
		{record.TypeAIProviderConfigs, true, 30, 20, FullDuplex},
		{record.TypeProjects, true, 300, 20, FullDuplex},
		{record.TypeTodoData, true, 300, 30, FullDuplex},
		{record.TypeSlideData, true, 1800, 10, OnDemand},
		{record.TypePPTTemplates, true, 1800, 15, MasterSlave},
		{record.TypeGlobalTemplates, true, 3600, 10, MasterSlave},
		{record.TypeProjectVersions, true, 3600, 5, BackupOnly},
		{record.TypeUserSessions, false, 0, 0, LocalOnly},
	}
	for _, c := range cases {
		p, ok := table[c.dataType]
		if !ok {
			t.Fatalf("%s missing from table", c.dataType)
		}
		if p.Enabled != c.enabled || p.Interval != c.interval || p.BatchSize != c.batch || p.Strategy != c.strategy {
			t.Errorf("%s: got %+v", c.dataType, p)
		}
	}
}

func TestSensitiveFlagsMatchCriticalSet(t *testing.T) {
	r := NewRegistry(Overrides{SyncEnabled: true})
	for dt, p := range r.Effective(record.ModeLocalExternal) {
		if p.Sensitive != record.IsCritical(dt) {
			t.Errorf("%s: sensitive=%v", dt, p.Sensitive)
		}
	}
}

func TestLocalOnlyDisablesEverything(t *testing.T) {
	r := NewRegistry(Overrides{SyncEnabled: true})
	for dt, p := range r.Effective(record.ModeLocalOnly) {
		if p.Enabled {
			t.Errorf("%s must be disabled in LOCAL_ONLY", dt)
		}
	}
}

func TestLocalR2DowngradesToBackupOnly(t *testing.T) {
	r := NewRegistry(Overrides{SyncEnabled: true})
	table := r.Effective(record.ModeLocalR2)
	for dt, p := range table {
		if p.Strategy == LocalOnly {
			continue
		}
		if p.Strategy != BackupOnly {
			t.Errorf("%s: expected backup_only in LOCAL_R2, got %s", dt, p.Strategy)
		}
		if p.HasDirection(ExternalToLocal) {
			t.Errorf("%s: no inbound direction without a relational peer", dt)
		}
	}
}

func TestCriticalTypesKeepFullDuplexWithExternalPeer(t *testing.T) {
	r := NewRegistry(Overrides{
		SyncEnabled: true,
		Interval:    7,
		Directions:  map[string]bool{LocalToExternal: true},
	})
	for _, m := range []record.Mode{record.ModeLocalExternal, record.ModeLocalExternalR2} {
		table := r.Effective(m)
		for _, dt := range record.CriticalTypes() {
			p := table[dt]
			if p.Strategy != FullDuplex || !p.Enabled {
				t.Errorf("%s in %s: got %+v", dt, m, p)
			}
			// Env overrides never reshape the critical set.
			if p.Interval == 7 || !p.HasDirection(ExternalToLocal) {
				t.Errorf("%s in %s: critical policy reshaped by env: %+v", dt, m, p)
			}
		}
	}
}

func TestEnvOverridesApplyToNonCritical(t *testing.T) {
	r := NewRegistry(Overrides{
		SyncEnabled: true,
		Interval:    42,
		Directions:  map[string]bool{LocalToExternal: true},
	})
	p := r.Effective(record.ModeLocalExternal)[record.TypeProjects]
	if p.Interval != 42 {
		t.Fatalf("interval override not applied: %+v", p)
	}
	if p.HasDirection(ExternalToLocal) {
		t.Fatalf("direction restriction not applied: %+v", p)
	}
}

func TestMasterSwitchDisablesSync(t *testing.T) {
	r := NewRegistry(Overrides{SyncEnabled: false})
	for dt, p := range r.Effective(record.ModeLocalExternal) {
		if p.Strategy == LocalOnly {
			continue
		}
		if p.Enabled {
			t.Errorf("%s enabled despite master switch off", dt)
		}
	}
}
