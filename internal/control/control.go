package control

import (
	"context"

	"github.com/openai118/flowslide-core/internal/backup"
	"github.com/openai118/flowslide-core/internal/config"
	"github.com/openai118/flowslide-core/internal/mode"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
	syncengine "github.com/openai118/flowslide-core/internal/sync"
	"github.com/openai118/flowslide-core/internal/transition"
)

// ModeInfo answers get_mode.
type ModeInfo struct {
	Current          record.Mode `json:"current"`
	Detected         record.Mode `json:"detected"`
	SwitchInProgress bool        `json:"switch_in_progress"`
	LastCheck        int64       `json:"last_check"`
}

// ValidationResult answers validate.
type ValidationResult struct {
	OK               bool     `json:"ok"`
	MissingFields    []string `json:"missing_fields,omitempty"`
	UnreachablePeers []string `json:"unreachable_peers,omitempty"`
}

// Service is the inward-facing operations surface. The HTTP facade maps
// routes onto it one-to-one; every operation is safe to repeat.
type Service struct {
	detector    *mode.Detector
	engine      *syncengine.Engine
	backups     *backup.Engine
	transitions *transition.Manager
}

func NewService(detector *mode.Detector, engine *syncengine.Engine, backups *backup.Engine, transitions *transition.Manager) *Service {
	return &Service{
		detector:    detector,
		engine:      engine,
		backups:     backups,
		transitions: transitions,
	}
}

func (s *Service) GetMode() ModeInfo {
	return ModeInfo{
		Current:          s.detector.Current(),
		Detected:         s.detector.Detected(),
		SwitchInProgress: s.transitions.Busy(),
		LastCheck:        s.detector.LastCheck(),
	}
}

func (s *Service) GetStatus() map[string]syncengine.TypeStatus {
	return s.engine.Status()
}

// GetConfig returns the active configuration; switch and validate
// requests overlay their overrides onto it.
func (s *Service) GetConfig() *config.Config {
	return s.transitions.Config()
}

func (s *Service) Validate(ctx context.Context, target record.Mode, cfg *config.Config) ValidationResult {
	missing, unreachable := s.transitions.Validate(ctx, target, cfg)
	return ValidationResult{
		OK:               len(missing) == 0 && len(unreachable) == 0,
		MissingFields:    missing,
		UnreachablePeers: unreachable,
	}
}

// TriggerSync runs all workers, or one type's, out of band.
func (s *Service) TriggerSync(dataType string) error {
	return s.engine.TriggerSync(dataType)
}

func (s *Service) SwitchMode(ctx context.Context, target record.Mode, cfg *config.Config, reason, actor string) (store.TransitionRecord, error) {
	return s.transitions.Transition(ctx, target, cfg, reason, actor)
}

func (s *Service) ListBackups(ctx context.Context) ([]backup.Manifest, error) {
	return s.backups.List(ctx)
}

func (s *Service) CreateBackup(ctx context.Context) (*backup.Manifest, error) {
	return s.backups.CreateSnapshot(ctx)
}

// Restore replaces the local store from a snapshot. A nil-free return is
// record.ErrRestartRequired on success; callers surface the restart.
func (s *Service) Restore(ctx context.Context, backupID string) error {
	return s.backups.Restore(ctx, backupID)
}

func (s *Service) GetHistory(ctx context.Context, limit int) ([]store.TransitionRecord, error) {
	return s.transitions.History(ctx, limit)
}
