package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/clock"
	"github.com/openai118/flowslide-core/internal/config"
	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
)

// ConfigUpdate announces one applied configuration record. Auth and
// AI-provider collaborators subscribe instead of being called back into,
// which keeps the config and consumer layers acyclic.
type ConfigUpdate struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// CriticalInterval is the fast-path cadence for configuration sync. It
// applies in every mode with an external peer.
const CriticalInterval = 30 * time.Second

// ConfigService is the specialized fast path for system_configs and
// ai_provider_configs. It runs its own loop with its own backoff so a
// degraded record-sync engine never delays credential propagation. The
// tables are small, so each pass is a full scan with conflict resolution
// rather than a cursored delta.
type ConfigService struct {
	local    store.Adapter
	external store.Adapter
	interval time.Duration
	updates  chan ConfigUpdate

	consecFails int
	backoff     time.Duration
}

func NewConfigService(local, external store.Adapter, interval time.Duration) *ConfigService {
	if interval <= 0 {
		interval = CriticalInterval
	}
	return &ConfigService{
		local:    local,
		external: external,
		interval: interval,
		updates:  make(chan ConfigUpdate, 32),
	}
}

// Updates is the channel collaborators consume applied config changes
// from. A full buffer drops the oldest announcement; consumers re-read
// the store, so announcements are hints, not the data.
func (s *ConfigService) Updates() <-chan ConfigUpdate {
	return s.updates
}

// wellKnownSettings maps env-provided values onto system_configs record
// ids so a fresh replica inherits them through the external store.
func wellKnownSettings(cfg *config.Config) map[string]string {
	m := map[string]string{}
	put := func(id, val string) {
		if val != "" {
			m[id] = val
		}
	}
	put("database_url", cfg.DatabaseURL)
	put("default_admin_username", cfg.AdminUsername)
	put("default_admin_password", cfg.AdminPassword)
	put("r2_access_key_id", cfg.R2AccessKeyID)
	put("r2_secret_access_key", cfg.R2SecretAccessKey)
	put("r2_endpoint", cfg.R2Endpoint)
	put("r2_bucket_name", cfg.R2BucketName)
	put("jwt_secret", cfg.JWTSecret)
	put("ai_provider_keys", cfg.AIProviderKeys)
	put("ai_provider_base_urls", cfg.AIProviderBaseURLs)
	put("captcha_site_key", cfg.CaptchaSiteKey)
	put("captcha_secret_key", cfg.CaptchaSecretKey)
	if cfg.MaxUploadSizeMB > 0 {
		m["max_upload_size_mb"] = strconv.Itoa(cfg.MaxUploadSizeMB)
	}
	m["enable_login_captcha"] = strconv.FormatBool(cfg.LoginCaptcha)
	return m
}

type settingPayload struct {
	Value string `json:"value"`
}

// SeedFromEnv writes environment-provided settings into the local store
// as system_configs records with well-known ids. Existing records win;
// the environment only fills gaps, so values inherited from the external
// peer are not clobbered on restart.
func (s *ConfigService) SeedFromEnv(ctx context.Context, cfg *config.Config) error {
	for id, val := range wellKnownSettings(cfg) {
		existing, err := s.local.Get(ctx, record.TypeSystemConfigs, id)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		payload, err := json.Marshal(settingPayload{Value: val})
		if err != nil {
			return err
		}
		rec := record.Record{
			Type:      record.TypeSystemConfigs,
			ID:        id,
			Payload:   payload,
			UpdatedAt: clock.Now(),
			Origin:    record.OriginLocal,
			Version:   1,
		}
		if err := s.local.Put(ctx, rec); err != nil && !errors.Is(err, record.ErrSuperseded) {
			return err
		}
	}
	return nil
}

// Run mirrors both critical types until ctx is done. On startup with an
// empty local system_configs table the first pass pulls before pushing,
// so a new replica inherits settings instead of overwriting them.
func (s *ConfigService) Run(ctx context.Context) {
	if s.external == nil {
		logger.Log.Info("Config sync disabled: no external peer")
		return
	}

	s.pass(ctx, true)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx, false)
		}
		if s.consecFails > maxConsecFails {
			if s.backoff == 0 {
				s.backoff = backoffBase
			} else if s.backoff < backoffCap {
				s.backoff *= 2
				if s.backoff > backoffCap {
					s.backoff = backoffCap
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff):
			}
		} else {
			s.backoff = 0
		}
	}
}

func (s *ConfigService) pass(ctx context.Context, startup bool) {
	var err error
	for _, t := range []string{record.TypeSystemConfigs, record.TypeAIProviderConfigs} {
		if startup {
			err = errors.Join(err, s.mirror(ctx, t, s.external, s.local))
			err = errors.Join(err, s.mirror(ctx, t, s.local, s.external))
		} else {
			err = errors.Join(err, s.mirror(ctx, t, s.local, s.external))
			err = errors.Join(err, s.mirror(ctx, t, s.external, s.local))
		}
	}
	if err != nil {
		s.consecFails++
		logger.Log.Warn("Config sync pass failed", zap.Error(err))
		return
	}
	s.consecFails = 0
}

// mirror applies every record of one type from source onto dest under
// the standard resolution rules.
func (s *ConfigService) mirror(ctx context.Context, dataType string, source, dest store.Adapter) error {
	var cursor int64
	for {
		cctx, cancel := context.WithTimeout(ctx, applyTimeout)
		recs, next, err := source.ListSince(cctx, dataType, cursor, 20)
		cancel()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			destRec, err := dest.Get(ctx, rec.Type, rec.ID)
			if err != nil {
				return err
			}
			res := resolve(rec, destRec)
			if !res.Apply {
				continue
			}
			if err := dest.Put(ctx, rec); err != nil {
				if errors.Is(err, record.ErrSuperseded) {
					continue
				}
				return err
			}
			select {
			case s.updates <- ConfigUpdate{Type: rec.Type, ID: rec.ID}:
			default:
				// Full buffer: drop the oldest hint, keep the newest.
				select {
				case <-s.updates:
				default:
				}
				s.updates <- ConfigUpdate{Type: rec.Type, ID: rec.ID}
			}
		}
		if next == cursor {
			return nil
		}
		cursor = next
	}
}
