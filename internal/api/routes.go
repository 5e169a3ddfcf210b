package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/config"
	"github.com/openai118/flowslide-core/internal/control"
	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
)

// Handler is the thin HTTP facade over the control service. It does no
// work of its own: routes map one-to-one onto control operations.
type Handler struct {
	svc       *control.Service
	authToken string
	// onRestart fires after a successful restore; the server maps it to
	// the restart-requested exit path.
	onRestart func()
}

func NewHandler(svc *control.Service, authToken string, onRestart func()) *Handler {
	if onRestart == nil {
		onRestart = func() {}
	}
	return &Handler{svc: svc, authToken: authToken, onRestart: onRestart}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Route("/deployment", func(r chi.Router) {
			r.Get("/mode", h.GetMode)
			r.Post("/switch", h.SwitchMode)
			r.Post("/validate", h.Validate)
			r.Get("/history", h.GetHistory)
		})

		r.Route("/database/sync", func(r chi.Router) {
			r.Get("/status", h.GetStatus)
			r.Post("/trigger", h.TriggerSync)
		})

		r.Route("/backup", func(r chi.Router) {
			r.Get("/", h.ListBackups)
			r.Post("/", h.CreateBackup)
			r.Post("/restore", h.Restore)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetMode())
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetStatus())
}

type switchRequest struct {
	TargetMode string        `json:"target_mode"`
	Config     configPayload `json:"config"`
	Reason     string        `json:"reason"`
	Actor      string        `json:"actor"`
}

// configPayload carries the connection settings a switch or validation
// may override; absent fields keep their current values.
type configPayload struct {
	DatabaseURL       *string `json:"database_url"`
	R2AccessKeyID     *string `json:"r2_access_key_id"`
	R2SecretAccessKey *string `json:"r2_secret_access_key"`
	R2Endpoint        *string `json:"r2_endpoint"`
	R2BucketName      *string `json:"r2_bucket_name"`
}

func (p configPayload) overlay(base config.Config) *config.Config {
	cfg := base
	if p.DatabaseURL != nil {
		cfg.DatabaseURL = *p.DatabaseURL
	}
	if p.R2AccessKeyID != nil {
		cfg.R2AccessKeyID = *p.R2AccessKeyID
	}
	if p.R2SecretAccessKey != nil {
		cfg.R2SecretAccessKey = *p.R2SecretAccessKey
	}
	if p.R2Endpoint != nil {
		cfg.R2Endpoint = *p.R2Endpoint
	}
	if p.R2BucketName != nil {
		cfg.R2BucketName = *p.R2BucketName
	}
	return &cfg
}

func (h *Handler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := record.ParseMode(req.TargetMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := req.Config.overlay(*h.svc.GetConfig())
	tr, err := h.svc.SwitchMode(r.Context(), target, cfg, req.Reason, req.Actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := record.ParseMode(req.TargetMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := req.Config.overlay(*h.svc.GetConfig())
	writeJSON(w, http.StatusOK, h.svc.Validate(r.Context(), target, cfg))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.svc.GetHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type triggerRequest struct {
	Type string `json:"type"`
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.svc.TriggerSync(req.Type); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.svc.ListBackups(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	man, err := h.svc.CreateBackup(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, man)
}

type restoreRequest struct {
	BackupID string `json:"backup_id"`
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := h.svc.Restore(r.Context(), req.BackupID)
	if errors.Is(err, record.ErrRestartRequired) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "restored", "restart_required": true})
		h.onRestart()
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func statusFor(err error) int {
	var invalid *record.InvalidConfigError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrTransitionBusy),
		errors.Is(err, record.ErrUsernameConflict):
		return http.StatusConflict
	case errors.Is(err, record.ErrPeerUnreachable),
		errors.Is(err, record.ErrUniquenessUnverifiable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	var invalid *record.InvalidConfigError
	if errors.As(err, &invalid) {
		writeJSON(w, status, map[string]any{"error": "invalid config", "missing_fields": invalid.Missing})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// RequestLogger logs each request through the process logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
		)
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
