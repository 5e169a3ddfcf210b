package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai118/flowslide-core/internal/backup"
	"github.com/openai118/flowslide-core/internal/config"
	"github.com/openai118/flowslide-core/internal/control"
	"github.com/openai118/flowslide-core/internal/mode"
	"github.com/openai118/flowslide-core/internal/policy"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
	syncengine "github.com/openai118/flowslide-core/internal/sync"
	"github.com/openai118/flowslide-core/internal/transition"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	local, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = local.Close() })

	detector := mode.New(nil, nil, "")
	registry := policy.NewRegistry(policy.Overrides{SyncEnabled: true})
	engine := syncengine.NewEngine(local, nil, nil, local, registry, 4)
	backups := backup.NewEngine(local, nil, local, "", 0, detector.Current)
	factory := func(ctx context.Context, cfg *config.Config, target record.Mode) (transition.Peers, error) {
		return transition.Peers{}, nil
	}
	transitions := transition.NewManager(local, engine, backups, detector, factory, &config.Config{}, transition.Peers{})

	svc := control.NewService(detector, engine, backups, transitions)
	srv := httptest.NewServer(NewHandler(svc, "secret", nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := setupServer(t)
	resp := get(t, srv, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := setupServer(t)
	if resp := get(t, srv, "/api/deployment/mode", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := get(t, srv, "/api/deployment/mode", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
}

func TestGetModeLocalOnly(t *testing.T) {
	srv := setupServer(t)
	resp := get(t, srv, "/api/deployment/mode", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d", resp.StatusCode)
	}
	var info control.ModeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Current != record.ModeLocalOnly || info.SwitchInProgress {
		t.Fatalf("unexpected mode info: %+v", info)
	}
}

func TestStatusListsAllTypes(t *testing.T) {
	srv := setupServer(t)
	resp := get(t, srv, "/api/database/sync/status", "secret")
	var status map[string]syncengine.TypeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	us, ok := status[record.TypeUsers]
	if !ok {
		t.Fatal("users missing from status")
	}
	if us.Enabled {
		t.Fatal("users must be disabled without a peer")
	}
}

func TestValidateReportsMissingFields(t *testing.T) {
	srv := setupServer(t)
	body := `{"target_mode":"LOCAL_EXTERNAL","config":{}}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/deployment/validate", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var result control.ValidationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.OK || len(result.MissingFields) != 1 || result.MissingFields[0] != "DATABASE_URL" {
		t.Fatalf("unexpected validation result: %+v", result)
	}
}

func TestListBackupsWithoutObjectStore(t *testing.T) {
	srv := setupServer(t)
	resp := get(t, srv, "/api/backup/", "secret")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("no object store must map to 502, got %d", resp.StatusCode)
	}
}
