package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
)

type memObjects struct {
	mu      gosync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) PutObject(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memObjects) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key: " + key)
	}
	return append([]byte(nil), body...), nil
}

func (m *memObjects) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memObjects) RemoveObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func setupTestEngine(t *testing.T) (*Engine, *store.LocalStore, *memObjects) {
	t.Helper()
	local, err := store.NewLocalStore(filepath.Join(t.TempDir(), "flowslide.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = local.Close() })

	objects := newMemObjects()
	e := NewEngine(local, objects, local, "test-bucket", 30*24*time.Hour, func() record.Mode {
		return record.ModeLocalExternalR2
	})
	return e, local, objects
}

func putProject(t *testing.T, local *store.LocalStore, id string, at int64) {
	t.Helper()
	err := local.Put(context.Background(), record.Record{
		Type: record.TypeProjects, ID: id, Payload: []byte("{}"),
		UpdatedAt: at, Origin: record.OriginLocal, Version: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateSnapshotWritesArchiveAndManifest(t *testing.T) {
	e, local, objects := setupTestEngine(t)
	putProject(t, local, "p1", 100)

	man, err := e.CreateSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if man.Bucket != "test-bucket" || man.Mode != string(record.ModeLocalExternalR2) {
		t.Fatalf("manifest metadata wrong: %+v", man)
	}
	if !man.Components.Database || !man.Components.Configs {
		t.Fatalf("whole-store archive must cover all components: %+v", man.Components)
	}

	archive, err := objects.GetObject(context.Background(), man.Prefix+"archive.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(archive)
	if hex.EncodeToString(sum[:]) != man.ContentHash {
		t.Fatal("content hash must match the stored archive")
	}
	if int64(len(archive)) != man.SizeBytes {
		t.Fatalf("size mismatch: %d vs %d", len(archive), man.SizeBytes)
	}
}

func TestManifestKeys(t *testing.T) {
	e, _, objects := setupTestEngine(t)
	man, err := e.CreateSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	body, err := objects.GetObject(context.Background(), man.Prefix+"manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"backup_date", "backup_timestamp", "mode", "components", "bucket", "prefix", "content_hash", "size_bytes"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("manifest missing key %q", key)
		}
	}
	var comps map[string]bool
	if err := json.Unmarshal(raw["components"], &comps); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"database", "project_data", "templates", "configs"} {
		if _, ok := comps[key]; !ok {
			t.Errorf("components missing key %q", key)
		}
	}
	if _, err := time.Parse(time.RFC3339, strings.Trim(string(raw["backup_timestamp"]), `"`)); err != nil {
		t.Errorf("backup_timestamp not ISO-8601: %v", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	e, local, _ := setupTestEngine(t)
	putProject(t, local, "p1", 100)
	putProject(t, local, "p2", 200)

	man, err := e.CreateSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Diverge after the snapshot.
	putProject(t, local, "p3", 300)
	if err := local.SaveCursor(context.Background(), store.SyncCursor{
		DataType: record.TypeProjects, Direction: "local_to_external", HighWater: 300,
	}); err != nil {
		t.Fatal(err)
	}

	err = e.Restore(context.Background(), man.BackupDate)
	if !errors.Is(err, record.ErrRestartRequired) {
		t.Fatalf("restore must request a restart, got %v", err)
	}
	if err := local.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := store.NewLocalStore(local.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	n, err := reopened.CountLive(context.Background(), record.TypeProjects)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("restored store must hold the snapshot state, got %d records", n)
	}
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	e, local, objects := setupTestEngine(t)
	putProject(t, local, "p1", 100)

	man, err := e.CreateSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	key := man.Prefix + "archive.tar.gz"
	body, _ := objects.GetObject(context.Background(), key)
	body[len(body)-1] ^= 0xff
	if err := objects.PutObject(context.Background(), key, body); err != nil {
		t.Fatal(err)
	}

	err = e.Restore(context.Background(), man.BackupDate)
	if !errors.Is(err, record.ErrCorruptSnapshot) {
		t.Fatalf("expected CorruptSnapshot, got %v", err)
	}

	// The live store is untouched.
	n, err := local.CountLive(context.Background(), record.TypeProjects)
	if err != nil || n != 1 {
		t.Fatalf("local store must be untouched: n=%d err=%v", n, err)
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	e, _, objects := setupTestEngine(t)

	// An older backup that is still inside the fixture's 30-day retention
	// window, so the sweep in CreateSnapshot keeps it.
	oldDate := time.Now().UTC().Add(-24 * time.Hour).Format(timestampLayout)
	old := Manifest{BackupDate: oldDate, Bucket: "test-bucket", Prefix: backupPrefix + oldDate + "/"}
	body, _ := json.Marshal(old)
	if err := objects.PutObject(context.Background(), old.Prefix+"manifest.json", body); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateSnapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	list, err := e.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(list))
	}
	if list[len(list)-1].BackupDate != oldDate {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func TestRetentionSweep(t *testing.T) {
	e, _, objects := setupTestEngine(t)
	expired := "backups/20200101_000000/archive.tar.gz"
	if err := objects.PutObject(context.Background(), expired, []byte("old")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.CreateSnapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := objects.GetObject(context.Background(), expired); err == nil {
		t.Fatal("expired archive must be swept")
	}
	keys, _ := objects.ListKeys(context.Background(), "backups/")
	if len(keys) != 2 {
		t.Fatalf("fresh snapshot must survive retention, got %v", keys)
	}
}
