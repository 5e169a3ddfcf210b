package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
)

// ObjectClient is the slice of the object store the snapshot engine
// needs. The store.ObjectStore satisfies it; tests use a memory fake.
type ObjectClient interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	RemoveObject(ctx context.Context, key string) error
}

// LocalSource is the slice of the local store the engine archives.
type LocalSource interface {
	Path() string
	DB() *sql.DB
}

// CursorResetter invalidates sync watermarks after a restore so the next
// cycle reconciles against peers from scratch.
type CursorResetter interface {
	ResetCursors(ctx context.Context, dataTypes ...string) error
}

// Components records what an archive holds. Whole-store archives carry
// everything.
type Components struct {
	Database    bool `json:"database"`
	ProjectData bool `json:"project_data"`
	Templates   bool `json:"templates"`
	Configs     bool `json:"configs"`
}

// Manifest describes one snapshot. The JSON keys are part of the object
// store layout contract and must not change.
type Manifest struct {
	BackupDate      string     `json:"backup_date"`
	BackupTimestamp string     `json:"backup_timestamp"`
	Mode            string     `json:"mode"`
	Components      Components `json:"components"`
	Bucket          string     `json:"bucket"`
	Prefix          string     `json:"prefix"`
	ContentHash     string     `json:"content_hash"`
	SizeBytes       int64      `json:"size_bytes"`
}

const (
	backupPrefix    = "backups/"
	archiveName     = "archive.tar.gz"
	manifestName    = "manifest.json"
	dbEntryName     = "flowslide.db"
	uploadTimeout   = 5 * time.Minute
	timestampLayout = "20060102_150405"
)

// Engine produces point-in-time archives of the local store on a
// schedule and on demand, and restores them. Snapshot and restore are
// serialized through one mutex; a restore never runs under a snapshot.
type Engine struct {
	mu        gosync.Mutex
	local     LocalSource
	objects   ObjectClient
	cursors   CursorResetter
	bucket    string
	retention time.Duration
	modeFn    func() record.Mode
	cron      *cron.Cron
	entryID   cron.EntryID
}

func NewEngine(local LocalSource, objects ObjectClient, cursors CursorResetter, bucket string, retention time.Duration, modeFn func() record.Mode) *Engine {
	return &Engine{
		local:     local,
		objects:   objects,
		cursors:   cursors,
		bucket:    bucket,
		retention: retention,
		modeFn:    modeFn,
		cron:      cron.New(),
	}
}

// SetObjects swaps the object client after a mode transition rebuilds it.
func (e *Engine) SetObjects(objects ObjectClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects = objects
}

// Schedule starts periodic snapshots per the cron spec.
func (e *Engine) Schedule(spec string) error {
	id, err := e.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if _, err := e.CreateSnapshot(ctx); err != nil {
			logger.Log.Error("Scheduled snapshot failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid backup schedule: %w", err)
	}
	e.entryID = id
	e.cron.Start()
	logger.Log.Info("Backup schedule active", zap.String("spec", spec))
	return nil
}

func (e *Engine) Stop() {
	e.cron.Stop()
}

// CreateSnapshot archives the local store and uploads it with its
// manifest. The copy is taken with VACUUM INTO through the store's own
// connection, which serializes against writers, so no external write
// fence is needed.
func (e *Engine) CreateSnapshot(ctx context.Context) (*Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.objects == nil {
		return nil, fmt.Errorf("%w: no object store configured", record.ErrPeerUnreachable)
	}

	stamp := time.Now().UTC()
	prefix := backupPrefix + stamp.Format(timestampLayout) + "/"

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("flowslide-snap-%d.db", stamp.UnixNano()))
	defer os.Remove(tmp)
	if _, err := e.local.DB().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(tmp, "'", "''"))); err != nil {
		return nil, fmt.Errorf("failed to snapshot local store: %w", err)
	}

	archive, err := buildArchive(tmp, filepath.Join(filepath.Dir(e.local.Path()), "blobs"))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(archive)

	man := &Manifest{
		BackupDate:      stamp.Format(timestampLayout),
		BackupTimestamp: stamp.Format(time.RFC3339),
		Mode:            string(e.modeFn()),
		Components:      Components{Database: true, ProjectData: true, Templates: true, Configs: true},
		Bucket:          e.bucket,
		Prefix:          prefix,
		ContentHash:     hex.EncodeToString(sum[:]),
		SizeBytes:       int64(len(archive)),
	}

	uctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	if err := e.objects.PutObject(uctx, prefix+archiveName, archive); err != nil {
		return nil, fmt.Errorf("failed to upload archive: %w", err)
	}
	manBody, err := json.Marshal(man)
	if err != nil {
		return nil, err
	}
	if err := e.objects.PutObject(uctx, prefix+manifestName, manBody); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}

	logger.Log.Info("Snapshot uploaded",
		zap.String("prefix", prefix),
		zap.Int64("size_bytes", man.SizeBytes),
	)

	if err := e.enforceRetention(ctx); err != nil {
		logger.Log.Warn("Retention sweep failed", zap.Error(err))
	}
	return man, nil
}

// List returns every manifest in the object store, newest first.
func (e *Engine) List(ctx context.Context) ([]Manifest, error) {
	e.mu.Lock()
	objects := e.objects
	e.mu.Unlock()
	if objects == nil {
		return nil, fmt.Errorf("%w: no object store configured", record.ErrPeerUnreachable)
	}
	keys, err := objects.ListKeys(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+manifestName) {
			continue
		}
		body, err := objects.GetObject(ctx, key)
		if err != nil {
			return nil, err
		}
		var man Manifest
		if err := json.Unmarshal(body, &man); err != nil {
			logger.Log.Warn("Skipping unreadable manifest", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupDate > out[j].BackupDate })
	return out, nil
}

// Restore downloads the named snapshot, verifies its content hash, and
// atomically replaces the local database file. On success it invalidates
// sync cursors and returns ErrRestartRequired: the process must restart
// (or the local adapter reopen) before serving reads.
func (e *Engine) Restore(ctx context.Context, backupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.objects == nil {
		return fmt.Errorf("%w: no object store configured", record.ErrPeerUnreachable)
	}

	prefix := backupPrefix + backupID + "/"
	manBody, err := e.objects.GetObject(ctx, prefix+manifestName)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest %s: %w", backupID, err)
	}
	var man Manifest
	if err := json.Unmarshal(manBody, &man); err != nil {
		return fmt.Errorf("failed to parse manifest %s: %w", backupID, err)
	}

	archive, err := e.objects.GetObject(ctx, prefix+archiveName)
	if err != nil {
		return fmt.Errorf("failed to fetch archive %s: %w", backupID, err)
	}
	sum := sha256.Sum256(archive)
	if hex.EncodeToString(sum[:]) != man.ContentHash {
		return fmt.Errorf("%w: backup %s", record.ErrCorruptSnapshot, backupID)
	}

	dbBody, err := extractEntry(archive, dbEntryName)
	if err != nil {
		return err
	}

	// Write beside the target then rename, so the swap is atomic and the
	// live file is untouched on any earlier failure.
	target := e.local.Path()
	tmp := target + ".restore"
	if err := os.WriteFile(tmp, dbBody, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := e.cursors.ResetCursors(ctx); err != nil {
		logger.Log.Warn("Cursor reset after restore failed", zap.Error(err))
	}

	logger.Log.Info("Restore complete", zap.String("backup", backupID))
	return record.ErrRestartRequired
}

func (e *Engine) enforceRetention(ctx context.Context) error {
	if e.retention <= 0 {
		return nil
	}
	horizon := time.Now().UTC().Add(-e.retention)
	keys, err := e.objects.ListKeys(ctx, backupPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, backupPrefix)
		slash := strings.Index(rest, "/")
		if slash < 0 {
			continue
		}
		stamp, err := time.Parse(timestampLayout, rest[:slash])
		if err != nil {
			continue
		}
		if stamp.Before(horizon) {
			if err := e.objects.RemoveObject(ctx, key); err != nil {
				return err
			}
			logger.Log.Info("Expired backup object removed", zap.String("key", key))
		}
	}
	return nil
}

func buildArchive(dbPath, blobDir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if err := addFile(tw, dbPath, dbEntryName); err != nil {
		return nil, err
	}

	// Auxiliary blobs live beside the live database when present.
	if entries, err := os.ReadDir(blobDir); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			if err := addFile(tw, filepath.Join(blobDir, ent.Name()), "blobs/"+ent.Name()); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func extractEntry(archive []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", record.ErrCorruptSnapshot, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", record.ErrCorruptSnapshot, err)
		}
		if hdr.Name == name {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("%w: entry %q missing", record.ErrCorruptSnapshot, name)
}
