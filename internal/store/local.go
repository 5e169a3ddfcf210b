package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
)

// LocalStore is the embedded single-file store. It is the exclusive owner
// of the database file; all writers serialize through it. Besides records
// it holds the sync_cursors and transition_log tables.
type LocalStore struct {
	db   *sql.DB
	path string
}

const localSchema = `
CREATE TABLE IF NOT EXISTS records (
	type       TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    BLOB,
	updated_at INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	origin     TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (type, id)
);
CREATE INDEX IF NOT EXISTS idx_records_feed ON records (type, updated_at);

CREATE TABLE IF NOT EXISTS sync_cursors (
	data_type  TEXT NOT NULL,
	direction  TEXT NOT NULL,
	high_water INTEGER NOT NULL DEFAULT 0,
	in_flight  TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (data_type, direction)
);

CREATE TABLE IF NOT EXISTS transition_log (
	id          TEXT PRIMARY KEY,
	from_mode   TEXT NOT NULL,
	to_mode     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	snapshot_id TEXT NOT NULL DEFAULT ''
);
`

// NewLocalStore opens (creating if needed) the embedded database at path.
func NewLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// The embedded store serializes writers itself; a single connection
	// avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create local schema: %w", err)
	}

	logger.Log.Info("Opened local store", zap.String("path", path))
	return &LocalStore{db: db, path: path}, nil
}

// Path returns the database file location, used by the snapshot engine.
func (s *LocalStore) Path() string {
	return s.path
}

func (s *LocalStore) DB() *sql.DB {
	return s.db
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *LocalStore) Get(ctx context.Context, dataType, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT type, id, payload, updated_at, deleted, origin, version
		FROM records WHERE type = ? AND id = ?`, dataType, id)
	return scanRecord(row)
}

func (s *LocalStore) Put(ctx context.Context, rec record.Record) error {
	return s.put(ctx, s.db, rec, false)
}

func (s *LocalStore) ForcePut(ctx context.Context, rec record.Record) error {
	return s.put(ctx, s.db, rec, true)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// put enforces the staleness contract: a record older than the stored
// copy leaves it intact and returns ErrSuperseded. The check and the
// write share one statement so concurrent applies stay atomic.
func (s *LocalStore) put(ctx context.Context, ex execer, rec record.Record, force bool) error {
	if force {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (type, id) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at,
				deleted = excluded.deleted,
				origin = excluded.origin,
				version = excluded.version`,
			rec.Type, rec.ID, rec.Payload, rec.UpdatedAt, rec.Deleted, string(rec.Origin), rec.Version)
		return err
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			origin = excluded.origin,
			version = excluded.version
		WHERE excluded.updated_at >= records.updated_at`,
		rec.Type, rec.ID, rec.Payload, rec.UpdatedAt, rec.Deleted, string(rec.Origin), rec.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return record.ErrSuperseded
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, dataType, id string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
		VALUES (?, ?, NULL, ?, 1, ?, 1)
		ON CONFLICT (type, id) DO UPDATE SET
			deleted = 1,
			updated_at = excluded.updated_at,
			version = records.version + 1
		WHERE excluded.updated_at >= records.updated_at`,
		dataType, id, at, string(record.OriginLocal))
	return err
}

// ListSince is the change feed: records with updated_at strictly greater
// than cursor, oldest first. Ties on updated_at order by id so repeated
// scans are deterministic.
func (s *LocalStore) ListSince(ctx context.Context, dataType string, cursor int64, limit int) ([]record.Record, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, id, payload, updated_at, deleted, origin, version
		FROM records
		WHERE type = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`, dataType, cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	defer rows.Close()

	var recs []record.Record
	next := cursor
	for rows.Next() {
		var r record.Record
		var origin string
		var deleted int
		var payload []byte
		if err := rows.Scan(&r.Type, &r.ID, &payload, &r.UpdatedAt, &deleted, &origin, &r.Version); err != nil {
			return nil, cursor, err
		}
		r.Payload = payload
		r.Deleted = deleted != 0
		r.Origin = record.Origin(origin)
		recs = append(recs, r)
		if r.UpdatedAt > next {
			next = r.UpdatedAt
		}
	}
	return recs, next, rows.Err()
}

// CountLive reports live (non-tombstone) records of a type.
func (s *LocalStore) CountLive(ctx context.Context, dataType string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE type = ? AND deleted = 0`, dataType).Scan(&n)
	return n, err
}

// PurgeTombstones physically removes tombstones older than the retention
// horizon. olderThan is a cutoff timestamp in ms; the outbound sync worker
// passes now minus twice the type's sync interval.
func (s *LocalStore) PurgeTombstones(ctx context.Context, dataType string, olderThan int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE type = ? AND deleted = 1 AND updated_at < ?`,
		dataType, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LocalStore) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &localBatch{store: s, tx: tx}, nil
}

type localBatch struct {
	store *LocalStore
	tx    *sql.Tx
}

func (b *localBatch) Put(ctx context.Context, rec record.Record) error {
	return b.store.put(ctx, b.tx, rec, false)
}

func (b *localBatch) Delete(ctx context.Context, dataType, id string, at int64) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
		VALUES (?, ?, NULL, ?, 1, ?, 1)
		ON CONFLICT (type, id) DO UPDATE SET
			deleted = 1,
			updated_at = excluded.updated_at,
			version = records.version + 1
		WHERE excluded.updated_at >= records.updated_at`,
		dataType, id, at, string(record.OriginLocal))
	return err
}

func (b *localBatch) Commit() error   { return b.tx.Commit() }
func (b *localBatch) Rollback() error { return b.tx.Rollback() }

func scanRecord(row *sql.Row) (*record.Record, error) {
	var r record.Record
	var origin string
	var deleted int
	var payload []byte
	err := row.Scan(&r.Type, &r.ID, &payload, &r.UpdatedAt, &deleted, &origin, &r.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	r.Deleted = deleted != 0
	r.Origin = record.Origin(origin)
	return &r, nil
}

// --- sync cursors ---

func (s *LocalStore) GetCursor(ctx context.Context, dataType, direction string) (SyncCursor, error) {
	cur := SyncCursor{DataType: dataType, Direction: direction}
	var inFlight string
	err := s.db.QueryRowContext(ctx, `
		SELECT high_water, in_flight, updated_at FROM sync_cursors
		WHERE data_type = ? AND direction = ?`, dataType, direction).
		Scan(&cur.HighWater, &inFlight, &cur.UpdatedAt)
	if err == sql.ErrNoRows {
		return cur, nil
	}
	if err != nil {
		return cur, err
	}
	if inFlight != "" {
		cur.InFlight = strings.Split(inFlight, ",")
	}
	return cur, nil
}

func (s *LocalStore) SaveCursor(ctx context.Context, cur SyncCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (data_type, direction, high_water, in_flight, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (data_type, direction) DO UPDATE SET
			high_water = excluded.high_water,
			in_flight = excluded.in_flight,
			updated_at = excluded.updated_at`,
		cur.DataType, cur.Direction, cur.HighWater,
		strings.Join(cur.InFlight, ","), time.Now().UnixMilli())
	return err
}

// ResetCursors zeroes the watermark so the next run performs a full scan.
// With no arguments every cursor resets.
func (s *LocalStore) ResetCursors(ctx context.Context, dataTypes ...string) error {
	if len(dataTypes) == 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE sync_cursors SET high_water = 0, in_flight = ''`)
		return err
	}
	for _, t := range dataTypes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE sync_cursors SET high_water = 0, in_flight = '' WHERE data_type = ?`, t); err != nil {
			return err
		}
	}
	return nil
}

// --- transition log ---

func (s *LocalStore) AppendTransition(ctx context.Context, tr TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transition_log (id, from_mode, to_mode, started_at, finished_at, status, reason, actor, error, snapshot_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.FromMode, tr.ToMode, tr.StartedAt, tr.FinishedAt,
		tr.Status, tr.Reason, tr.Actor, tr.Error, tr.SnapshotID)
	return err
}

func (s *LocalStore) UpdateTransition(ctx context.Context, tr TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transition_log SET finished_at = ?, status = ?, error = ?, snapshot_id = ?
		WHERE id = ?`,
		tr.FinishedAt, tr.Status, tr.Error, tr.SnapshotID, tr.ID)
	return err
}

func (s *LocalStore) ListTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_mode, to_mode, started_at, finished_at, status, reason, actor, error, snapshot_id
		FROM transition_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var tr TransitionRecord
		if err := rows.Scan(&tr.ID, &tr.FromMode, &tr.ToMode, &tr.StartedAt, &tr.FinishedAt,
			&tr.Status, &tr.Reason, &tr.Actor, &tr.Error, &tr.SnapshotID); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
