package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
)

// ExternalStore is the relational peer reached over the network. All
// statements are parameterized; transient disconnects surface as
// record.ErrRetryable so workers back off instead of failing hard.
// Payloads of sensitive types are encrypted before leaving the process.
type ExternalStore struct {
	pool      *pgxpool.Pool
	cipher    *Cipher
	sensitive map[string]bool
}

const externalSchema = `
CREATE TABLE IF NOT EXISTS records (
	type       TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    BYTEA,
	updated_at BIGINT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	origin     TEXT NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (type, id)
);
CREATE INDEX IF NOT EXISTS idx_records_feed ON records (type, updated_at);
`

// NewExternalStore connects the pool and ensures the schema. The sensitive
// set names data types whose payloads are encrypted at rest on this peer.
func NewExternalStore(ctx context.Context, dsn string, maxConns int, cipher *Cipher, sensitive map[string]bool) (*ExternalStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to external store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: external store ping: %w", record.ErrPeerUnreachable, err)
	}
	if _, err := pool.Exec(ctx, externalSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create external schema: %w", err)
	}

	logger.Log.Info("Connected to external store",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
	)
	return &ExternalStore{pool: pool, cipher: cipher, sensitive: sensitive}, nil
}

func (s *ExternalStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *ExternalStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return record.Retryable(err)
	}
	return nil
}

func (s *ExternalStore) Get(ctx context.Context, dataType, id string) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT type, id, payload, updated_at, deleted, origin, version
		FROM records WHERE type = $1 AND id = $2`, dataType, id)

	var r record.Record
	var origin string
	err := row.Scan(&r.Type, &r.ID, &r.Payload, &r.UpdatedAt, &r.Deleted, &origin, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	r.Origin = record.Origin(origin)
	if s.sensitive[r.Type] && r.Payload != nil {
		plain, err := s.cipher.Decrypt(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", r.Key(), err)
		}
		r.Payload = plain
	}
	return &r, nil
}

// GetLive returns the record only if it exists and is not a tombstone.
func (s *ExternalStore) GetLive(ctx context.Context, dataType, id string) (*record.Record, error) {
	rec, err := s.Get(ctx, dataType, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

func (s *ExternalStore) Put(ctx context.Context, rec record.Record) error {
	return s.putOn(ctx, s.pool, rec, false)
}

func (s *ExternalStore) ForcePut(ctx context.Context, rec record.Record) error {
	return s.putOn(ctx, s.pool, rec, true)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *ExternalStore) putOn(ctx context.Context, ex pgExecer, rec record.Record, force bool) error {
	payload := rec.Payload
	if s.sensitive[rec.Type] && payload != nil {
		sealed, err := s.cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", rec.Key(), err)
		}
		payload = sealed
	}

	guard := "excluded.updated_at >= records.updated_at"
	if force {
		guard = "TRUE"
	}
	tag, err := ex.Exec(ctx, fmt.Sprintf(`
		INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (type, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			origin = excluded.origin,
			version = excluded.version
		WHERE %s`, guard),
		rec.Type, rec.ID, payload, rec.UpdatedAt, rec.Deleted, string(rec.Origin), rec.Version)
	if err != nil {
		return classify(err)
	}
	if !force && tag.RowsAffected() == 0 {
		return record.ErrSuperseded
	}
	return nil
}

func (s *ExternalStore) Delete(ctx context.Context, dataType, id string, at int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
		VALUES ($1, $2, NULL, $3, TRUE, $4, 1)
		ON CONFLICT (type, id) DO UPDATE SET
			deleted = TRUE,
			updated_at = excluded.updated_at,
			version = records.version + 1
		WHERE excluded.updated_at >= records.updated_at`,
		dataType, id, at, string(record.OriginExternal))
	return classify(err)
}

func (s *ExternalStore) ListSince(ctx context.Context, dataType string, cursor int64, limit int) ([]record.Record, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT type, id, payload, updated_at, deleted, origin, version
		FROM records
		WHERE type = $1 AND updated_at > $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3`, dataType, cursor, limit)
	if err != nil {
		return nil, cursor, classify(err)
	}
	defer rows.Close()

	var recs []record.Record
	next := cursor
	for rows.Next() {
		var r record.Record
		var origin string
		if err := rows.Scan(&r.Type, &r.ID, &r.Payload, &r.UpdatedAt, &r.Deleted, &origin, &r.Version); err != nil {
			return nil, cursor, classify(err)
		}
		r.Origin = record.Origin(origin)
		if s.sensitive[r.Type] && r.Payload != nil {
			plain, err := s.cipher.Decrypt(r.Payload)
			if err != nil {
				return nil, cursor, fmt.Errorf("failed to decrypt %s: %w", r.Key(), err)
			}
			r.Payload = plain
		}
		recs = append(recs, r)
		if r.UpdatedAt > next {
			next = r.UpdatedAt
		}
	}
	return recs, next, classify(rows.Err())
}

func (s *ExternalStore) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &externalBatch{store: s, tx: tx, ctx: ctx}, nil
}

type externalBatch struct {
	store *ExternalStore
	tx    pgx.Tx
	ctx   context.Context
}

func (b *externalBatch) Put(ctx context.Context, rec record.Record) error {
	return b.store.putOn(ctx, b.tx, rec, false)
}

func (b *externalBatch) Delete(ctx context.Context, dataType, id string, at int64) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO records (type, id, payload, updated_at, deleted, origin, version)
		VALUES ($1, $2, NULL, $3, TRUE, $4, 1)
		ON CONFLICT (type, id) DO UPDATE SET
			deleted = TRUE,
			updated_at = excluded.updated_at,
			version = records.version + 1
		WHERE excluded.updated_at >= records.updated_at`,
		dataType, id, at, string(record.OriginExternal))
	return classify(err)
}

func (b *externalBatch) Commit() error   { return classify(b.tx.Commit(b.ctx)) }
func (b *externalBatch) Rollback() error { return b.tx.Rollback(b.ctx) }

// classify tags transient failures as retryable. Connection-level
// failures, timeouts, and the Postgres connection-exception (08xxx),
// insufficient-resources (53xxx) and operator-intervention (57xxx) classes
// come back after a reconnect; everything else is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return record.Retryable(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return record.Retryable(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return record.Retryable(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return record.Retryable(err)
	}
	return err
}
