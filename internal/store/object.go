package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/record"
)

// ObjectStoreConfig selects the S3-compatible endpoint and bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// ObjectStore wraps the S3-compatible peer. For record-level sync it keeps
// an append-only log keyed sync/<type>/<yyyymmdd>/<id>/<version>.blob; the
// snapshot engine uses the raw object operations under backups/. Calls go
// through a token bucket so bursts never saturate the endpoint.
type ObjectStore struct {
	cl        *minio.Client
	bucket    string
	limiter   *rate.Limiter
	cipher    *Cipher
	sensitive map[string]bool
}

// NewObjectStore builds the client. The endpoint may carry an http(s)
// scheme; TLS is inferred from it, defaulting to secure.
func NewObjectStore(cfg ObjectStoreConfig, cipher *Cipher, sensitive map[string]bool) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	secure := true
	if strings.HasPrefix(endpoint, "http://") {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	} else {
		endpoint = strings.TrimPrefix(endpoint, "https://")
	}

	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build object store client: %w", err)
	}

	logger.Log.Info("Object store client ready",
		zap.String("endpoint", endpoint),
		zap.String("bucket", cfg.Bucket),
	)
	return &ObjectStore{
		cl:        cl,
		bucket:    cfg.Bucket,
		limiter:   rate.NewLimiter(rate.Limit(20), 20),
		cipher:    cipher,
		sensitive: sensitive,
	}, nil
}

func (s *ObjectStore) Close() error { return nil }

func (s *ObjectStore) Ping(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	ok, err := s.cl.BucketExists(ctx, s.bucket)
	if err != nil {
		return record.Retryable(err)
	}
	if !ok {
		return fmt.Errorf("%w: bucket %q not found", record.ErrPeerUnreachable, s.bucket)
	}
	return nil
}

// blobKey lays out the append-only sync log.
func blobKey(rec record.Record) string {
	day := time.UnixMilli(rec.UpdatedAt).UTC().Format("20060102")
	return fmt.Sprintf("sync/%s/%s/%s/%d.blob", rec.Type, day, rec.ID, rec.Version)
}

// blobEnvelope carries the record alongside its payload so a blob can be
// replayed without consulting any other store.
type blobEnvelope struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Payload   []byte `json:"payload"`
	UpdatedAt int64  `json:"updated_at"`
	Deleted   bool   `json:"deleted"`
	Origin    string `json:"origin"`
	Version   int64  `json:"version"`
}

// Put appends one version to the log. The log never overwrites, so the
// stale-write contract holds trivially: identical inputs land on the same
// key and the write is idempotent.
func (s *ObjectStore) Put(ctx context.Context, rec record.Record) error {
	payload := rec.Payload
	if s.sensitive[rec.Type] && payload != nil {
		sealed, err := s.cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", rec.Key(), err)
		}
		payload = sealed
	}
	env := blobEnvelope{
		Type:      rec.Type,
		ID:        rec.ID,
		Payload:   payload,
		UpdatedAt: rec.UpdatedAt,
		Deleted:   rec.Deleted,
		Origin:    string(rec.Origin),
		Version:   rec.Version,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.PutObject(ctx, blobKey(rec), body)
}

func (s *ObjectStore) ForcePut(ctx context.Context, rec record.Record) error {
	return s.Put(ctx, rec)
}

// Delete appends a tombstone version.
func (s *ObjectStore) Delete(ctx context.Context, dataType, id string, at int64) error {
	return s.Put(ctx, record.Record{
		Type:      dataType,
		ID:        id,
		UpdatedAt: at,
		Deleted:   true,
		Origin:    record.OriginLocal,
		Version:   1,
	})
}

// Get returns the newest logged version of (type, id), or nil when the
// log holds none.
func (s *ObjectStore) Get(ctx context.Context, dataType, id string) (*record.Record, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("sync/%s/", dataType)
	var newest *record.Record
	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, record.Retryable(obj.Err)
		}
		parts := strings.Split(obj.Key, "/")
		if len(parts) != 5 || parts[3] != id {
			continue
		}
		body, err := s.GetObject(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		rec, err := s.decodeBlob(body)
		if err != nil {
			return nil, err
		}
		if newest == nil || rec.UpdatedAt > newest.UpdatedAt ||
			(rec.UpdatedAt == newest.UpdatedAt && rec.Version > newest.Version) {
			newest = rec
		}
	}
	return newest, nil
}

// ListSince scans the append-only log. The object store is a sink for
// backup_only sync; this exists so restore tooling can replay the log.
func (s *ObjectStore) ListSince(ctx context.Context, dataType string, cursor int64, limit int) ([]record.Record, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, cursor, err
	}
	prefix := fmt.Sprintf("sync/%s/", dataType)
	var recs []record.Record
	next := cursor
	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, cursor, record.Retryable(obj.Err)
		}
		body, err := s.GetObject(ctx, obj.Key)
		if err != nil {
			return nil, cursor, err
		}
		rec, err := s.decodeBlob(body)
		if err != nil {
			return nil, cursor, err
		}
		if rec.UpdatedAt <= cursor {
			continue
		}
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].UpdatedAt < recs[j].UpdatedAt || (recs[i].UpdatedAt == recs[j].UpdatedAt && recs[i].ID < recs[j].ID)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	if len(recs) > 0 {
		next = recs[len(recs)-1].UpdatedAt
	}
	return recs, next, nil
}

func (s *ObjectStore) decodeBlob(body []byte) (*record.Record, error) {
	var env blobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	payload := env.Payload
	if s.sensitive[env.Type] && payload != nil {
		plain, err := s.cipher.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s/%s: %w", env.Type, env.ID, err)
		}
		payload = plain
	}
	return &record.Record{
		Type:      env.Type,
		ID:        env.ID,
		Payload:   payload,
		UpdatedAt: env.UpdatedAt,
		Deleted:   env.Deleted,
		Origin:    record.Origin(env.Origin),
		Version:   env.Version,
	}, nil
}

// BeginBatch returns a pass-through batch; object writes have no
// transaction to group under.
func (s *ObjectStore) BeginBatch(ctx context.Context) (Batch, error) {
	return passthroughBatch{s}, nil
}

type passthroughBatch struct {
	a Adapter
}

func (b passthroughBatch) Put(ctx context.Context, rec record.Record) error {
	return b.a.Put(ctx, rec)
}

func (b passthroughBatch) Delete(ctx context.Context, dataType, id string, at int64) error {
	return b.a.Delete(ctx, dataType, id, at)
}

func (b passthroughBatch) Commit() error   { return nil }
func (b passthroughBatch) Rollback() error { return nil }

// --- raw object operations, used by the snapshot engine ---

func (s *ObjectStore) PutObject(ctx context.Context, key string, body []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.cl.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return record.Retryable(err)
	}
	return nil
}

func (s *ObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, record.Retryable(err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, record.Retryable(err)
	}
	return body, nil
}

func (s *ObjectStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var keys []string
	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, record.Retryable(obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *ObjectStore) RemoveObject(ctx context.Context, key string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return record.Retryable(err)
	}
	return nil
}
