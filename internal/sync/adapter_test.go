package sync

import (
	"context"
	"sort"
	gosync "sync"

	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
)

// memAdapter is an in-memory store.Adapter for engine tests.
type memAdapter struct {
	mu      gosync.Mutex
	origin  record.Origin
	records map[string]record.Record
	pingErr error
}

func newMemAdapter(origin record.Origin) *memAdapter {
	return &memAdapter{origin: origin, records: map[string]record.Record{}}
}

func (m *memAdapter) key(dataType, id string) string { return dataType + "/" + id }

func (m *memAdapter) Get(ctx context.Context, dataType, id string) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[m.key(dataType, id)]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

func (m *memAdapter) Put(ctx context.Context, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[m.key(rec.Type, rec.ID)]; ok && rec.UpdatedAt < cur.UpdatedAt {
		return record.ErrSuperseded
	}
	m.records[m.key(rec.Type, rec.ID)] = rec
	return nil
}

func (m *memAdapter) ForcePut(ctx context.Context, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.key(rec.Type, rec.ID)] = rec
	return nil
}

func (m *memAdapter) Delete(ctx context.Context, dataType, id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(dataType, id)
	cur, ok := m.records[k]
	if ok && at < cur.UpdatedAt {
		return nil
	}
	cur.Type = dataType
	cur.ID = id
	cur.Deleted = true
	cur.UpdatedAt = at
	cur.Origin = m.origin
	cur.Version++
	m.records[k] = cur
	return nil
}

func (m *memAdapter) ListSince(ctx context.Context, dataType string, cursor int64, limit int) ([]record.Record, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.Record
	for _, r := range m.records {
		if r.Type == dataType && r.UpdatedAt > cursor {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	next := cursor
	for _, r := range out {
		if r.UpdatedAt > next {
			next = r.UpdatedAt
		}
	}
	return out, next, nil
}

func (m *memAdapter) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memAdapter) BeginBatch(ctx context.Context) (store.Batch, error) {
	return memBatch{m}, nil
}

func (m *memAdapter) Close() error { return nil }

func (m *memAdapter) count(dataType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Type == dataType && !r.Deleted {
			n++
		}
	}
	return n
}

type memBatch struct{ a *memAdapter }

func (b memBatch) Put(ctx context.Context, rec record.Record) error { return b.a.Put(ctx, rec) }
func (b memBatch) Delete(ctx context.Context, dataType, id string, at int64) error {
	return b.a.Delete(ctx, dataType, id, at)
}
func (b memBatch) Commit() error   { return nil }
func (b memBatch) Rollback() error { return nil }

// memCursors is an in-memory CursorStore.
type memCursors struct {
	mu      gosync.Mutex
	cursors map[string]store.SyncCursor
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: map[string]store.SyncCursor{}}
}

func (c *memCursors) GetCursor(ctx context.Context, dataType, direction string) (store.SyncCursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[dataType+"|"+direction]
	if !ok {
		return store.SyncCursor{DataType: dataType, Direction: direction}, nil
	}
	return cur, nil
}

func (c *memCursors) SaveCursor(ctx context.Context, cur store.SyncCursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[cur.DataType+"|"+cur.Direction] = cur
	return nil
}

func (c *memCursors) ResetCursors(ctx context.Context, dataTypes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cur := range c.cursors {
		if len(dataTypes) == 0 {
			cur.HighWater = 0
			c.cursors[k] = cur
			continue
		}
		for _, t := range dataTypes {
			if cur.DataType == t {
				cur.HighWater = 0
				c.cursors[k] = cur
			}
		}
	}
	return nil
}
