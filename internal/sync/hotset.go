package sync

import (
	"sync"
	"time"

	"github.com/openai118/flowslide-core/internal/clock"
)

// hotSetTTL bounds how long an accessed project stays in the working set.
const hotSetTTL = 24 * time.Hour

// hotSet tracks recently-accessed project ids. Collaborators mark
// accesses; the on_demand worker scopes its batches to live entries.
type hotSet struct {
	mu      sync.Mutex
	entries map[string]int64 // id -> expiry, ms since epoch
}

func newHotSet() *hotSet {
	return &hotSet{entries: map[string]int64{}}
}

func (h *hotSet) Mark(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[id] = clock.Now() + hotSetTTL.Milliseconds()
}

func (h *hotSet) Contains(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	exp, ok := h.entries[id]
	if !ok {
		return false
	}
	if clock.Now() > exp {
		delete(h.entries, id)
		return false
	}
	return true
}

// Empty reports whether no project is hot; the on_demand worker skips
// the whole pass then.
func (h *hotSet) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := clock.Now()
	for id, exp := range h.entries {
		if now <= exp {
			return false
		}
		delete(h.entries, id)
	}
	return true
}
