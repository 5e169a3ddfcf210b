package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// highWater holds the last value handed out by Now. Now never returns a
// value smaller than a previous one within the same process, even if the
// wall clock steps backward.
var highWater atomic.Int64

// Now returns the current time in milliseconds since the Unix epoch,
// non-decreasing within the process.
func Now() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := highWater.Load()
		if now <= prev {
			return prev
		}
		if highWater.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// NewID returns a random identifier for records that lack a business key.
func NewID() string {
	return uuid.New().String()
}

// Key is the canonical "type/id" form used for logging and dedup sets.
func Key(dataType, id string) string {
	return fmt.Sprintf("%s/%s", dataType, id)
}

// Millis formats a millisecond timestamp as UTC ISO-8601.
func Millis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
