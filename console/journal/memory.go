package journal

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/fleetconsole/console/store"
)

// MemoryJournal keeps the most recent entries in process.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
}

// NewMemoryJournal keeps at most limit entries (0 means 10000).
func NewMemoryJournal(limit int) *MemoryJournal {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryJournal{entries: make([]Entry, 0), limit: limit}
}

func (j *MemoryJournal) Append(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	j.entries = append(j.entries, e)
	if over := len(j.entries) - j.limit; over > 0 {
		j.entries = append([]Entry(nil), j.entries[over:]...)
	}
	return nil
}

func (j *MemoryJournal) History(_ context.Context, kind store.Kind, key string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var results []Entry
	for _, e := range j.entries {
		if e.Kind == kind && (key == "" || e.Key == key) {
			results = append(results, e)
		}
	}
	return results, nil
}

// All returns a copy of every retained entry.
func (j *MemoryJournal) All() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	c := make([]Entry, len(j.entries))
	copy(c, j.entries)
	return c
}

func (j *MemoryJournal) Close() error { return nil }
