package journal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/fleetconsole/console/observability"
)

// Recorder appends entries in the background so callers holding the
// reconciler lock never wait on I/O. When the buffer is full, entries
// are dropped and counted.
type Recorder struct {
	j       Journal
	backend string
	ch      chan Entry
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(j Journal, backend string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{j: j, backend: backend, ch: make(chan Entry, buffer)}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.j.Append(ctx, e); err != nil {
			observability.JournalFailures.WithLabelValues(r.backend).Inc()
			log.Printf("[JOURNAL] Append %s/%s failed: %v", e.Kind, e.Key, err)
		}
		cancel()
	}
}

// Record enqueues e without blocking. Safe on a nil Recorder.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		observability.JournalFailures.WithLabelValues(r.backend).Inc()
	}
}

// Journal returns the underlying journal for reads.
func (r *Recorder) Journal() Journal {
	if r == nil {
		return nil
	}
	return r.j
}

// Close flushes queued entries and closes the journal.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.wg.Wait()
	return r.j.Close()
}
