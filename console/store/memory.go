package store

import (
	"sort"
	"strconv"
	"sync"
)

type ChangeOp string

const (
	OpUpsert  ChangeOp = "upsert"
	OpRemove  ChangeOp = "remove"
	OpReplace ChangeOp = "replace"
	// OpHint is emitted by owners of display hints, never by the Store.
	OpHint    ChangeOp = "hint"
)

// Change describes one applied write. Key is empty for OpReplace.
type Change struct {
	Kind Kind     `json:"kind"`
	Key  string   `json:"key,omitempty"`
	Op   ChangeOp `json:"op"`
}

// Store holds the normalized in-memory state of every entity kind.
// Readers always get copies; writes are atomic with respect to readers.
type Store struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record

	subMu     sync.Mutex
	listeners map[int]func(Change)
	nextSub   int
}

// New initializes an empty Store.
func New() *Store {
	s := &Store{
		records:   make(map[Kind]map[string]Record),
		listeners: make(map[int]func(Change)),
	}
	for _, k := range Kinds {
		s.records[k] = make(map[string]Record)
	}
	return s
}

// Subscribe registers fn for every change. Callbacks run after the write
// lock is released, on the writer's goroutine.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.listeners, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) bucket(kind Kind) map[string]Record {
	b, ok := s.records[kind]
	if !ok {
		b = make(map[string]Record)
		s.records[kind] = b
	}
	return b
}

// Put upserts rec as a whole.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	s.bucket(rec.Kind())[rec.Key()] = rec.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: rec.Kind(), Key: rec.Key(), Op: OpUpsert})
}

// Update runs a read-modify-write on one record under the write lock.
// fn receives a copy of the current record (or nil) and returns the
// replacement; returning ok=false leaves the store untouched.
func (s *Store) Update(kind Kind, key string, fn func(cur Record) (next Record, ok bool)) (Record, bool) {
	s.mu.Lock()
	var cur Record
	if r, exists := s.bucket(kind)[key]; exists {
		cur = r.Clone()
	}
	next, ok := fn(cur)
	if !ok || next == nil {
		s.mu.Unlock()
		return cur, false
	}
	s.bucket(kind)[key] = next.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: kind, Key: key, Op: OpUpsert})
	return next.Clone(), true
}

// Remove deletes a record and reports whether it existed.
func (s *Store) Remove(kind Kind, key string) bool {
	s.mu.Lock()
	b := s.bucket(kind)
	_, ok := b[key]
	delete(b, key)
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: kind, Key: key, Op: OpRemove})
	}
	return ok
}

// Replace swaps the whole collection of a kind for records.
func (s *Store) Replace(kind Kind, records []Record) {
	b := make(map[string]Record, len(records))
	for _, r := range records {
		b[r.Key()] = r.Clone()
	}

	s.mu.Lock()
	s.records[kind] = b
	s.mu.Unlock()

	s.notify(Change{Kind: kind, Op: OpReplace})
}

// GetRecord returns a copy of one record.
func (s *Store) GetRecord(kind Kind, key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[kind][key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Records returns copies of every record of a kind ordered by key.
func (s *Store) Records(kind Kind) []Record {
	s.mu.RLock()
	b := s.records[kind]
	result := make([]Record, 0, len(b))
	for _, r := range b {
		result = append(result, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return keyLess(result[i].Key(), result[j].Key()) })
	return result
}

// Count returns the number of records of a kind.
func (s *Store) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}

// keyLess orders numeric keys numerically and everything else lexically.
func keyLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func kindOf[T Record]() Kind {
	var zero T
	return zero.Kind()
}

// Get returns a typed copy of one record.
func Get[T Record](s *Store, key string) (T, bool) {
	var zero T
	r, ok := s.GetRecord(kindOf[T](), key)
	if !ok {
		return zero, false
	}
	t, ok := r.(T)
	return t, ok
}

// List returns typed copies of every record of T's kind ordered by key.
func List[T Record](s *Store) []T {
	recs := s.Records(kindOf[T]())
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Upsert merges patch into the record at key, creating it from the kind's
// zero value when absent, and returns the stored result.
func Upsert[T Record](s *Store, key string, patch func(*T)) T {
	kind := kindOf[T]()
	next, _ := s.Update(kind, key, func(cur Record) (Record, bool) {
		if cur == nil {
			cur = blank(kind, key)
		}
		t := cur.(T)
		patch(&t)
		return t, true
	})
	return next.(T)
}
