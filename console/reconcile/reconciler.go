package reconcile

import (
	"log"
	"sync"

	"github.com/itskum47/fleetconsole/console/lifecycle"
	"github.com/itskum47/fleetconsole/console/observability"
	"github.com/itskum47/fleetconsole/console/store"
)

// Outcome is what the reconciler did with one update.
type Outcome int

const (
	Applied   Outcome = iota
	Duplicate         // sequence at or below the local version
	Buffered          // waiting for a missing predecessor
	Discarded         // target is terminal, or the local record is newer
	Rejected          // the lifecycle refused the transition
	Deferred          // unknown id; a refresh of the kind was requested
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	case Discarded:
		return "discarded"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// ApplyFunc derives the next record from a copy of the current one.
// Returning an error rejects the update; returning nil, nil is a no-op.
type ApplyFunc func(cur store.Record) (store.Record, error)

// Mutation is one sequenced update for a single entity.
type Mutation struct {
	Kind     store.Kind
	Key      string
	Sequence int64 // 0 when the server sent none
	Source   string
	Apply    ApplyFunc
}

const unknownVersion int64 = -1

type entityRef struct {
	kind store.Kind
	key  string
}

type pendingEntry struct {
	m     Mutation
	ticks int
}

// Reconciler merges REST snapshots and push events into the Store.
// Every apply is serialized on one mutex; store listeners fire while it is
// held and must not call back into the Reconciler.
type Reconciler struct {
	mu       sync.Mutex
	store    *store.Store
	versions map[entityRef]int64
	pending  map[entityRef]map[int64]*pendingEntry
	dirty    map[store.Kind]bool

	// provisional marks records last written by ApplyLocal. They never
	// block a snapshot or REST record.
	provisional map[entityRef]bool
}

func New(s *store.Store) *Reconciler {
	return &Reconciler{
		store:    s,
		versions: make(map[entityRef]int64),
		pending:  make(map[entityRef]map[int64]*pendingEntry),
		dirty:    make(map[store.Kind]bool),

		provisional: make(map[entityRef]bool),
	}
}

// Version returns the local version of an entity and whether it is known.
func (r *Reconciler) Version(kind store.Kind, key string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := entityRef{kind, key}
	cur, ok := r.store.GetRecord(kind, key)
	if !ok {
		return 0, false
	}
	v := r.versionOf(ref, cur)
	return v, v != unknownVersion
}

// Provisional reports whether an entity holds an unconfirmed local change.
func (r *Reconciler) Provisional(kind store.Kind, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provisional[entityRef{kind, key}]
}

// Pending returns the number of buffered events for a kind.
func (r *Reconciler) Pending(kind store.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingCount(kind)
}

// Submit routes one push event through sequence tracking.
func (r *Reconciler) Submit(m Mutation) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := entityRef{m.Kind, m.Key}
	cur, ok := r.store.GetRecord(m.Kind, m.Key)
	if !ok {
		r.dirty[m.Kind] = true
		observability.EventsDiscarded.WithLabelValues(string(m.Kind), "unknown_id").Inc()
		log.Printf("[RECONCILER] %s for unknown %s %s, refresh scheduled", m.Source, m.Kind, m.Key)
		return Deferred
	}
	if lifecycle.Terminal(cur) {
		r.dropPending(ref)
		observability.EventsDiscarded.WithLabelValues(string(m.Kind), "terminal").Inc()
		return Discarded
	}

	ver := r.versionOf(ref, cur)

	if m.Sequence == 0 {
		out := r.apply(cur, m)
		if out == Applied && ver != unknownVersion {
			r.versions[ref] = ver + 1
		}
		return out
	}

	if ver != unknownVersion && m.Sequence <= ver {
		observability.EventsDiscarded.WithLabelValues(string(m.Kind), "duplicate").Inc()
		return Duplicate
	}

	if ver != unknownVersion && m.Sequence > ver+1 {
		buf, ok := r.pending[ref]
		if !ok {
			buf = make(map[int64]*pendingEntry)
			r.pending[ref] = buf
		}
		if _, exists := buf[m.Sequence]; !exists {
			buf[m.Sequence] = &pendingEntry{m: m}
		}
		r.observePending(m.Kind)
		return Buffered
	}

	out := r.apply(cur, m)
	r.versions[ref] = m.Sequence
	r.drain(ref)
	return out
}

// apply runs one mutation against cur and stores the result.
// Caller holds r.mu.
func (r *Reconciler) apply(cur store.Record, m Mutation) Outcome {
	next, err := m.Apply(cur)
	if err != nil {
		observability.EventsDiscarded.WithLabelValues(string(m.Kind), "invalid_transition").Inc()
		log.Printf("[RECONCILER] Rejected %s for %s %s: %v", m.Source, m.Kind, m.Key, err)
		return Rejected
	}
	if next == nil {
		return Discarded
	}

	r.store.Put(next)
	delete(r.provisional, entityRef{m.Kind, m.Key})
	observability.EventsApplied.WithLabelValues(string(m.Kind), m.Source).Inc()

	if lifecycle.Terminal(next) {
		r.dropPending(entityRef{m.Kind, m.Key})
	}
	return Applied
}

// drain applies buffered successors that became contiguous.
func (r *Reconciler) drain(ref entityRef) {
	for {
		buf := r.pending[ref]
		if len(buf) == 0 {
			delete(r.pending, ref)
			r.observePending(ref.kind)
			return
		}

		next := r.versions[ref] + 1
		e, ok := buf[next]
		if !ok {
			r.observePending(ref.kind)
			return
		}
		delete(buf, next)

		cur, exists := r.store.GetRecord(ref.kind, ref.key)
		if !exists || lifecycle.Terminal(cur) {
			r.dropPending(ref)
			return
		}
		r.apply(cur, e.m)
		r.versions[ref] = next
	}
}

// ApplySnapshot replaces every record of kind with a fresh REST listing.
// Buffered events of the kind are dropped; the snapshot supersedes them.
func (r *Reconciler) ApplySnapshot(kind store.Kind, records []store.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make(map[string]store.Record)
	for _, rec := range r.store.Records(kind) {
		existing[rec.Key()] = rec
	}

	merged := make([]store.Record, 0, len(records))
	present := make(map[string]bool, len(records))
	kept := 0
	for _, in := range records {
		ref := entityRef{kind, in.Key()}
		present[in.Key()] = true

		if local, ok := existing[in.Key()]; ok {
			if r.keepLocal(ref, local, in) {
				merged = append(merged, local)
				kept++
				continue
			}
			if rt, ok := in.(store.Retainer); ok {
				in = rt.Retain(local)
			}
		}
		merged = append(merged, in)
		r.setBaseline(ref, in)
	}

	for ref := range r.versions {
		if ref.kind == kind && !present[ref.key] {
			delete(r.versions, ref)
		}
	}
	for ref := range r.pending {
		if ref.kind == kind {
			delete(r.pending, ref)
		}
	}
	for ref := range r.provisional {
		if ref.kind == kind {
			delete(r.provisional, ref)
		}
	}
	delete(r.dirty, kind)
	r.observePending(kind)

	r.store.Replace(kind, merged)
	observability.StoreRecords.WithLabelValues(string(kind)).Set(float64(len(merged)))
	if kept > 0 {
		log.Printf("[RECONCILER] Snapshot of %s: kept %d newer local records", kind, kept)
	}
}

// ApplyRecord merges one record returned by a REST command or fetch.
func (r *Reconciler) ApplyRecord(rec store.Record) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyRecord(rec, false)
}

// ApplyCreated stores a record the server just created. Its version starts
// at the record's sequence even when that is zero, so the first events are
// ordered instead of taken as a baseline.
func (r *Reconciler) ApplyCreated(rec store.Record) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyRecord(rec, true)
}

func (r *Reconciler) applyRecord(rec store.Record, created bool) Outcome {
	ref := entityRef{rec.Kind(), rec.Key()}
	if local, ok := r.store.GetRecord(rec.Kind(), rec.Key()); ok {
		if r.keepLocal(ref, local, rec) {
			observability.EventsDiscarded.WithLabelValues(string(rec.Kind()), "stale").Inc()
			return Discarded
		}
		if rt, ok := rec.(store.Retainer); ok {
			rec = rt.Retain(local)
		}
	}

	r.store.Put(rec)
	delete(r.provisional, ref)
	if created {
		r.versions[ref] = rec.Seq()
	} else {
		r.setBaseline(ref, rec)
	}
	observability.EventsApplied.WithLabelValues(string(rec.Kind()), "rest").Inc()

	if lifecycle.Terminal(rec) {
		r.dropPending(ref)
		return Applied
	}
	if v := r.versions[ref]; v != unknownVersion {
		for seq := range r.pending[ref] {
			if seq <= v {
				delete(r.pending[ref], seq)
			}
		}
		r.drain(ref)
	}
	return Applied
}

// ApplyLocal applies a change the server has not confirmed, such as a
// membership patch derived from another command. The record stays
// provisional until a snapshot, REST record or event replaces it, and the
// regression guard never protects it.
func (r *Reconciler) ApplyLocal(kind store.Kind, key string, fn ApplyFunc) (store.Record, error) {
	return r.applyUnsequenced(kind, key, fn, true)
}

// ApplyConfirmed applies a change the server reported without a sequence:
// node ping results (last write wins) and command outcomes the server only
// reports over REST. The local version is left untouched.
func (r *Reconciler) ApplyConfirmed(kind store.Kind, key string, fn ApplyFunc) (store.Record, error) {
	return r.applyUnsequenced(kind, key, fn, false)
}

func (r *Reconciler) applyUnsequenced(kind store.Kind, key string, fn ApplyFunc, provisional bool) (store.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, _ := r.store.GetRecord(kind, key)
	next, err := fn(cur)
	if err != nil || next == nil {
		return cur, err
	}
	r.store.Put(next)

	ref := entityRef{kind, key}
	source := "rest"
	if provisional {
		r.provisional[ref] = true
		source = "local"
	} else {
		delete(r.provisional, ref)
	}
	observability.EventsApplied.WithLabelValues(string(kind), source).Inc()
	return next, nil
}

// Remove deletes an entity together with its sequence state.
func (r *Reconciler) Remove(kind store.Kind, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := entityRef{kind, key}
	delete(r.versions, ref)
	delete(r.provisional, ref)
	r.dropPending(ref)
	return r.store.Remove(kind, key)
}

// RequestRefresh marks a kind for refetch on the next tick.
func (r *Reconciler) RequestRefresh(kind store.Kind) {
	r.mu.Lock()
	r.dirty[kind] = true
	r.mu.Unlock()
}

// Tick ages buffered events and returns the kinds that need a refresh:
// kinds marked dirty and kinds holding a gap that outlived a full tick.
func (r *Reconciler) Tick() []store.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	need := make(map[store.Kind]bool)
	for k := range r.dirty {
		need[k] = true
	}
	for ref, buf := range r.pending {
		for _, e := range buf {
			e.ticks++
			if e.ticks >= 2 && !need[ref.kind] {
				need[ref.kind] = true
				observability.GapRefreshes.WithLabelValues(string(ref.kind)).Inc()
				log.Printf("[RECONCILER] Gap on %s %s outlived a tick, refreshing %s", ref.kind, ref.key, ref.kind)
			}
		}
	}
	r.dirty = make(map[store.Kind]bool)

	var kinds []store.Kind
	for _, k := range store.Kinds {
		if need[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r *Reconciler) keepLocal(ref entityRef, local, incoming store.Record) bool {
	if r.provisional[ref] {
		return false
	}
	if incoming.Seq() > 0 {
		if v := r.versionOf(ref, local); v != unknownVersion && v > incoming.Seq() {
			return true
		}
	}
	return lifecycle.Regresses(local, incoming)
}

func (r *Reconciler) setBaseline(ref entityRef, rec store.Record) {
	if rec.Seq() > 0 {
		r.versions[ref] = rec.Seq()
		return
	}
	r.versions[ref] = unknownVersion
}

func (r *Reconciler) versionOf(ref entityRef, cur store.Record) int64 {
	if v, ok := r.versions[ref]; ok {
		return v
	}
	if cur != nil && cur.Seq() > 0 {
		return cur.Seq()
	}
	return unknownVersion
}

func (r *Reconciler) dropPending(ref entityRef) {
	if _, ok := r.pending[ref]; ok {
		delete(r.pending, ref)
		r.observePending(ref.kind)
	}
}

func (r *Reconciler) pendingCount(kind store.Kind) int {
	n := 0
	for ref, buf := range r.pending {
		if ref.kind == kind {
			n += len(buf)
		}
	}
	return n
}

func (r *Reconciler) observePending(kind store.Kind) {
	observability.EventsBuffered.WithLabelValues(string(kind)).Set(float64(r.pendingCount(kind)))
}
