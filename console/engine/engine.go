package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/itskum47/fleetconsole/console/batch"
	"github.com/itskum47/fleetconsole/console/cache"
	"github.com/itskum47/fleetconsole/console/client"
	"github.com/itskum47/fleetconsole/console/journal"
	"github.com/itskum47/fleetconsole/console/observability"
	"github.com/itskum47/fleetconsole/console/push"
	"github.com/itskum47/fleetconsole/console/reconcile"
	"github.com/itskum47/fleetconsole/console/store"
)

// Backend is the REST surface the engine drives. *client.Client implements it.
type Backend interface {
	ListNodes(ctx context.Context) ([]store.Node, error)
	CreateNode(ctx context.Context, in client.NodeInput) (store.Node, error)
	UpdateNode(ctx context.Context, id int64, in client.NodeInput) (store.Node, error)
	DeleteNode(ctx context.Context, id int64) error
	PingNode(ctx context.Context, id int64) error

	ListGroups(ctx context.Context) ([]store.Group, error)
	CreateGroup(ctx context.Context, in client.GroupInput) (store.Group, error)
	UpdateGroup(ctx context.Context, id int64, in client.GroupInput) (store.Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	AddNodesToGroup(ctx context.Context, groupID int64, nodeIDs []int64) (store.Group, error)
	RemoveNodeFromGroup(ctx context.Context, groupID, nodeID int64) (store.Group, error)

	ListPlaybooks(ctx context.Context) ([]store.Playbook, error)
	PlaybookContent(ctx context.Context, filename string) (string, error)
	UploadPlaybook(ctx context.Context, filename string, content []byte) (string, error)
	CreatePlaybook(ctx context.Context, filename string) (string, error)
	SavePlaybook(ctx context.Context, filename, content string) error
	DeletePlaybook(ctx context.Context, filename string) error

	ListExecutions(ctx context.Context) ([]store.Execution, error)
	GetExecution(ctx context.Context, id int64) (store.Execution, error)
	SubmitExecution(ctx context.Context, req client.ExecutionRequest) (store.Execution, error)
	CancelExecution(ctx context.Context, id int64) (store.Execution, error)

	ListImports(ctx context.Context) ([]store.Import, error)
	UploadImport(ctx context.Context, filename string, content []byte) (client.ImportResult, error)
	PasteImport(ctx context.Context, content, format string) (client.ImportResult, error)
	ExecuteImport(ctx context.Context, id int64) (client.ExecuteResult, error)
	RollbackImport(ctx context.Context, id int64) error
}

// Connectivity is the push channel state as last signalled, plus the
// session state. A REST 401 expires the session without touching the
// channel state; the next successful handshake clears it.
type Connectivity struct {
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`

	SessionExpired   bool       `json:"session_expired"`
	SessionExpiredAt *time.Time `json:"session_expired_at,omitempty"`
}

type hintKey struct {
	kind store.Kind
	key  string
}

// Engine is the single entry point of the view layer: queries read the
// store, commands go through lifecycle checks and the REST backend, and
// every result is merged by the reconciler.
type Engine struct {
	backend Backend
	store   *store.Store
	rec     *reconcile.Reconciler
	batch   *batch.Executor
	journal *journal.Recorder
	cache   cache.SnapshotCache

	tickInterval    time.Duration
	refreshInterval time.Duration

	refreshes singleflight.Group
	resyncCh  chan string

	mu     sync.RWMutex
	hints  map[hintKey]string
	active map[store.Kind]bool
	conn   Connectivity

	hintMu        sync.Mutex
	hintListeners map[int]func(store.Change)
	nextListener  int
}

type Option func(*Engine)

func WithBatchExecutor(x *batch.Executor) Option {
	return func(e *Engine) { e.batch = x }
}

// WithJournal records lifecycle transitions and batch outcomes.
func WithJournal(r *journal.Recorder) Option {
	return func(e *Engine) { e.journal = r }
}

// WithCache saves every refreshed snapshot and enables Warm.
func WithCache(c cache.SnapshotCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithIntervals(tick, refresh time.Duration) Option {
	return func(e *Engine) {
		e.tickInterval = tick
		e.refreshInterval = refresh
	}
}

func New(b Backend, opts ...Option) *Engine {
	s := store.New()
	e := &Engine{
		backend:         b,
		store:           s,
		rec:             reconcile.New(s),
		tickInterval:    2 * time.Second,
		refreshInterval: 30 * time.Second,
		resyncCh:        make(chan string, 1),
		hints:           make(map[hintKey]string),
		active:          make(map[store.Kind]bool),
		conn:            Connectivity{State: string(push.Disconnected), Since: time.Now()},
		hintListeners:   make(map[int]func(store.Change)),
	}
	for _, k := range store.Kinds {
		e.active[k] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.batch == nil {
		e.batch = batch.NewExecutor(nil)
	}
	return e
}

// Store exposes read access; read through store.Get and store.List.
func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Reconciler() *reconcile.Reconciler { return e.rec }

// Subscribe registers fn for store changes and display hint changes.
func (e *Engine) Subscribe(fn func(store.Change)) (unsubscribe func()) {
	unsubStore := e.store.Subscribe(fn)

	e.hintMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.hintListeners[id] = fn
	e.hintMu.Unlock()

	return func() {
		unsubStore()
		e.hintMu.Lock()
		delete(e.hintListeners, id)
		e.hintMu.Unlock()
	}
}

// Hint returns the local display hint of an entity, "" when none.
func (e *Engine) Hint(kind store.Kind, key string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hints[hintKey{kind, key}]
}

// Hints returns every hint of a kind keyed by entity key.
func (e *Engine) Hints(kind store.Kind) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range e.hints {
		if k.kind == kind {
			out[k.key] = v
		}
	}
	return out
}

func (e *Engine) setHint(kind store.Kind, key, hint string) {
	e.mu.Lock()
	hk := hintKey{kind, key}
	prev := e.hints[hk]
	if hint == "" {
		delete(e.hints, hk)
	} else {
		e.hints[hk] = hint
	}
	e.mu.Unlock()

	if prev == hint {
		return
	}
	e.hintMu.Lock()
	fns := make([]func(store.Change), 0, len(e.hintListeners))
	for _, fn := range e.hintListeners {
		fns = append(fns, fn)
	}
	e.hintMu.Unlock()
	for _, fn := range fns {
		fn(store.Change{Kind: kind, Key: key, Op: store.OpHint})
	}
}

func (e *Engine) Connectivity() Connectivity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn
}

// SetActiveKinds limits resyncs to the kinds currently on screen.
// With no kinds, every kind is active.
func (e *Engine) SetActiveKinds(kinds ...store.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[store.Kind]bool)
	if len(kinds) == 0 {
		kinds = store.Kinds
	}
	for _, k := range kinds {
		e.active[k] = true
	}
}

func (e *Engine) activeKinds() []store.Kind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var kinds []store.Kind
	for _, k := range store.Kinds {
		if e.active[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// History returns journaled transitions of one entity (all of kind when key is "").
func (e *Engine) History(ctx context.Context, kind store.Kind, key string) ([]journal.Entry, error) {
	j := e.journal.Journal()
	if j == nil {
		return nil, nil
	}
	return j.History(ctx, kind, key)
}

// Attach subscribes the engine's event handlers and signal handler to bus.
func (e *Engine) Attach(bus *push.Bus) []push.Token {
	return []push.Token{
		bus.Subscribe(push.ExecutionStatus, e.onExecutionStatus),
		bus.Subscribe(push.ExecutionProgress, e.onExecutionProgress),
		bus.Subscribe(push.ExecutionComplete, e.onExecutionComplete),
		bus.Subscribe(push.ExecutionCancelled, e.onExecutionCancelled),
		bus.Subscribe(push.NodePingResult, e.onNodePingResult),
		bus.OnSignal(e.HandleSignal),
	}
}

// HandleSignal records connectivity and schedules a resync when asked.
// It never blocks the supervisor.
func (e *Engine) HandleSignal(s push.Signal) {
	now := time.Now()
	e.mu.Lock()
	switch s.Kind {
	case push.SessionExpired:
		e.conn.SessionExpired = true
		e.conn.SessionExpiredAt = &now
		if s.Err != nil {
			e.conn.LastError = s.Err.Error()
		}
	default:
		state := string(s.Kind)
		if s.Kind == push.Reconnected {
			state = string(push.Connected)
		}
		next := Connectivity{State: state, Since: now, Attempt: s.Attempt}
		if state != string(push.Connected) {
			next.SessionExpired = e.conn.SessionExpired
			next.SessionExpiredAt = e.conn.SessionExpiredAt
		}
		if s.Err != nil {
			next.LastError = s.Err.Error()
		}
		e.conn = next
	}
	e.mu.Unlock()

	if s.Kind == push.SessionExpired {
		log.Printf("[ENGINE] Session expired, push channel stopped")
	}
	if s.Resync {
		e.requestResync(string(s.Kind))
	}
}

func (e *Engine) requestResync(trigger string) {
	select {
	case e.resyncCh <- trigger:
	default:
		// one already queued
	}
}

func (e *Engine) fetch(ctx context.Context, kind store.Kind) ([]store.Record, error) {
	switch kind {
	case store.KindNode:
		items, err := e.backend.ListNodes(ctx)
		return records(items), err
	case store.KindGroup:
		items, err := e.backend.ListGroups(ctx)
		return records(items), err
	case store.KindPlaybook:
		items, err := e.backend.ListPlaybooks(ctx)
		return records(items), err
	case store.KindExecution:
		items, err := e.backend.ListExecutions(ctx)
		return records(items), err
	case store.KindImport:
		items, err := e.backend.ListImports(ctx)
		return records(items), err
	}
	return nil, errors.New("unknown kind " + string(kind))
}

func records[T store.Record](items []T) []store.Record {
	out := make([]store.Record, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// Refresh refetches one kind and installs it as the new baseline.
// Concurrent refreshes of the same kind share one request.
func (e *Engine) Refresh(ctx context.Context, kind store.Kind) error {
	_, err, _ := e.refreshes.Do(string(kind), func() (any, error) {
		recs, err := e.fetch(ctx, kind)
		if err != nil {
			return nil, err
		}
		e.rec.ApplySnapshot(kind, recs)
		e.saveSnapshot(ctx, kind, recs)
		return nil, nil
	})
	if err != nil {
		log.Printf("[ENGINE] Refresh of %s failed: %v", kind, err)
	}
	return err
}

func (e *Engine) saveSnapshot(ctx context.Context, kind store.Kind, recs []store.Record) {
	if e.cache == nil {
		return
	}
	snap := cache.Snapshot{Kind: kind, Generation: time.Now().UnixNano(), Records: recs}
	if err := e.cache.Save(ctx, snap); err != nil && !errors.Is(err, cache.ErrStale) {
		log.Printf("[CACHE] Failed to save %s snapshot: %v", kind, err)
	}
}

// Resync refreshes every active kind concurrently.
func (e *Engine) Resync(ctx context.Context, trigger string) error {
	observability.Resyncs.WithLabelValues(trigger).Inc()
	kinds := e.activeKinds()
	log.Printf("[ENGINE] Resync (%s) of %v", trigger, kinds)

	// One failing kind does not cancel the others.
	var g errgroup.Group
	for _, k := range kinds {
		g.Go(func() error { return e.Refresh(ctx, k) })
	}
	return g.Wait()
}

// Warm loads cached snapshots so the view has data before the first refresh.
func (e *Engine) Warm(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	loaded := 0
	for _, k := range store.Kinds {
		snap, err := e.cache.Load(ctx, k)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		e.rec.ApplySnapshot(k, snap.Records)
		loaded++
	}
	log.Printf("[ENGINE] Warm start loaded %d cached snapshots", loaded)
	return nil
}

// Run drives reconciliation ticks, periodic refreshes and requested
// resyncs until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.NewTicker(e.tickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(e.refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			for _, k := range e.rec.Tick() {
				_ = e.Refresh(ctx, k)
			}
		case <-refresh.C:
			_ = e.Resync(ctx, "periodic")
		case trigger := <-e.resyncCh:
			_ = e.Resync(ctx, trigger)
		}
	}
}
