package push

import (
	"log"
	"sync"
)

// Handler receives one event. Handlers run on the publisher's goroutine.
type Handler func(Event)

// Token identifies a subscription.
type Token uint64

type SignalKind string

const (
	Connected      SignalKind = "connected"
	Disconnected   SignalKind = "disconnected"
	Reconnected    SignalKind = "reconnected"
	SessionExpired SignalKind = "session_expired"
)

// Signal reports a connectivity change. Resync is set on every
// (re)connect: state may have moved while the channel was down.
type Signal struct {
	Kind    SignalKind
	Resync  bool
	Attempt int
	Err     error
}

// Bus is a typed publish/subscribe hub. Subscriptions belong to the bus,
// not to a connection, so they survive reconnects untouched.
type Bus struct {
	mu       sync.RWMutex
	next     Token
	handlers map[EventName]map[Token]Handler
	signals  map[Token]func(Signal)
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventName]map[Token]Handler),
		signals:  make(map[Token]func(Signal)),
	}
}

func (b *Bus) Subscribe(name EventName, h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	hs, ok := b.handlers[name]
	if !ok {
		hs = make(map[Token]Handler)
		b.handlers[name] = hs
	}
	hs[b.next] = h
	return b.next
}

// OnSignal registers fn for connectivity signals.
func (b *Bus) OnSignal(fn func(Signal)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.signals[b.next] = fn
	return b.next
}

// Unsubscribe removes an event or signal subscription.
func (b *Bus) Unsubscribe(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.signals, t)
	for name, hs := range b.handlers {
		delete(hs, t)
		if len(hs) == 0 {
			delete(b.handlers, name)
		}
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Name]))
	for _, h := range b.handlers[ev.Name] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	if len(hs) == 0 {
		log.Printf("[PUSH] No subscriber for %s", ev.Name)
		return
	}
	for _, h := range hs {
		h(ev)
	}
}

func (b *Bus) Signal(s Signal) {
	b.mu.RLock()
	fns := make([]func(Signal), 0, len(b.signals))
	for _, fn := range b.signals {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
