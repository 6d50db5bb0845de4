package push

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/observability"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Supervisor keeps the push channel up: it dials, publishes decoded events
// on the bus, and reconnects with exponential backoff. Losing the channel
// never touches entity state; it only emits signals.
type Supervisor struct {
	dialer     Dialer
	bus        *Bus
	minBackoff time.Duration
	maxBackoff time.Duration
	jitter     bool

	mu            sync.RWMutex
	state         State
	everConnected bool
}

type Option func(*Supervisor)

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) Option {
	return func(s *Supervisor) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

// WithoutJitter makes delays deterministic (tests).
func WithoutJitter() Option {
	return func(s *Supervisor) { s.jitter = false }
}

func NewSupervisor(d Dialer, bus *Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer:     d,
		bus:        bus,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		jitter:     true,
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	if st == StateConnected {
		observability.PushConnected.Set(1)
	} else {
		observability.PushConnected.Set(0)
	}
}

// Run blocks until ctx is done or the session expires.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}

		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if fault.IsSessionExpired(err) {
				s.setState(StateDisconnected)
				log.Printf("[SUPERVISOR] Session expired, push channel stopped")
				s.bus.Signal(Signal{Kind: SessionExpired, Err: err})
				return err
			}
			attempt++
			observability.PushReconnects.Inc()
			log.Printf("[SUPERVISOR] Dial failed (attempt %d): %v", attempt, err)
			if !s.wait(ctx, attempt) {
				s.setState(StateDisconnected)
				return ctx.Err()
			}
			continue
		}

		kind := Connected
		s.mu.Lock()
		if s.everConnected {
			kind = Reconnected
		}
		s.everConnected = true
		s.mu.Unlock()

		s.setState(StateConnected)
		log.Printf("[SUPERVISOR] Push channel %s after %d failed attempts", kind, attempt)
		s.bus.Signal(Signal{Kind: kind, Resync: true, Attempt: attempt})
		attempt = 0

		err = s.readLoop(ctx, conn)
		conn.Close()
		s.setState(StateDisconnected)
		s.bus.Signal(Signal{Kind: Disconnected, Err: err})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[SUPERVISOR] Push channel lost: %v", err)
		attempt++
		observability.PushReconnects.Inc()
		if !s.wait(ctx, attempt) {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) readLoop(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[SUPERVISOR] WebSocket error: %v", err)
			}
			return err
		}

		ev, err := Decode(frame)
		if err != nil {
			log.Printf("[SUPERVISOR] Dropping frame: %v", err)
			continue
		}
		observability.PushEvents.WithLabelValues(string(ev.Name)).Inc()
		s.bus.Publish(ev)
	}
}

// Backoff returns the delay before reconnect attempt n (n >= 1).
func (s *Supervisor) Backoff(attempt int) time.Duration {
	d := s.minBackoff
	for i := 1; i < attempt && d < s.maxBackoff; i++ {
		d *= 2
	}
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	if s.jitter && d > 0 {
		// +/-20%
		delta := time.Duration(rand.Int63n(int64(d)/5*2+1)) - d/5
		d += delta
	}
	return d
}

func (s *Supervisor) wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(s.Backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
