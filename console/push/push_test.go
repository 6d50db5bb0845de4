package push

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fleetconsole/console/fault"
)

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames)), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	close(c.frames)
	return c
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// blockingConn delivers nothing until closed.
type blockingConn struct{ fakeConn }

func newBlockingConn() *blockingConn {
	return &blockingConn{fakeConn{frames: make(chan []byte), closed: make(chan struct{})}}
}

type scriptedDialer struct {
	mu    sync.Mutex
	steps []func() (Conn, error)
	calls int
}

func (d *scriptedDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.steps) == 0 {
		return newBlockingConn(), nil
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	return step()
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"execution_complete","data":{"execution_id":7,"status":"completed","output":"ok","errors":"","sequence":4}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Name != ExecutionComplete || ev.ExecutionID != 7 || ev.Status != "completed" || ev.Output != "ok" || ev.Sequence != 4 {
		t.Errorf("unexpected event %+v", ev)
	}

	ev, err = Decode([]byte(`{"event":"execution_complete","data":{"execution_id":8,"status":"failed","error":"ssh timeout"}}`))
	if err != nil || ev.Errors != "ssh timeout" {
		t.Errorf("error field not mapped: %+v %v", ev, err)
	}

	ev, err = Decode([]byte(`{"event":"node_ping_result","data":{"node_id":3,"status":"reachable","success":true}}`))
	if err != nil || ev.NodeID != 3 || ev.Success == nil || !*ev.Success {
		t.Errorf("unexpected ping event %+v %v", ev, err)
	}

	for _, bad := range []string{`nope`, `{"data":{}}`, `{"event":"execution_status","data":{"status":"running"}}`} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []int64
	tok := bus.Subscribe(ExecutionStatus, func(ev Event) { got = append(got, ev.ExecutionID) })
	bus.Subscribe(NodePingResult, func(ev Event) { t.Error("wrong handler invoked") })

	bus.Publish(Event{Name: ExecutionStatus, ExecutionID: 1})
	bus.Unsubscribe(tok)
	bus.Publish(Event{Name: ExecutionStatus, ExecutionID: 2})

	if len(got) != 1 || got[0] != 1 {
		t.Errorf("unexpected deliveries %v", got)
	}
}

func TestSupervisorReconnectKeepsSubscriptions(t *testing.T) {
	bus := NewBus()
	events := make(chan Event, 10)
	bus.Subscribe(ExecutionStatus, func(ev Event) { events <- ev })

	signals := make(chan Signal, 10)
	bus.OnSignal(func(s Signal) { signals <- s })

	dialer := &scriptedDialer{steps: []func() (Conn, error){
		func() (Conn, error) {
			return newFakeConn(`{"event":"execution_status","data":{"execution_id":1,"status":"running"}}`), nil
		},
		func() (Conn, error) { return nil, &fault.TransportError{Op: "dial", Err: errors.New("refused")} },
		func() (Conn, error) {
			return newFakeConn(`{"event":"execution_status","data":{"execution_id":2,"status":"running"}}`), nil
		},
	}}

	sup := NewSupervisor(dialer, bus, WithBackoff(time.Millisecond, 5*time.Millisecond), WithoutJitter())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	wantKinds := []SignalKind{Connected, Disconnected, Reconnected, Disconnected, Reconnected}
	for i, want := range wantKinds {
		select {
		case s := <-signals:
			if s.Kind != want {
				t.Fatalf("signal %d: got %s, want %s", i, s.Kind, want)
			}
			if (want == Connected || want == Reconnected) && !s.Resync {
				t.Errorf("signal %d: %s must request a resync", i, s.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for signal %d (%s)", i, want)
		}
	}

	for _, id := range []int64{1, 2} {
		select {
		case ev := <-events:
			if ev.ExecutionID != id {
				t.Errorf("got event for %d, want %d", ev.ExecutionID, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered after reconnect", id)
		}
	}

	if sup.State() != StateConnected {
		t.Errorf("expected connected state, got %s", sup.State())
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}

func TestSupervisorStopsOnSessionExpiry(t *testing.T) {
	bus := NewBus()
	var got []SignalKind
	bus.OnSignal(func(s Signal) { got = append(got, s.Kind) })

	dialer := &scriptedDialer{steps: []func() (Conn, error){
		func() (Conn, error) { return nil, &fault.SessionExpiredError{} },
	}}
	err := NewSupervisor(dialer, bus).Run(context.Background())
	if !fault.IsSessionExpired(err) {
		t.Fatalf("expected session expiry, got %v", err)
	}
	if len(got) != 1 || got[0] != SessionExpired {
		t.Errorf("unexpected signals %v", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	sup := NewSupervisor(nil, NewBus(), WithBackoff(100*time.Millisecond, time.Second), WithoutJitter())
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := sup.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}

	jittered := NewSupervisor(nil, NewBus(), WithBackoff(time.Second, time.Second))
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter out of bounds: %v", d)
		}
	}
}

func TestWSDialerAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"node_ping_result","data":{"node_id":9,"status":"unreachable","success":false}}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := NewWSDialer(url, func() string { return "secret" }).Dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	ev, err := Decode(frame)
	if err != nil || ev.NodeID != 9 || ev.Status != "unreachable" {
		t.Errorf("unexpected event %+v %v", ev, err)
	}

	_, err = NewWSDialer(url, func() string { return "wrong" }).Dial(context.Background())
	if !fault.IsSessionExpired(err) {
		t.Errorf("expected SessionExpiredError, got %v", err)
	}
}
