package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fleetconsole/console/fault"
)

// Conn is one live push channel.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// TokenSource returns the current bearer token; storage is the caller's concern.
type TokenSource func() string

// WSDialer opens the push channel over a WebSocket.
type WSDialer struct {
	url          string
	token        TokenSource
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongWait     time.Duration
}

func NewWSDialer(url string, token TokenSource) *WSDialer {
	return &WSDialer{
		url:   url,
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		pingInterval: 30 * time.Second,
		pongWait:     60 * time.Second,
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.token != nil {
		if tok := d.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &fault.SessionExpiredError{}
		}
		return nil, &fault.TransportError{Op: "dial " + d.url, Err: err}
	}

	// Dead server detection
	ws.SetReadDeadline(time.Now().Add(d.pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(d.pongWait))
		return nil
	})

	c := &wsConn{ws: ws, pongWait: d.pongWait, done: make(chan struct{})}
	go c.pingLoop(d.pingInterval)
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	pongWait  time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	return data, nil
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
