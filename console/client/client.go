package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/observability"
)

// TokenSource returns the current bearer token.
type TokenSource func() string

// Client talks to the fleet server's REST API.
type Client struct {
	httpClient       *http.Client
	server           string
	token            TokenSource
	onSessionExpired func()
	retries          int
	retryBackoff     time.Duration
	idempotentPOST   bool
	breaker          *Breaker
}

type Option func(*Client)

// WithHTTPClient replaces the default client (20s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithSessionExpiredHook registers the global session-invalidated callback.
func WithSessionExpiredHook(fn func()) Option {
	return func(c *Client) { c.onSessionExpired = fn }
}

// WithRetries sets how often idempotent requests are retried on transport errors.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.retryBackoff = backoff
	}
}

// WithBreaker fails requests fast while the server is unreachable.
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithIdempotentPOST also retries POSTs. Only safe against servers that
// deduplicate on X-Idempotency-Key.
func WithIdempotentPOST(enabled bool) Option {
	return func(c *Client) { c.idempotentPOST = enabled }
}

// New creates a client for server (without the /api suffix).
func New(server string, token TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		server:       strings.TrimRight(server, "/") + "/api",
		token:        token,
		retries:      2,
		retryBackoff: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestBody struct {
	contentType string
	data        []byte
}

func jsonBody(in any) (*requestBody, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return &requestBody{contentType: "application/json", data: data}, nil
}

func multipartBody(field, filename string, content []byte) (*requestBody, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &requestBody{contentType: w.FormDataContentType(), data: buf.Bytes()}, nil
}

// request performs one API call, retrying transport failures of idempotent
// requests. out may be nil.
func (c *Client) request(ctx context.Context, method, path string, body *requestBody, out any) error {
	idempotent := method != http.MethodPost
	idemKey := ""
	if method == http.MethodPost {
		idemKey = uuid.NewString()
		idempotent = c.idempotentPOST
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, method, path, body, idemKey, out)
		if err == nil || !idempotent || !fault.Retryable(err) || attempt >= c.retries || ctx.Err() != nil {
			break
		}

		observability.RESTRetries.Inc()
		delay := c.retryBackoff << attempt
		log.Printf("[CLIENT] Retrying %s %s in %v: %v", method, path, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}

	if err != nil {
		observability.RESTErrors.WithLabelValues(method, fault.Class(err)).Inc()
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body *requestBody, idemKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body.data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	if c.breaker != nil && !c.breaker.Allow() {
		return &fault.TransportError{Op: method + " " + path, Err: ErrCircuitOpen}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.RESTLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return &fault.TransportError{Op: method + " " + path, Err: err}
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		observability.SessionExpirations.Inc()
		if c.onSessionExpired != nil {
			c.onSessionExpired()
		}
		return &fault.SessionExpiredError{}
	}

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &fault.ServerError{StatusCode: resp.StatusCode, Message: serverMessage(payload)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			return &fault.TransportError{Op: method + " " + path, Err: err}
		}
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// serverMessage extracts {"message": ...}, falling back to the raw body.
func serverMessage(payload []byte) string {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	return strings.TrimSpace(string(payload))
}
