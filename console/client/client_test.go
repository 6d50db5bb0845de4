package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/store"
)

func token(s string) TokenSource { return func() string { return s } }

// flakyTransport fails the first n round trips before delegating.
type flakyTransport struct {
	failures int32
	calls    int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestListNodesDecodesServerShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/nodes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Write([]byte(`[{"id":3,"name":"web-1","hostname":"10.0.0.3","username":"deploy","port":2222,
			"description":null,"status":"reachable","last_checked":"2024-05-01T10:00:00.123456",
			"created_at":"2024-05-01T09:00:00","updated_at":"2024-05-01T09:30:00","groups":["web","all"]}]`))
	}))
	defer srv.Close()

	nodes, err := New(srv.URL, token("tok")).ListNodes(context.Background())
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	n := nodes[0]
	if n.ID != 3 || n.Port != 2222 || n.Status != store.NodeReachable {
		t.Errorf("unexpected node %+v", n)
	}
	if n.LastChecked == nil || n.LastChecked.Minute() != 0 || n.LastChecked.Hour() != 10 {
		t.Errorf("last_checked not parsed: %v", n.LastChecked)
	}
	if len(n.Groups) != 2 || n.Groups[0] != "all" {
		t.Errorf("groups should be sorted: %v", n.Groups)
	}
}

func TestExecutionPendingIsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ExecutionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Playbooks) != 1 || req.TargetGroups[0] != 4 {
			t.Errorf("unexpected request %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":11,"playbooks":["site.yml"],"target_nodes":null,"target_groups":[4],"status":"pending","started_at":"2024-05-01T10:00:00"}`))
	}))
	defer srv.Close()

	exec, err := New(srv.URL, token("tok")).SubmitExecution(context.Background(), ExecutionRequest{
		Playbooks: []string{"site.yml"}, TargetGroups: []int64{4},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if exec.ID != 11 || exec.Status != store.ExecQueued {
		t.Errorf("unexpected execution %+v", exec)
	}
}

func TestUnauthorizedFiresSessionHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Token has expired"}`))
	}))
	defer srv.Close()

	fired := 0
	c := New(srv.URL, token("old"), WithSessionExpiredHook(func() { fired++ }))
	_, err := c.ListGroups(context.Background())
	if !fault.IsSessionExpired(err) {
		t.Fatalf("expected SessionExpiredError, got %v", err)
	}
	if fired != 1 {
		t.Errorf("hook fired %d times, want 1", fired)
	}
}

func TestServerMessageIsVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Import already processed"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, token("tok")).ExecuteImport(context.Background(), 5)
	se, ok := fault.AsServer(err)
	if !ok {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Message != "Import already processed" {
		t.Errorf("unexpected server error %+v", se)
	}
}

func TestUploadImportIsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inventory/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Idempotency-Key") == "" {
			t.Error("POST without idempotency key")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("no file part: %v", err)
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "hosts.ini" || string(data) != "[web]\nweb-1\n" {
			t.Errorf("unexpected upload %s %q", header.Filename, data)
		}
		w.Write([]byte(`{"import_id":9,"preview":{"nodes":[{"name":"web-1","hostname":"web-1","username":"root","port":22}],
			"groups":{"web":{"name":"web","nodes":["web-1"]}},"total_nodes":1,"total_groups":1}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, token("tok")).UploadImport(context.Background(), "hosts.ini", []byte("[web]\nweb-1\n"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if res.ImportID != 9 || res.Preview == nil || res.Preview.TotalNodes != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if members := res.Preview.Groups["web"]; len(members) != 1 || members[0] != "web-1" {
		t.Errorf("group preview not flattened: %v", res.Preview.Groups)
	}
}

func TestGetIsRetriedOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":"- hosts: all\n"}`))
	}))
	defer srv.Close()

	tr := &flakyTransport{failures: 2}
	c := New(srv.URL, token("tok"),
		WithHTTPClient(&http.Client{Transport: tr, Timeout: time.Second}),
		WithRetries(2, time.Millisecond))

	content, err := c.PlaybookContent(context.Background(), "site.yml")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if content != "- hosts: all\n" || tr.calls != 3 {
		t.Errorf("content %q after %d calls", content, tr.calls)
	}
}

func TestPostIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	tr := &flakyTransport{failures: 5}
	c := New(srv.URL, token("tok"),
		WithHTTPClient(&http.Client{Transport: tr, Timeout: time.Second}),
		WithRetries(3, time.Millisecond))

	err := c.PingNode(context.Background(), 1)
	if !fault.IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if tr.calls != 1 {
		t.Errorf("POST attempted %d times, want 1", tr.calls)
	}

	tr = &flakyTransport{failures: 1}
	c = New(srv.URL, token("tok"),
		WithHTTPClient(&http.Client{Transport: tr, Timeout: time.Second}),
		WithRetries(3, time.Millisecond), WithIdempotentPOST(true))
	if err := c.PingNode(context.Background(), 1); err != nil {
		t.Fatalf("idempotent POST should retry: %v", err)
	}
	t.Logf("✅ POST retried only when idempotency is enabled (%d calls)", tr.calls)
}

func TestGroupMembershipFromNestedNodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/groups/2/nodes/7" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"id":2,"name":"db","node_count":2,"nodes":[{"id":9,"name":"b"},{"id":4,"name":"a"}]}`))
	}))
	defer srv.Close()

	g, err := New(srv.URL, token("tok")).RemoveNodeFromGroup(context.Background(), 2, 7)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if len(g.NodeIDs) != 2 || g.NodeIDs[0] != 4 || g.NodeIDs[1] != 9 {
		t.Errorf("node ids not sorted set: %v", g.NodeIDs)
	}
}

func TestBreakerOpensAndProbes(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if b.State() != CircuitClosed {
		t.Fatal("opened before threshold")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("open circuit admitted a request")
	}

	now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("probe not admitted after cooldown")
	}
	if b.Allow() {
		t.Error("second probe admitted while half open")
	}
	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("failed probe should reopen, got %s", b.State())
	}

	now = now.Add(time.Minute)
	b.Allow()
	b.RecordSuccess()
	if b.State() != CircuitClosed || !b.Allow() {
		t.Errorf("successful probe should close, got %s", b.State())
	}
}

func TestOpenCircuitFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tr := &flakyTransport{failures: 100}
	c := New(srv.URL, token("tok"),
		WithHTTPClient(&http.Client{Transport: tr, Timeout: time.Second}),
		WithRetries(0, 0), WithBreaker(NewBreaker(2, time.Hour)))

	for i := 0; i < 4; i++ {
		_, err := c.ListNodes(context.Background())
		if !fault.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	}
	if tr.calls != 2 {
		t.Errorf("breaker let %d requests through, want 2", tr.calls)
	}
	_, err := c.ListNodes(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}
