package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/l0p7/offsync/internal/agent/queue"
	"github.com/l0p7/offsync/internal/agent/store"
	"github.com/l0p7/offsync/internal/offline"
)

// routedClient scripts answers per request path and records every request it
// sees, so tests can assert what reached the network and what did not.
type routedClient struct {
	mu        sync.Mutex
	status    map[string]int
	bodies    map[string]string
	transport map[string]error
	offline   bool
	requests  []*http.Request
}

func (c *routedClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	if c.offline {
		return nil, errors.New("network is unreachable")
	}
	if err, ok := c.transport[req.URL.Path]; ok {
		return nil, err
	}
	status := http.StatusOK
	if s, ok := c.status[req.URL.Path]; ok {
		status = s
	}
	body := ""
	if b, ok := c.bodies[req.URL.Path]; ok {
		body = b
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}, nil
}

func (c *routedClient) seen() []*http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*http.Request(nil), c.requests...)
}

type testAgent struct {
	agent  *Agent
	client *routedClient
	store  store.Store
	queue  queue.Queue
	ns     Namespaces
}

func newTestAgent(t *testing.T, client *routedClient) *testAgent {
	t.Helper()
	synth, err := offline.New("")
	if err != nil {
		t.Fatalf("offline synthesizer: %v", err)
	}
	classifier, err := NewClassifier(defaultClassifyConfig(), newTestLogger())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	memory := store.NewMemory()
	namespaces := NewNamespaces(1)
	executor := NewExecutor(newTestLogger(), ExecutorOptions{
		Store:      memory,
		Client:     client,
		Timeout:    time.Second,
		Namespaces: namespaces,
		Offline:    synth,
		Spawn:      func(fn func()) { fn() },
	})
	mutations := queue.NewMemory()
	upstream, err := url.Parse("http://origin")
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	a, err := New(newTestLogger(), Options{
		Classifier: classifier,
		Executor:   executor,
		Queue:      mutations,
		Offline:    synth,
		Upstream:   upstream,
		AllowHosts: []string{"cdn.example.com"},
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return &testAgent{agent: a, client: client, store: memory, queue: mutations, ns: namespaces}
}

func TestInterceptResolvesRelativeURLs(t *testing.T) {
	client := &routedClient{bodies: map[string]string{"/api/status": `{"ok":true}`}}
	ta := newTestAgent(t, client)

	resp, err := ta.agent.Intercept(context.Background(), Descriptor{Method: "GET", URL: "/api/status"})
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Source != SourceNetwork || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected response: %+v", resp)
	}

	seen := ta.client.seen()
	if len(seen) != 1 || seen[0].URL.String() != "http://origin/api/status" {
		t.Fatalf("relative url not resolved against the origin: %v", seen)
	}
}

func TestInterceptRejectsMalformedDescriptors(t *testing.T) {
	ta := newTestAgent(t, &routedClient{})

	_, err := ta.agent.Intercept(context.Background(), Descriptor{Method: "", URL: "/x"})
	if !errors.Is(err, ErrMalformedDescriptor) {
		t.Fatalf("expected ErrMalformedDescriptor, got %v", err)
	}
	if len(ta.client.seen()) != 0 {
		t.Fatalf("malformed descriptor must never reach the network")
	}
}

func TestInterceptMutationDeliveredOnline(t *testing.T) {
	client := &routedClient{status: map[string]int{"/api/items": 201}, bodies: map[string]string{"/api/items": `{"id":7}`}}
	ta := newTestAgent(t, client)

	resp, err := ta.agent.Intercept(context.Background(), Descriptor{Method: "POST", URL: "/api/items", Body: []byte(`{"name":"x"}`)})
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Status != 201 || resp.Source != SourceNetwork {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if depth, _ := ta.queue.Len(context.Background()); depth != 0 {
		t.Fatalf("successful mutation must not be queued")
	}
}

func TestInterceptMutationRejectionNotQueued(t *testing.T) {
	client := &routedClient{status: map[string]int{"/api/items": 422}, bodies: map[string]string{"/api/items": `{"error":"invalid"}`}}
	ta := newTestAgent(t, client)

	resp, err := ta.agent.Intercept(context.Background(), Descriptor{Method: "POST", URL: "/api/items"})
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	// The origin answered; its rejection is the application's business.
	if resp.Status != 422 || string(resp.Body) != `{"error":"invalid"}` {
		t.Fatalf("rejection should pass through verbatim: %+v", resp)
	}
	if depth, _ := ta.queue.Len(context.Background()); depth != 0 {
		t.Fatalf("application rejections must never enter the queue")
	}
}

func TestInterceptMutationQueuedWhenOffline(t *testing.T) {
	client := &routedClient{offline: true}
	ta := newTestAgent(t, client)
	ctx := context.Background()

	d := Descriptor{
		Method:  "post",
		URL:     "/api/items",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"name":"x"}`),
	}
	resp, err := ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Status != http.StatusAccepted || resp.Source != SourceQueued {
		t.Fatalf("expected a 202 queued acknowledgement, got %d %s", resp.Status, resp.Source)
	}
	if !strings.Contains(string(resp.Body), `"queued": true`) {
		t.Fatalf("queued marker missing: %s", resp.Body)
	}

	items, err := ta.queue.Items(ctx)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued mutation, got %d", len(items))
	}
	item := items[0]
	if item.Method != "POST" {
		t.Fatalf("method not canonicalized: %q", item.Method)
	}
	if item.URL != "http://origin/api/items" {
		t.Fatalf("queued url not resolved: %q", item.URL)
	}
	if item.Headers["Content-Type"] != "application/json" {
		t.Fatalf("headers lost: %#v", item.Headers)
	}
	if !bytes.Equal(item.Body, d.Body) {
		t.Fatalf("body lost: %q", item.Body)
	}
}

func TestInterceptReadOfflineColdCache(t *testing.T) {
	client := &routedClient{offline: true}
	ta := newTestAgent(t, client)

	// cacheFirst with a cold cache surfaces ErrTransport from the executor;
	// the interceptor must still hand the caller a response.
	resp, err := ta.agent.Intercept(context.Background(), Descriptor{Method: "GET", URL: "/static/app.js"})
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable || resp.Source != SourceOffline {
		t.Fatalf("expected offline 503, got %d %s", resp.Status, resp.Source)
	}
}

func TestInterceptPassthroughSkipsCacheAndQueue(t *testing.T) {
	client := &routedClient{bodies: map[string]string{"/widget.js": "3rd-party"}}
	ta := newTestAgent(t, client)
	ctx := context.Background()

	d := Descriptor{Method: "GET", URL: "http://tracker.example.net/widget.js"}
	resp, err := ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Source != SourceNetwork || string(resp.Body) != "3rd-party" {
		t.Fatalf("unexpected passthrough response: %+v", resp)
	}

	// Nothing about a foreign host is retained.
	if _, ok, _ := ta.store.Get(ctx, ta.ns.For(StrategyCacheFirst), d.Identity()); ok {
		t.Fatalf("passthrough response must not be cached")
	}

	mutation := Descriptor{Method: "POST", URL: "http://tracker.example.net/beacon"}
	ta.client.offline = true
	resp, err = ta.agent.Intercept(ctx, mutation)
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Source != SourceOffline {
		t.Fatalf("offline passthrough should synthesize, got %s", resp.Source)
	}
	if depth, _ := ta.queue.Len(ctx); depth != 0 {
		t.Fatalf("foreign-host mutations must never be queued")
	}
}

func TestInterceptAllowListedHostIsCached(t *testing.T) {
	client := &routedClient{bodies: map[string]string{"/lib.js": "cdn copy"}}
	ta := newTestAgent(t, client)
	ctx := context.Background()

	d := Descriptor{Method: "GET", URL: "http://cdn.example.com/lib.js"}
	resp, err := ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Source != SourceNetwork {
		t.Fatalf("unexpected source: %s", resp.Source)
	}

	if _, ok, _ := ta.store.Get(ctx, ta.ns.For(StrategyCacheFirst), d.Identity()); !ok {
		t.Fatalf("allow-listed asset should be cached")
	}

	// Second request is served from the cache even with the network down.
	ta.client.offline = true
	resp, err = ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("second intercept: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Body) != "cdn copy" {
		t.Fatalf("expected the cached copy, got %+v", resp)
	}
}

func TestInterceptEndToEndAPIFlow(t *testing.T) {
	client := &routedClient{bodies: map[string]string{"/api/status": `{"rev":1}`}}
	ta := newTestAgent(t, client)
	ctx := context.Background()
	d := Descriptor{Method: "GET", URL: "/api/status"}

	// Online: network wins and the copy is stored.
	resp, err := ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if resp.Source != SourceNetwork || string(resp.Body) != `{"rev":1}` {
		t.Fatalf("unexpected online response: %+v", resp)
	}

	// Offline: the stale copy still answers.
	ta.client.offline = true
	resp, err = ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("offline intercept: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Body) != `{"rev":1}` {
		t.Fatalf("expected the stale copy, got %+v", resp)
	}

	// Back online with new data: the network answer replaces the stale copy.
	ta.client.offline = false
	ta.client.mu.Lock()
	ta.client.bodies["/api/status"] = `{"rev":2}`
	ta.client.mu.Unlock()
	resp, err = ta.agent.Intercept(ctx, d)
	if err != nil {
		t.Fatalf("recovered intercept: %v", err)
	}
	if resp.Source != SourceNetwork || string(resp.Body) != `{"rev":2}` {
		t.Fatalf("expected the fresh copy, got %+v", resp)
	}
}
