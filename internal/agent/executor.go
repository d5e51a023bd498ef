package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/offsync/internal/agent/store"
	"github.com/l0p7/offsync/internal/metrics"
	"github.com/l0p7/offsync/internal/offline"
)

// Doer is the network boundary the executor fetches through.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// maxBodyBytes bounds how much of an origin response the agent will buffer.
// Bodies past the limit are cut there and the response is never cached.
const maxBodyBytes = 8 << 20

// ExecutorOptions wires the executor's collaborators.
type ExecutorOptions struct {
	Store      store.Store
	Client     Doer
	Timeout    time.Duration
	Namespaces Namespaces
	Offline    *offline.Synthesizer
	Metrics    *metrics.Recorder

	// Spawn runs background work. Tests replace it with a synchronous runner;
	// the default detaches a goroutine.
	Spawn func(func())
}

// Executor runs the three caching protocols against the store and the
// network. Each intercepted request executes independently; background
// refreshes for one key are deduplicated through singleflight.
type Executor struct {
	store      store.Store
	client     Doer
	timeout    time.Duration
	namespaces Namespaces
	synth      *offline.Synthesizer
	logger     *slog.Logger
	metrics    *metrics.Recorder
	spawn      func(func())
	flight     singleflight.Group
}

// NewExecutor builds the strategy executor.
func NewExecutor(logger *slog.Logger, opts ExecutorOptions) *Executor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	spawn := opts.Spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	return &Executor{
		store:      opts.Store,
		client:     opts.Client,
		timeout:    timeout,
		namespaces: opts.Namespaces,
		synth:      opts.Offline,
		logger:     logger.With(slog.String("agent", "executor")),
		metrics:    opts.Metrics,
		spawn:      spawn,
	}
}

// Execute runs one strategy to completion. Transport failures on foreground
// fetches propagate as ErrTransport; the interceptor converts those into a
// response before they reach the caller.
func (e *Executor) Execute(ctx context.Context, strategy Strategy, d Descriptor) (Response, error) {
	switch strategy {
	case StrategyCacheFirst:
		return e.cacheFirst(ctx, d)
	case StrategyNetworkFirst:
		return e.networkFirst(ctx, d)
	case StrategyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, d)
	default:
		return Response{}, fmt.Errorf("agent: no executor for %s", strategy)
	}
}

// cacheFirst serves the stored entry when present and refreshes it behind the
// response; a cold cache blocks on the network and stores the result.
func (e *Executor) cacheFirst(ctx context.Context, d Descriptor) (Response, error) {
	ns := e.namespaces.For(StrategyCacheFirst)
	key := d.Identity()

	entry, ok := e.lookup(ctx, ns, key)
	if ok {
		e.revalidate(d, ns, key)
		return entryResponse(entry), nil
	}

	resp, err := e.Fetch(ctx, d)
	if err != nil {
		return Response{}, err
	}
	e.storeIfCacheable(ctx, ns, key, resp)
	return resp, nil
}

// networkFirst prefers the origin and stores fresh copies; when the network
// is unavailable it falls back to the stored entry, and failing that returns
// the synthesized offline response.
func (e *Executor) networkFirst(ctx context.Context, d Descriptor) (Response, error) {
	ns := e.namespaces.For(StrategyNetworkFirst)
	key := d.Identity()

	resp, err := e.Fetch(ctx, d)
	if err == nil {
		e.storeIfCacheable(ctx, ns, key, resp)
		return resp, nil
	}
	e.logger.Debug("network-first fetch failed, consulting cache", slog.String("url", d.URL), slog.Any("error", err))

	entry, ok := e.lookup(ctx, ns, key)
	if ok {
		return entryResponse(entry), nil
	}
	return e.OfflineResponse(d), nil
}

// staleWhileRevalidate returns the stored entry without waiting for the
// network and refreshes it in the background; a cold cache degrades to a
// blocking fetch.
func (e *Executor) staleWhileRevalidate(ctx context.Context, d Descriptor) (Response, error) {
	ns := e.namespaces.For(StrategyStaleWhileRevalidate)
	key := d.Identity()

	entry, ok := e.lookup(ctx, ns, key)
	if ok {
		e.revalidate(d, ns, key)
		return entryResponse(entry), nil
	}

	resp, err := e.Fetch(ctx, d)
	if err != nil {
		return Response{}, err
	}
	e.storeIfCacheable(ctx, ns, key, resp)
	return resp, nil
}

// OfflineResponse synthesizes the structured 503 returned when neither cache
// nor network can answer.
func (e *Executor) OfflineResponse(d Descriptor) Response {
	return Response{
		Status: http.StatusServiceUnavailable,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body:   e.synth.OfflineBody(d.URL),
		Source: SourceOffline,
	}
}

// lookup reads the store and degrades storage failures to a miss: the read
// path must keep answering from the network even when the store is down.
func (e *Executor) lookup(ctx context.Context, ns store.Namespace, key string) (store.Entry, bool) {
	entry, ok, err := e.store.Get(ctx, ns, key)
	if err != nil {
		e.metrics.ObserveStore(metrics.StoreOperationGet, metrics.StoreOutcomeError)
		e.logger.Error("cache lookup failed", slog.String("namespace", ns.String()), slog.String("key", key), slog.Any("error", err))
		return store.Entry{}, false
	}
	if ok {
		e.metrics.ObserveStore(metrics.StoreOperationGet, metrics.StoreOutcomeHit)
	} else {
		e.metrics.ObserveStore(metrics.StoreOperationGet, metrics.StoreOutcomeMiss)
	}
	return entry, ok
}

// Fetch issues one bounded network attempt. Timeouts and transport failures
// both come back as ErrTransport so every strategy treats them identically.
func (e *Executor) Fetch(ctx context.Context, d Descriptor) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, strings.ToUpper(d.Method), d.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("agent: build request: %w", err)
	}
	for name, value := range d.Headers {
		req.Header.Set(name, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	headers := captureHeaders(resp.Header)
	truncated := len(payload) > maxBodyBytes
	if truncated {
		// The origin's Content-Length no longer matches what we hold.
		payload = payload[:maxBodyBytes]
		delete(headers, "Content-Length")
		e.logger.Warn("origin response exceeded buffer limit", slog.String("url", d.URL), slog.Int("limit", maxBodyBytes))
	}

	return Response{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      payload,
		Source:    SourceNetwork,
		Truncated: truncated,
	}, nil
}

// storeIfCacheable writes 2xx responses back to the designated namespace.
// Error-status responses are never stored; storage failures are logged and
// the operation continues.
func (e *Executor) storeIfCacheable(ctx context.Context, ns store.Namespace, key string, resp Response) {
	if resp.Status < 200 || resp.Status > 299 {
		return
	}
	if resp.Truncated {
		return
	}
	entry := store.Entry{
		Payload:  resp.Body,
		Status:   resp.Status,
		Headers:  resp.Headers,
		StoredAt: time.Now().UTC(),
	}
	if err := e.store.Put(ctx, ns, key, entry); err != nil {
		e.metrics.ObserveStore(metrics.StoreOperationPut, metrics.StoreOutcomeError)
		e.logger.Error("cache write failed", slog.String("namespace", ns.String()), slog.String("key", key), slog.Any("error", err))
		return
	}
	e.metrics.ObserveStore(metrics.StoreOperationPut, metrics.StoreOutcomeOK)
}

// revalidate refreshes a key behind an already-returned response. Failures
// are swallowed: a background refresh must never surface to the caller.
// Concurrent refreshes of one key collapse into a single fetch.
func (e *Executor) revalidate(d Descriptor, ns store.Namespace, key string) {
	e.spawn(func() {
		_, _, _ = e.flight.Do(key, func() (any, error) {
			ctx := context.Background()
			resp, err := e.Fetch(ctx, d)
			if err != nil {
				e.logger.Debug("background refresh failed", slog.String("url", d.URL), slog.Any("error", err))
				return nil, nil
			}
			e.storeIfCacheable(ctx, ns, key, resp)
			return nil, nil
		})
	})
}

func captureHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = values[0]
	}
	return out
}
