// Package agent implements the interception pipeline: classify every outgoing
// request, run the matching caching strategy, and park failed mutations in the
// durable queue for replay once connectivity returns.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/offsync/internal/agent/queue"
	"github.com/l0p7/offsync/internal/metrics"
	"github.com/l0p7/offsync/internal/offline"
)

// Options wires the interceptor's collaborators. Everything is injected so
// parallel test instances never share global state.
type Options struct {
	Classifier *Classifier
	Executor   *Executor
	Queue      queue.Queue
	Offline    *offline.Synthesizer
	Upstream   *url.URL
	AllowHosts []string
	Metrics    *metrics.Recorder
}

// Agent is the interception boundary. Every outgoing request enters through
// Intercept and leaves with a response; transport errors never escape.
type Agent struct {
	classifier *Classifier
	executor   *Executor
	queue      queue.Queue
	synth      *offline.Synthesizer
	upstream   *url.URL
	allowHosts map[string]struct{}
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// New assembles the interceptor.
func New(logger *slog.Logger, opts Options) (*Agent, error) {
	if opts.Upstream == nil {
		return nil, errors.New("agent: upstream origin required")
	}
	allow := make(map[string]struct{}, len(opts.AllowHosts))
	for _, host := range opts.AllowHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		allow[host] = struct{}{}
	}
	return &Agent{
		classifier: opts.Classifier,
		executor:   opts.Executor,
		queue:      opts.Queue,
		synth:      opts.Offline,
		upstream:   opts.Upstream,
		allowHosts: allow,
		logger:     logger.With(slog.String("agent", "interceptor")),
		metrics:    opts.Metrics,
	}, nil
}

// Intercept satisfies one outgoing request. Read requests run the classified
// strategy; mutations go straight to the network with the queue as fallback.
// Cross-origin requests outside the allow-list are fetched transparently
// without touching the cache or the queue.
func (a *Agent) Intercept(ctx context.Context, d Descriptor) (Response, error) {
	start := time.Now()

	if err := d.Validate(); err != nil {
		return Response{}, err
	}

	resolved, intercepted, err := a.resolve(d.URL)
	if err != nil {
		return Response{}, err
	}
	d.URL = resolved

	if !intercepted {
		resp := a.passthrough(ctx, d)
		a.metrics.ObserveFetch("passthrough", string(resp.Source), resp.Status, time.Since(start))
		return resp, nil
	}

	if !d.IsRead() {
		resp := a.mutate(ctx, d)
		a.metrics.ObserveFetch("mutation", string(resp.Source), resp.Status, time.Since(start))
		return resp, nil
	}

	strategy, ok := a.classifier.Classify(d)
	if !ok {
		// IsRead already gated this path; an unclassifiable read is a bug.
		return Response{}, fmt.Errorf("agent: %w: unclassifiable read request", ErrMalformedDescriptor)
	}

	resp, err := a.executor.Execute(ctx, strategy, d)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			return Response{}, err
		}
		// The caller must still receive a response; a cold cache with no
		// network degrades to the structured offline answer.
		resp = a.executor.OfflineResponse(d)
	}
	a.metrics.ObserveFetch(strategy.String(), string(resp.Source), resp.Status, time.Since(start))
	return resp, nil
}

// resolve rewrites the descriptor URL against the upstream origin and decides
// whether the request is intercepted at all. Same-origin requests always are;
// foreign hosts only when allow-listed.
func (a *Agent) resolve(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("agent: %w: %v", ErrMalformedDescriptor, err)
	}
	if parsed.Host == "" {
		resolved := a.upstream.ResolveReference(parsed)
		return resolved.String(), true, nil
	}
	host := strings.ToLower(parsed.Host)
	if host == strings.ToLower(a.upstream.Host) {
		return parsed.String(), true, nil
	}
	if _, ok := a.allowHosts[host]; ok {
		return parsed.String(), true, nil
	}
	return parsed.String(), false, nil
}

// passthrough fetches a non-intercepted request without caching. The caller
// still gets the offline answer when the network is down.
func (a *Agent) passthrough(ctx context.Context, d Descriptor) Response {
	resp, err := a.executor.Fetch(ctx, d)
	if err != nil {
		a.logger.Debug("passthrough fetch failed", slog.String("url", d.URL), slog.Any("error", err))
		return a.executor.OfflineResponse(d)
	}
	return resp
}

// mutate delivers a write to the network; a transport failure parks it in the
// durable queue and acknowledges with a 202 so the caller knows it is pending.
// Application-level rejections are returned as-is and never queued.
func (a *Agent) mutate(ctx context.Context, d Descriptor) Response {
	resp, err := a.executor.Fetch(ctx, d)
	if err == nil {
		return resp
	}
	a.logger.Info("mutation failed at network boundary, queueing", slog.String("method", d.Method), slog.String("url", d.URL), slog.Any("error", err))

	id, enqueueErr := a.queue.Enqueue(ctx, queue.Item{
		Method:  strings.ToUpper(d.Method),
		URL:     d.URL,
		Headers: d.Headers,
		Body:    d.Body,
	})
	if enqueueErr != nil {
		a.logger.Error("failed to queue mutation", slog.String("url", d.URL), slog.Any("error", enqueueErr))
		return a.executor.OfflineResponse(d)
	}
	a.metrics.ObserveEnqueue()
	if depth, lenErr := a.queue.Len(ctx); lenErr == nil {
		a.metrics.SetQueueDepth(depth)
	}

	return Response{
		Status: http.StatusAccepted,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body:   a.synth.QueuedBody(id, d.URL),
		Source: SourceQueued,
	}
}
