// Package lifecycle owns the agent's own install/activate state machine:
// pre-warming the application shell at install time and garbage-collecting
// stale cache versions at activation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/l0p7/offsync/internal/agent"
	"github.com/l0p7/offsync/internal/agent/store"
	"github.com/l0p7/offsync/internal/config"
	"github.com/l0p7/offsync/internal/metrics"
)

// maxEntryBytes bounds how much of one manifest resource gets buffered.
const maxEntryBytes = 8 << 20

// ErrPrecache marks a failed install: one or more manifest entries could not
// be fetched or stored, and installation did not complete.
var ErrPrecache = errors.New("lifecycle: manifest precache failed")

// State enumerates the agent lifecycle.
type State int

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

// String names the state for logs and the /-/state endpoint.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options wires the lifecycle's collaborators.
type Options struct {
	Store      store.Store
	Client     agent.Doer
	Upstream   *url.URL
	Namespaces agent.Namespaces
	Timeout    time.Duration
	Metrics    *metrics.Recorder
}

// Lifecycle drives install and activation. It runs independently of the
// per-request flow; only the cache store is shared.
type Lifecycle struct {
	store      store.Store
	client     agent.Doer
	upstream   *url.URL
	namespaces agent.Namespaces
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu    sync.Mutex
	state State
}

// New builds the lifecycle dispatcher.
func New(logger *slog.Logger, opts Options) (*Lifecycle, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("lifecycle: upstream origin required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Lifecycle{
		store:      opts.Store,
		client:     opts.Client,
		upstream:   opts.Upstream,
		namespaces: opts.Namespaces,
		timeout:    timeout,
		logger:     logger.With(slog.String("agent", "lifecycle")),
		metrics:    opts.Metrics,
	}, nil
}

// State reports the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Install pre-populates the application-shell namespace from the manifest.
// Precaching is atomic: every entry is fetched before anything is written,
// and any failure aborts the installation with nothing stored.
func (l *Lifecycle) Install(ctx context.Context, manifest config.Manifest) error {
	l.mu.Lock()
	if l.state == StateInstalling || l.state == StateActivating {
		l.mu.Unlock()
		return fmt.Errorf("lifecycle: install rejected while %s", l.state)
	}
	previous := l.state
	l.state = StateInstalling
	l.mu.Unlock()

	fail := func(err error) error {
		l.mu.Lock()
		l.state = previous
		l.mu.Unlock()
		return err
	}

	type staged struct {
		key   string
		entry store.Entry
	}
	entries := make([]staged, 0, len(manifest.URLs))
	for _, raw := range manifest.URLs {
		resolved, err := l.resolve(raw)
		if err != nil {
			return fail(fmt.Errorf("%w: %s: %v", ErrPrecache, raw, err))
		}
		entry, err := l.fetch(ctx, resolved)
		if err != nil {
			return fail(fmt.Errorf("%w: %s: %v", ErrPrecache, raw, err))
		}
		key := agent.Descriptor{Method: http.MethodGet, URL: resolved}.Identity()
		entries = append(entries, staged{key: key, entry: entry})
	}

	for _, item := range entries {
		if err := l.store.Put(ctx, l.namespaces.Shell, item.key, item.entry); err != nil {
			l.metrics.ObserveStore(metrics.StoreOperationPut, metrics.StoreOutcomeError)
			return fail(fmt.Errorf("%w: store: %v", ErrPrecache, err))
		}
		l.metrics.ObserveStore(metrics.StoreOperationPut, metrics.StoreOutcomeOK)
	}

	l.mu.Lock()
	l.state = StateInstalled
	l.mu.Unlock()
	l.logger.Info("install complete", slog.Int("precached", len(entries)), slog.String("namespace", l.namespaces.Shell.String()))
	return nil
}

// Activate garbage-collects stale cache versions: every namespace whose name
// belongs to this agent's families but whose version differs from the current
// one is dropped. Exactly one version per family survives.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateInstalled {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("lifecycle: activate rejected while %s", state)
	}
	l.state = StateActivating
	l.mu.Unlock()

	families := make(map[string]uint, 3)
	families[l.namespaces.Shell.Name] = l.namespaces.Shell.Version
	families[l.namespaces.Assets.Name] = l.namespaces.Assets.Version
	families[l.namespaces.API.Name] = l.namespaces.API.Version

	namespaces, err := l.store.Namespaces(ctx)
	if err != nil {
		l.mu.Lock()
		l.state = StateInstalled
		l.mu.Unlock()
		return fmt.Errorf("lifecycle: enumerate namespaces: %w", err)
	}

	for _, ns := range namespaces {
		version, owned := families[ns.Name]
		if !owned || ns.Version == version {
			continue
		}
		if err := l.store.DropNamespace(ctx, ns); err != nil {
			l.metrics.ObserveStore(metrics.StoreOperationDrop, metrics.StoreOutcomeError)
			l.logger.Error("failed to drop stale namespace", slog.String("namespace", ns.String()), slog.Any("error", err))
			continue
		}
		l.metrics.ObserveStore(metrics.StoreOperationDrop, metrics.StoreOutcomeOK)
		l.logger.Info("dropped stale namespace", slog.String("namespace", ns.String()))
	}

	l.mu.Lock()
	l.state = StateActive
	l.mu.Unlock()
	l.logger.Info("activation complete", slog.Uint64("version", uint64(l.namespaces.Shell.Version)))
	return nil
}

func (l *Lifecycle) resolve(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Host != "" {
		return parsed.String(), nil
	}
	return l.upstream.ResolveReference(parsed).String(), nil
}

func (l *Lifecycle) fetch(ctx context.Context, target string) (store.Entry, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return store.Entry{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return store.Entry{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return store.Entry{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxEntryBytes))
	if err != nil {
		return store.Entry{}, err
	}
	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return store.Entry{
		Payload:  payload,
		Status:   resp.StatusCode,
		Headers:  headers,
		StoredAt: time.Now().UTC(),
	}, nil
}
