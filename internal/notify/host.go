package notify

import (
	"context"
	"log/slog"
	"sync"
)

// LogPresenter is the default presenter: it surfaces notifications through the
// structured log. Hosts with a real display surface inject their own.
type LogPresenter struct {
	logger *slog.Logger
}

// NewLogPresenter builds the log-backed presenter.
func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	return &LogPresenter{logger: logger.With(slog.String("agent", "presenter"))}
}

// Present logs the notification.
func (p *LogPresenter) Present(_ context.Context, intent Intent) error {
	p.logger.Info("notification", slog.String("title", intent.Title), slog.String("body", intent.Body), slog.String("target", intent.TargetURL))
	return nil
}

type memoryWindow struct {
	url    string
	logger *slog.Logger
}

func (w *memoryWindow) URL() string { return w.url }

func (w *memoryWindow) Focus(context.Context) error {
	w.logger.Info("window focused", slog.String("url", w.url))
	return nil
}

// MemoryRegistry tracks opened windows in process memory. It stands in for a
// host window manager; Open records the window so later clicks on the same
// target focus it instead of opening another.
type MemoryRegistry struct {
	logger *slog.Logger

	mu      sync.Mutex
	windows []*memoryWindow
}

// NewMemoryRegistry builds the in-process registry.
func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	return &MemoryRegistry{logger: logger.With(slog.String("agent", "windows"))}
}

// Windows lists the currently open windows.
func (r *MemoryRegistry) Windows(context.Context) ([]Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Window, len(r.windows))
	for i, w := range r.windows {
		out[i] = w
	}
	return out, nil
}

// Open records and returns a new window showing url.
func (r *MemoryRegistry) Open(_ context.Context, url string) (Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := &memoryWindow{url: url, logger: r.logger}
	r.windows = append(r.windows, window)
	r.logger.Info("window opened", slog.String("url", url))
	return window, nil
}
