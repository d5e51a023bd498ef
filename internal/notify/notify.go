// Package notify handles inbound push-style notifications: parse the payload,
// present it, and route a user click to a window already showing the target
// URL or open a fresh one. Simple dispatch, no retries, no queueing.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Intent is the ephemeral product of one inbound notification payload.
type Intent struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	TargetURL string `json:"targetUrl"`
}

// Presenter displays a notification to the user. The host environment owns
// the actual rendering.
type Presenter interface {
	Present(ctx context.Context, intent Intent) error
}

// Window is one client window the dispatcher can route a click to.
type Window interface {
	URL() string
	Focus(ctx context.Context) error
}

// WindowRegistry enumerates and opens client windows.
type WindowRegistry interface {
	Windows(ctx context.Context) ([]Window, error)
	Open(ctx context.Context, url string) (Window, error)
}

// Dispatcher wires notification payloads to the presenter and window registry.
type Dispatcher struct {
	presenter    Presenter
	windows      WindowRegistry
	defaultTitle string
	logger       *slog.Logger
}

// New builds a dispatcher. defaultTitle fills in payloads that omit a title.
func New(presenter Presenter, windows WindowRegistry, defaultTitle string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		presenter:    presenter,
		windows:      windows,
		defaultTitle: defaultTitle,
		logger:       logger.With(slog.String("agent", "notify")),
	}
}

// ParseIntent decodes a notification payload. Empty payloads and malformed
// JSON are errors; a missing title falls back to the configured default.
func (d *Dispatcher) ParseIntent(payload []byte) (Intent, error) {
	if len(payload) == 0 {
		return Intent{}, errors.New("notify: empty payload")
	}
	var intent Intent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return Intent{}, fmt.Errorf("notify: parse payload: %w", err)
	}
	if strings.TrimSpace(intent.Title) == "" {
		intent.Title = d.defaultTitle
	}
	if strings.TrimSpace(intent.TargetURL) == "" {
		intent.TargetURL = "/"
	}
	return intent, nil
}

// Received handles an inbound notification: parse and present.
func (d *Dispatcher) Received(ctx context.Context, payload []byte) (Intent, error) {
	intent, err := d.ParseIntent(payload)
	if err != nil {
		return Intent{}, err
	}
	if err := d.presenter.Present(ctx, intent); err != nil {
		return Intent{}, fmt.Errorf("notify: present: %w", err)
	}
	d.logger.Info("notification presented", slog.String("title", intent.Title), slog.String("target", intent.TargetURL))
	return intent, nil
}

// Clicked routes a user interaction: focus an existing window already showing
// the target URL, otherwise open a new one.
func (d *Dispatcher) Clicked(ctx context.Context, intent Intent) error {
	windows, err := d.windows.Windows(ctx)
	if err != nil {
		return fmt.Errorf("notify: enumerate windows: %w", err)
	}
	for _, window := range windows {
		if window.URL() == intent.TargetURL {
			if err := window.Focus(ctx); err != nil {
				return fmt.Errorf("notify: focus window: %w", err)
			}
			d.logger.Info("focused existing window", slog.String("target", intent.TargetURL))
			return nil
		}
	}
	if _, err := d.windows.Open(ctx, intent.TargetURL); err != nil {
		return fmt.Errorf("notify: open window: %w", err)
	}
	d.logger.Info("opened new window", slog.String("target", intent.TargetURL))
	return nil
}
