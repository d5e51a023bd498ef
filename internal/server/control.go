package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/l0p7/offsync/internal/agent/queue"
	"github.com/l0p7/offsync/internal/config"
	"github.com/l0p7/offsync/internal/lifecycle"
	"github.com/l0p7/offsync/internal/notify"
)

// Control exposes the agent's lifecycle signals and queue administration over
// HTTP. These are the named events of the host environment: reconnected,
// notification-received, notification-clicked, install, activate.
type Control struct {
	Drainer    *queue.Drainer
	Queue      queue.Queue
	Lifecycle  *lifecycle.Lifecycle
	Manifest   func(context.Context) (config.Manifest, error)
	Dispatcher *notify.Dispatcher
	Logger     *slog.Logger
}

// Handler routes the control endpoints.
func (c *Control) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /-/events/reconnected", c.reconnected)
	mux.HandleFunc("POST /-/events/notification", c.notificationReceived)
	mux.HandleFunc("POST /-/events/notification/click", c.notificationClicked)
	mux.HandleFunc("POST /-/lifecycle/install", c.install)
	mux.HandleFunc("POST /-/lifecycle/activate", c.activate)
	mux.HandleFunc("GET /-/queue", c.listQueue)
	mux.HandleFunc("DELETE /-/queue/{id}", c.purgeQueueItem)
	mux.HandleFunc("GET /-/state", c.state)
	return mux
}

// reconnected is the connectivity-restored signal: drain the mutation queue
// and report what happened.
func (c *Control) reconnected(w http.ResponseWriter, r *http.Request) {
	report, err := c.Drainer.Drain(r.Context())
	if err != nil {
		c.Logger.Error("drain failed", slog.Any("error", err))
		http.Error(w, "drain failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (c *Control) notificationReceived(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	intent, err := c.Dispatcher.Received(r.Context(), payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (c *Control) notificationClicked(w http.ResponseWriter, r *http.Request) {
	var intent notify.Intent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&intent); err != nil {
		http.Error(w, "failed to decode intent", http.StatusBadRequest)
		return
	}
	if err := c.Dispatcher.Clicked(r.Context(), intent); err != nil {
		c.Logger.Error("notification click dispatch failed", slog.Any("error", err))
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) install(w http.ResponseWriter, r *http.Request) {
	manifest, err := c.Manifest(r.Context())
	if err != nil {
		c.Logger.Error("manifest load failed", slog.Any("error", err))
		http.Error(w, "manifest load failed", http.StatusInternalServerError)
		return
	}
	if err := c.Lifecycle.Install(r.Context(), manifest); err != nil {
		if errors.Is(err, lifecycle.ErrPrecache) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) activate(w http.ResponseWriter, r *http.Request) {
	if err := c.Lifecycle.Activate(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := c.Queue.Items(r.Context())
	if err != nil {
		c.Logger.Error("queue listing failed", slog.Any("error", err))
		http.Error(w, "queue listing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// purgeQueueItem is the only way an unresolved mutation leaves the queue
// without a successful replay.
func (c *Control) purgeQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid queue item id", http.StatusBadRequest)
		return
	}
	if err := c.Queue.Remove(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "queue item not found", http.StatusNotFound)
			return
		}
		c.Logger.Error("queue purge failed", slog.Uint64("id", id), slog.Any("error", err))
		http.Error(w, "queue purge failed", http.StatusInternalServerError)
		return
	}
	c.Logger.Info("queue item purged", slog.Uint64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) state(w http.ResponseWriter, r *http.Request) {
	depth, err := c.Queue.Len(r.Context())
	if err != nil {
		c.Logger.Error("queue depth read failed", slog.Any("error", err))
		http.Error(w, "queue depth read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      c.Lifecycle.State().String(),
		"queueDepth": depth,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
