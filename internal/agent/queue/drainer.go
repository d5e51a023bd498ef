package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/offsync/internal/metrics"
)

// Doer is the minimal network surface the drainer replays against.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Report summarizes one drain cycle. FirstFailureID is zero when every item
// replayed; Busy marks a call that found another drain already in flight.
type Report struct {
	Replayed       int    `json:"replayed"`
	Remaining      int    `json:"remaining"`
	FirstFailureID uint64 `json:"firstFailureId,omitempty"`
	Busy           bool   `json:"busy,omitempty"`
}

// Drainer replays queued mutations strictly in id order, halting at the first
// failure so causally dependent mutations are never delivered out of order.
// At most one drain cycle runs at a time.
type Drainer struct {
	queue   Queue
	client  Doer
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu sync.Mutex
}

// NewDrainer wires the queue to the network boundary.
func NewDrainer(q Queue, client Doer, timeout time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *Drainer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Drainer{
		queue:   q,
		client:  client,
		timeout: timeout,
		logger:  logger.With(slog.String("agent", "drainer")),
		metrics: recorder,
	}
}

// Drain walks the queue in ascending id order. Each successful replay removes
// its item; the first failure bumps that item's attempt count and stops the
// cycle. A call that overlaps an in-flight drain returns immediately with the
// queue depth as found and replays nothing.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	if !d.mu.TryLock() {
		remaining, err := d.queue.Len(ctx)
		if err != nil {
			return Report{Busy: true}, fmt.Errorf("queue: drain len: %w", err)
		}
		d.metrics.ObserveDrain(metrics.DrainOutcomeBusy)
		return Report{Remaining: int(remaining), Busy: true}, nil
	}
	defer d.mu.Unlock()

	items, err := d.queue.Items(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("queue: drain items: %w", err)
	}

	report := Report{Remaining: len(items)}
	for _, item := range items {
		replayErr := d.replay(ctx, item)

		item.Attempts++
		if replayErr != nil {
			d.metrics.ObserveReplay(false)
			if err := d.queue.Update(ctx, item); err != nil && !errors.Is(err, ErrNotFound) {
				d.logger.Error("failed to record replay attempt", slog.Uint64("id", item.ID), slog.Any("error", err))
			}
			report.FirstFailureID = item.ID
			d.logger.Warn("replay failed, halting drain",
				slog.Uint64("id", item.ID),
				slog.Uint64("attempts", uint64(item.Attempts)),
				slog.Any("error", replayErr))
			break
		}

		d.metrics.ObserveReplay(true)
		if err := d.queue.Remove(ctx, item.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return report, fmt.Errorf("queue: remove replayed item %d: %w", item.ID, err)
		}
		report.Replayed++
		report.Remaining--
		d.logger.Info("replayed queued mutation", slog.Uint64("id", item.ID), slog.String("method", item.Method), slog.String("url", item.URL))
	}

	if depth, err := d.queue.Len(ctx); err == nil {
		d.metrics.SetQueueDepth(depth)
	}
	if report.FirstFailureID != 0 {
		d.metrics.ObserveDrain(metrics.DrainOutcomeHalted)
	} else {
		d.metrics.ObserveDrain(metrics.DrainOutcomeDrained)
	}
	return report, nil
}

// replay re-issues the recorded request verbatim. Delivery counts only when
// the origin acknowledges with a 2xx; everything else leaves the item queued.
func (d *Drainer) replay(ctx context.Context, item Item) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var body io.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, item.Method, item.URL, body)
	if err != nil {
		return fmt.Errorf("queue: build replay request: %w", err)
	}
	for name, value := range item.Headers {
		req.Header.Set(name, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: replay: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("queue: replay rejected with status %d", resp.StatusCode)
	}
	return nil
}
