package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports an id that is no longer (or never was) queued.
var ErrNotFound = errors.New("queue: item not found")

// Item is one write-intent mutation awaiting network delivery. Items are
// never dropped automatically: they leave the queue only after a confirmed
// successful replay or an explicit purge.
type Item struct {
	ID         uint64            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   uint              `json:"attempts"`
}

// Queue is the durable, ordered collection of pending mutations. Items carries
// the FIFO contract: results are sorted ascending by id, and ids are assigned
// monotonically at enqueue time.
type Queue interface {
	Enqueue(ctx context.Context, item Item) (uint64, error)
	Items(ctx context.Context) ([]Item, error)
	Update(ctx context.Context, item Item) error
	Remove(ctx context.Context, id uint64) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneItem(in Item) Item {
	out := in
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
