package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Namespace identifies a logical, versioned bucket of cached responses.
// At most one version per logical name is live after activation; stale
// versions linger only until the next activation garbage-collects them.
type Namespace struct {
	Name    string
	Version uint
}

// String renders the canonical on-disk form, e.g. "app-shell-v3".
func (n Namespace) String() string {
	return fmt.Sprintf("%s-v%d", n.Name, n.Version)
}

// ParseNamespace recovers a Namespace from its canonical form. The version
// suffix is anchored at the last "-v" so names may themselves contain dashes.
func ParseNamespace(s string) (Namespace, bool) {
	idx := strings.LastIndex(s, "-v")
	if idx <= 0 || idx+2 >= len(s) {
		return Namespace{}, false
	}
	version, err := strconv.ParseUint(s[idx+2:], 10, 32)
	if err != nil {
		return Namespace{}, false
	}
	return Namespace{Name: s[:idx], Version: uint(version)}, true
}

// Entry is one stored response snapshot. Payload bytes are opaque to the
// store; Headers carry whatever subset the executor chose to retain.
type Entry struct {
	Payload  []byte            `json:"payload"`
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	StoredAt time.Time         `json:"storedAt"`
}

// Store is the durable cache shared by every strategy. Writes to one key are
// linearizable: concurrent Puts to the same key resolve to one of the written
// entries, never a blend.
type Store interface {
	Get(ctx context.Context, ns Namespace, key string) (Entry, bool, error)
	Put(ctx context.Context, ns Namespace, key string, entry Entry) error
	Namespaces(ctx context.Context) ([]Namespace, error)
	DropNamespace(ctx context.Context, ns Namespace) error
	Len(ctx context.Context, ns Namespace) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if len(in.Payload) > 0 {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
