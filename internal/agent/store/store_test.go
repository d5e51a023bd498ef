package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		version uint
		ok      bool
	}{
		{"app-shell-v3", "app-shell", 3, true},
		{"static-assets-v12", "static-assets", 12, true},
		{"api-responses-v1", "api-responses", 1, true},
		{"no-version", "", 0, false},
		{"-v2", "", 0, false},
		{"name-v", "", 0, false},
		{"name-vabc", "", 0, false},
	}
	for _, tc := range tests {
		ns, ok := ParseNamespace(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseNamespace(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if ns.Name != tc.name || ns.Version != tc.version {
			t.Fatalf("ParseNamespace(%q) = %+v", tc.in, ns)
		}
		if ns.String() != tc.in {
			t.Fatalf("round-trip of %q produced %q", tc.in, ns.String())
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ns := Namespace{Name: "api-responses", Version: 1}

	entry := Entry{
		Payload:  []byte(`{"ok":true}`),
		Status:   200,
		Headers:  map[string]string{"Content-Type": "application/json"},
		StoredAt: time.Now().UTC(),
	}
	if err := s.Put(ctx, ns, "key", entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(ctx, ns, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if !bytes.Equal(got.Payload, entry.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, entry.Payload)
	}
	if got.Status != 200 || got.Headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected entry: %#v", got)
	}

	size, err := s.Len(ctx, ns)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ns := Namespace{Name: "app-shell", Version: 2}

	if err := s.Put(ctx, ns, "key", Entry{Payload: []byte("old")}); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := s.Put(ctx, ns, "key", Entry{Payload: []byte("new")}); err != nil {
		t.Fatalf("put new: %v", err)
	}
	got, ok, err := s.Get(ctx, ns, "key")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "new" {
		t.Fatalf("expected overwrite, got %q", got.Payload)
	}
	size, _ := s.Len(ctx, ns)
	if size != 1 {
		t.Fatalf("overwrite should not grow namespace, size %d", size)
	}
}

func TestMemoryStoreConcurrentWritesOneKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ns := Namespace{Name: "api-responses", Version: 1}

	const writers = 16

	// Readers race the writers; every observed entry must be internally
	// consistent, never a blend of two writes.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				entry, ok, err := s.Get(ctx, ns, "key")
				if err != nil {
					t.Errorf("concurrent get: %v", err)
					return
				}
				if !ok {
					continue
				}
				if !consistentEntry(entry) {
					t.Errorf("torn read: headers %#v", entry.Headers)
					return
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			marker := byte('a' + i)
			entry := Entry{
				Payload: bytes.Repeat([]byte{marker}, 512),
				Status:  200,
				Headers: map[string]string{"X-Writer": string(marker)},
			}
			if err := s.Put(ctx, ns, "key", entry); err != nil {
				t.Errorf("put %q: %v", marker, err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	got, ok, err := s.Get(ctx, ns, "key")
	if err != nil || !ok {
		t.Fatalf("get after writers: ok=%v err=%v", ok, err)
	}
	if len(got.Payload) != 512 {
		t.Fatalf("payload length %d", len(got.Payload))
	}
	marker := got.Payload[0]
	if marker < 'a' || marker >= 'a'+writers {
		t.Fatalf("payload from no known writer: %q", marker)
	}
	if !consistentEntry(got) {
		t.Fatalf("final entry is a blend: payload %q, headers %#v", marker, got.Headers)
	}

	size, err := s.Len(ctx, ns)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if size != 1 {
		t.Fatalf("concurrent writes to one key grew the namespace to %d", size)
	}
}

// consistentEntry checks that every byte of the payload and the writer header
// came from the same Put.
func consistentEntry(entry Entry) bool {
	if len(entry.Payload) == 0 {
		return false
	}
	marker := entry.Payload[0]
	for _, b := range entry.Payload {
		if b != marker {
			return false
		}
	}
	return entry.Headers["X-Writer"] == string(marker)
}

func TestMemoryStoreNamespaceIsolation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	v1 := Namespace{Name: "app-shell", Version: 1}
	v2 := Namespace{Name: "app-shell", Version: 2}

	if err := s.Put(ctx, v1, "key", Entry{Payload: []byte("one")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := s.Get(ctx, v2, "key"); ok {
		t.Fatalf("entry leaked across namespace versions")
	}
}

func TestMemoryStoreDropNamespace(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	stale := Namespace{Name: "static-assets", Version: 1}
	live := Namespace{Name: "static-assets", Version: 2}

	if err := s.Put(ctx, stale, "a", Entry{Payload: []byte("x")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, live, "a", Entry{Payload: []byte("y")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.DropNamespace(ctx, stale); err != nil {
		t.Fatalf("drop: %v", err)
	}
	namespaces, err := s.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if len(namespaces) != 1 || namespaces[0] != live {
		t.Fatalf("unexpected namespaces after drop: %#v", namespaces)
	}
	if _, ok, _ := s.Get(ctx, live, "a"); !ok {
		t.Fatalf("live namespace lost its entry")
	}
}

func newRedisStore(t *testing.T) Store {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	ns := Namespace{Name: "api-responses", Version: 3}

	entry := Entry{
		Payload:  []byte(`{"ok":true}`),
		Status:   200,
		Headers:  map[string]string{"x-origin": "redis"},
		StoredAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Put(ctx, ns, "key", entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(ctx, ns, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if !bytes.Equal(got.Payload, entry.Payload) {
		t.Fatalf("payload mismatch: got %q", got.Payload)
	}
	if got.Headers["x-origin"] != "redis" {
		t.Fatalf("headers lost: %#v", got.Headers)
	}

	if _, ok, err := s.Get(ctx, ns, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreNamespaceRegistry(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	v1 := Namespace{Name: "app-shell", Version: 1}
	v2 := Namespace{Name: "app-shell", Version: 2}

	if err := s.Put(ctx, v1, "k", Entry{Payload: []byte("a")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, v2, "k", Entry{Payload: []byte("b")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	namespaces, err := s.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if len(namespaces) != 2 {
		t.Fatalf("expected 2 namespaces, got %#v", namespaces)
	}

	if err := s.DropNamespace(ctx, v1); err != nil {
		t.Fatalf("drop: %v", err)
	}
	namespaces, err = s.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces after drop: %v", err)
	}
	if len(namespaces) != 1 || namespaces[0] != v2 {
		t.Fatalf("unexpected namespaces after drop: %#v", namespaces)
	}
	size, err := s.Len(ctx, v1)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if size != 0 {
		t.Fatalf("dropped namespace still holds %d entries", size)
	}
}
