package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryQueue struct {
	mu     sync.Mutex
	nextID uint64
	items  map[uint64]Item
}

// NewMemory builds a process-local queue for tests and hosts that accept
// losing pending mutations on restart.
func NewMemory() Queue {
	return &memoryQueue{nextID: 1, items: make(map[uint64]Item)}
}

func (q *memoryQueue) Enqueue(_ context.Context, item Item) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.ID = q.nextID
	q.nextID++
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.items[item.ID] = cloneItem(item)
	return item.ID, nil
}

func (q *memoryQueue) Items(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *memoryQueue) Update(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.ID]; !ok {
		return ErrNotFound
	}
	q.items[item.ID] = cloneItem(item)
	return nil
}

func (q *memoryQueue) Remove(_ context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return ErrNotFound
	}
	delete(q.items, id)
	return nil
}

func (q *memoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *memoryQueue) Close(context.Context) error {
	return nil
}
