package relaychat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// OutboxItem is a publish that could not be delivered because the push
// transport was down. The optimistic store entry it belongs to shares its
// LocalID.
type OutboxItem struct {
	LocalID     string          `json:"localId"`
	Identity    Identity        `json:"identity"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

func (i OutboxItem) valid() bool {
	return strings.TrimSpace(i.LocalID) != "" && strings.TrimSpace(i.Destination) != ""
}

// OutboxQueue is a FIFO of undelivered publishes. Peek and Remove let a
// drainer publish the head and only drop it once the publish succeeded, so a
// failed publish keeps its place in front of later sends.
type OutboxQueue interface {
	TryEnqueue(item OutboxItem) bool
	Enqueue(ctx context.Context, item OutboxItem) bool
	TryDequeue() (OutboxItem, bool)
	Dequeue(ctx context.Context) (OutboxItem, bool)
	Peek() (OutboxItem, bool)
	Remove(localID string) bool
	Depth() int
	Capacity() int
	Snapshot() []OutboxItem
	Close() error
}

type inMemoryOutbox struct {
	mu       sync.Mutex
	items    []OutboxItem
	capacity int
	// changed is closed and replaced on every mutation.
	changed chan struct{}
}

func NewInMemoryOutbox(capacity int) OutboxQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryOutbox{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

func (q *inMemoryOutbox) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *inMemoryOutbox) TryEnqueue(item OutboxItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	q.notifyLocked()
	return true
}

func (q *inMemoryOutbox) Enqueue(ctx context.Context, item OutboxItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	for {
		q.mu.Lock()
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.notifyLocked()
			q.mu.Unlock()
			return true
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

func (q *inMemoryOutbox) TryDequeue() (OutboxItem, bool) {
	if q == nil {
		return OutboxItem{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *inMemoryOutbox) popLocked() (OutboxItem, bool) {
	if len(q.items) == 0 {
		return OutboxItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.notifyLocked()
	return item, true
}

func (q *inMemoryOutbox) Dequeue(ctx context.Context) (OutboxItem, bool) {
	if q == nil {
		return OutboxItem{}, false
	}
	for {
		q.mu.Lock()
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return item, true
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return OutboxItem{}, false
		}
	}
}

func (q *inMemoryOutbox) Peek() (OutboxItem, bool) {
	if q == nil {
		return OutboxItem{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboxItem{}, false
	}
	return q.items[0], true
}

func (q *inMemoryOutbox) Remove(localID string) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.LocalID == localID {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			q.notifyLocked()
			return true
		}
	}
	return false
}

func (q *inMemoryOutbox) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryOutbox) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *inMemoryOutbox) Snapshot() []OutboxItem {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]OutboxItem(nil), q.items...)
}

func (q *inMemoryOutbox) Close() error {
	return nil
}
