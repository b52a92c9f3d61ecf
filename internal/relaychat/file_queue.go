package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileOutbox keeps undelivered publishes in a JSON file so sends made while
// offline survive a restart.
type fileOutbox struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []OutboxItem
}

type fileOutboxState struct {
	Items []OutboxItem `json:"items"`
}

func NewFileOutbox(path string, capacity int) (OutboxQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileOutbox{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []OutboxItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileOutbox) TryEnqueue(item OutboxItem) bool {
	if !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileOutbox) Enqueue(ctx context.Context, item OutboxItem) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileOutbox) TryDequeue() (OutboxItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboxItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]OutboxItem{item}, q.items...)
		return OutboxItem{}, false
	}
	return item, true
}

func (q *fileOutbox) Dequeue(ctx context.Context) (OutboxItem, bool) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return OutboxItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileOutbox) Peek() (OutboxItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboxItem{}, false
	}
	return q.items[0], true
}

func (q *fileOutbox) Remove(localID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.LocalID != localID {
			continue
		}
		prev := q.items
		q.items = append(append([]OutboxItem(nil), prev[:i]...), prev[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.items = prev
			return false
		}
		return true
	}
	return false
}

func (q *fileOutbox) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileOutbox) Capacity() int {
	return q.capacity
}

func (q *fileOutbox) Snapshot() []OutboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]OutboxItem(nil), q.items...)
}

func (q *fileOutbox) Close() error {
	return nil
}

func (q *fileOutbox) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOutboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]OutboxItem(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]OutboxItem(nil), snapshot.Items...)
	return nil
}

func (q *fileOutbox) saveLocked() error {
	data, err := json.Marshal(fileOutboxState{Items: append([]OutboxItem(nil), q.items...)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
