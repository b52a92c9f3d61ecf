package relaychat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func outboxItem(localID string) OutboxItem {
	return OutboxItem{
		LocalID:     localID,
		Identity:    "bob",
		Destination: "/app/chat.send",
		Body:        json.RawMessage(`{"sender":"bob","content":"hi"}`),
		EnqueuedAt:  baseTime,
	}
}

func TestFileOutboxPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	queue, err := NewFileOutbox(path, 4)
	if err != nil {
		t.Fatalf("new file outbox failed: %v", err)
	}
	if !queue.TryEnqueue(outboxItem("01A")) || !queue.TryEnqueue(outboxItem("01B")) {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFileOutbox(path, 4)
	if err != nil {
		t.Fatalf("reopen file outbox failed: %v", err)
	}
	if got := reopened.Snapshot(); len(got) != 2 || got[0].LocalID != "01A" {
		t.Fatalf("unexpected snapshot after reopen: %+v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.LocalID != "01A" {
		t.Fatalf("expected first dequeued item 01A, got %+v (ok=%v)", first, ok)
	}
	if string(first.Body) != `{"sender":"bob","content":"hi"}` {
		t.Fatalf("expected body to survive reopen, got %s", first.Body)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.LocalID != "01B" {
		t.Fatalf("expected second dequeued item 01B, got %+v (ok=%v)", second, ok)
	}
}

func TestFileOutboxCapacityAndTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity-outbox.json")
	queue, err := NewFileOutbox(path, 1)
	if err != nil {
		t.Fatalf("new outbox failed: %v", err)
	}
	if !queue.TryEnqueue(outboxItem("01CAP1")) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(outboxItem("01CAP2")) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}

func TestOutboxRejectsItemsWithoutDestination(t *testing.T) {
	queue := NewInMemoryOutbox(2)
	item := outboxItem("01X")
	item.Destination = ""
	if queue.TryEnqueue(item) {
		t.Fatalf("expected invalid item to be rejected")
	}
	if !queue.TryEnqueue(outboxItem("01B")) || !queue.TryEnqueue(outboxItem("01A")) {
		t.Fatalf("expected enqueue to succeed")
	}
	snapshot := queue.Snapshot()
	if len(snapshot) != 2 || snapshot[0].LocalID != "01B" {
		t.Fatalf("expected snapshot in enqueue order, got %+v", snapshot)
	}
	if item, ok := queue.TryDequeue(); !ok || item.LocalID != "01B" {
		t.Fatalf("expected fifo dequeue of 01B, got %+v (ok=%v)", item, ok)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", queue.Depth())
	}
}

func TestOutboxPeekKeepsHeadUntilRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peek-outbox.json")
	fileQueue, err := NewFileOutbox(path, 4)
	if err != nil {
		t.Fatalf("new file outbox failed: %v", err)
	}
	queues := map[string]OutboxQueue{
		"memory": NewInMemoryOutbox(4),
		"file":   fileQueue,
	}
	for name, queue := range queues {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"01A", "01B", "01C"} {
				if !queue.TryEnqueue(outboxItem(id)) {
					t.Fatalf("enqueue %s failed", id)
				}
			}
			head, ok := queue.Peek()
			if !ok || head.LocalID != "01A" {
				t.Fatalf("expected head 01A, got %+v (ok=%v)", head, ok)
			}
			if again, _ := queue.Peek(); again.LocalID != "01A" || queue.Depth() != 3 {
				t.Fatalf("peek must not consume, got %+v depth %d", again, queue.Depth())
			}
			if !queue.Remove("01A") {
				t.Fatalf("expected remove of head to succeed")
			}
			if queue.Remove("01A") {
				t.Fatalf("expected second remove to report missing item")
			}
			if next, ok := queue.Peek(); !ok || next.LocalID != "01B" {
				t.Fatalf("expected head 01B after remove, got %+v (ok=%v)", next, ok)
			}
		})
	}

	reopened, err := NewFileOutbox(path, 4)
	if err != nil {
		t.Fatalf("reopen file outbox failed: %v", err)
	}
	if got := reopened.Snapshot(); len(got) != 2 || got[0].LocalID != "01B" {
		t.Fatalf("expected removal to persist, got %+v", got)
	}
}

func TestInMemoryOutboxDequeueWaitsForEnqueue(t *testing.T) {
	queue := NewInMemoryOutbox(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan OutboxItem, 1)
	go func() {
		item, _ := queue.Dequeue(ctx)
		got <- item
	}()
	time.Sleep(10 * time.Millisecond)
	if !queue.Enqueue(ctx, outboxItem("01W")) {
		t.Fatalf("expected blocking enqueue to succeed")
	}
	if item := <-got; item.LocalID != "01W" {
		t.Fatalf("expected waiting dequeue to receive 01W, got %+v", item)
	}
}
