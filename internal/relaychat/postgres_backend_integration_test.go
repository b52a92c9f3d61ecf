package relaychat

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("relaychat_cache_it")
	t.Cleanup(func() {
		_ = CloseStateBackend(backend)
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	ctx := context.Background()
	snapshot, err := backend.Load(ctx, "bob")
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}
	if err := backend.Save(ctx, "bob", sampleSnapshot("bob", "first")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Save(ctx, "bob", sampleSnapshot("bob", "second")); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	loaded, err := backend.Load(ctx, "bob")
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Conversations["alice"][0].Content != "second" {
		t.Fatalf("expected latest snapshot, got %+v", loaded)
	}
	other, err := backend.Load(ctx, "carol")
	if err != nil || other != nil {
		t.Fatalf("expected identities to be isolated, got %+v (err=%v)", other, err)
	}
	if err := backend.Delete(ctx, "bob"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}

func TestPostgresIntegrationOutboxFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresOutbox(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres outbox: %v", err)
	}
	pg, ok := queue.(*PostgresOutbox)
	if !ok {
		t.Fatalf("expected *PostgresOutbox, got %T", queue)
	}
	pg.tableName = postgresIntegrationTableName("relaychat_outbox_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	if !queue.TryEnqueue(outboxItem("01A")) {
		t.Fatalf("expected enqueue 01A to succeed")
	}
	if !queue.TryEnqueue(outboxItem("01B")) {
		t.Fatalf("expected enqueue 01B to succeed")
	}
	if queue.TryEnqueue(outboxItem("01C")) {
		t.Fatalf("expected enqueue 01C to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}
	snapshot := queue.Snapshot()
	if len(snapshot) != 2 || snapshot[0].LocalID != "01A" || snapshot[1].LocalID != "01B" {
		t.Fatalf("unexpected snapshot order/content: %+v", snapshot)
	}
	if head, ok := queue.Peek(); !ok || head.LocalID != "01A" || queue.Depth() != 2 {
		t.Fatalf("expected peek of 01A without consuming, got ok=%v item=%+v", ok, head)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.LocalID != "01A" {
		t.Fatalf("expected first dequeue 01A, got ok=%v item=%+v", ok, first)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.LocalID != "01B" {
		t.Fatalf("expected second dequeue 01B, got ok=%v item=%+v", ok, second)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationOutboxCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresOutbox(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres outbox: %v", err)
	}
	pg := queue.(*PostgresOutbox)
	pg.tableName = postgresIntegrationTableName("relaychat_outbox_race_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if queue.TryEnqueue(outboxItem(fmt.Sprintf("01R%02d", n))) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCHAT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCHAT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
