package relaychat

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewRedisStateBackendParsesTTL(t *testing.T) {
	backend, err := NewRedisStateBackend("redis://localhost:6379/2?ttl=36h")
	if err != nil {
		t.Fatalf("new redis backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	if backend.ttl != 36*time.Hour {
		t.Fatalf("expected ttl 36h, got %s", backend.ttl)
	}
	if got := backend.client.Options().DB; got != 2 {
		t.Fatalf("expected db 2, got %d", got)
	}
	if _, err := NewRedisStateBackend("redis://localhost:6379?ttl=soon"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid ttl error, got %v", err)
	}
}

func TestRedisIntegrationStateBackendRoundTrip(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("RELAYCHAT_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("set RELAYCHAT_TEST_REDIS_URL to run Redis integration tests")
	}
	backend, err := NewRedisStateBackend(url)
	if err != nil {
		t.Fatalf("new redis backend failed: %v", err)
	}
	backend.prefix = "relaychat:it:" + time.Now().Format("150405.000000") + ":"
	t.Cleanup(func() {
		_ = backend.Delete(context.Background(), "bob")
		_ = backend.Close()
	})
	ctx := context.Background()
	if err := backend.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if snapshot, err := backend.Load(ctx, "bob"); err != nil || snapshot != nil {
		t.Fatalf("expected empty initial load, got %+v (err=%v)", snapshot, err)
	}
	if err := backend.Save(ctx, "bob", sampleSnapshot("bob", "cached")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load(ctx, "bob")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil || loaded.Conversations["alice"][0].Content != "cached" {
		t.Fatalf("expected cached snapshot, got %+v", loaded)
	}
}
