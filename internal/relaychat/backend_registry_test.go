package relaychat

import (
	"testing"
)

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered state backend factory")
	}
}

func TestRegisterOutboxFactory(t *testing.T) {
	scheme := "OutboxTestCustom"
	RegisterOutboxFactory(scheme, func(dsn string, capacity int) (OutboxQueue, error) {
		return NewInMemoryOutbox(capacity), nil
	})
	queue, err := BuildOutboxFromDSN("outboxtestcustom://example", 17)
	if err != nil {
		t.Fatalf("build outbox via registered factory failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue from registered outbox factory")
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", queue.Capacity())
	}
}

func TestRegisterIgnoresEmptyScheme(t *testing.T) {
	RegisterStateBackendFactory("  ", func(string) (StateBackend, error) { return nil, nil })
	if _, ok := lookupStateBackendFactory(""); ok {
		t.Fatalf("expected empty scheme to be ignored")
	}
}
