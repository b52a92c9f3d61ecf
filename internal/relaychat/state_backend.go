package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const cacheSnapshotVersion = 1

// CacheSnapshot is the durable copy of one identity's private conversations,
// keyed by peer identity.
type CacheSnapshot struct {
	Version       int                    `json:"version"`
	Identity      Identity               `json:"identity"`
	SavedAt       time.Time              `json:"savedAt"`
	Conversations map[Identity][]Message `json:"conversations"`
}

// NewCacheSnapshot builds a snapshot for local from the store's private
// conversation state.
func NewCacheSnapshot(local Identity, conversations map[ConversationKey][]Message, savedAt time.Time) *CacheSnapshot {
	out := &CacheSnapshot{
		Version:       cacheSnapshotVersion,
		Identity:      local,
		SavedAt:       savedAt,
		Conversations: make(map[Identity][]Message, len(conversations)),
	}
	for key, log := range conversations {
		if !key.Contains(local) {
			continue
		}
		out.Conversations[key.Peer(local)] = append([]Message(nil), log...)
	}
	return out
}

// ConversationMap expands the snapshot back into conversation keys.
func (s *CacheSnapshot) ConversationMap() map[ConversationKey][]Message {
	if s == nil {
		return nil
	}
	out := make(map[ConversationKey][]Message, len(s.Conversations))
	for peer, log := range s.Conversations {
		if !peer.Valid() {
			continue
		}
		key := NewConversationKey(s.Identity, peer)
		out[key] = append([]Message(nil), log...)
	}
	return out
}

// Peers lists the peers the snapshot knows about, sorted.
func (s *CacheSnapshot) Peers() []Identity {
	if s == nil {
		return nil
	}
	peers := make([]Identity, 0, len(s.Conversations))
	for peer := range s.Conversations {
		if peer.Valid() {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// StateBackend persists cache snapshots keyed by identity. Load returns nil
// without error when nothing has been saved.
type StateBackend interface {
	Load(ctx context.Context, identity Identity) (*CacheSnapshot, error)
	Save(ctx context.Context, identity Identity, snapshot *CacheSnapshot) error
	Delete(ctx context.Context, identity Identity) error
}

type stateBackendCloser interface {
	Close() error
}

// CloseStateBackend releases backend resources when the backend holds any.
func CloseStateBackend(backend StateBackend) error {
	if closer, ok := backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func cloneSnapshot(snapshot *CacheSnapshot) (*CacheSnapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone CacheSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func decodeSnapshot(data []byte, identity Identity) (*CacheSnapshot, error) {
	var snapshot CacheSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Identity == "" {
		snapshot.Identity = identity
	}
	if snapshot.Identity != identity {
		return nil, fmt.Errorf("%w: snapshot belongs to %q", ErrInvalidState, snapshot.Identity)
	}
	return &snapshot, nil
}

type InMemoryStateBackend struct {
	mu        sync.Mutex
	snapshots map[Identity]*CacheSnapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{snapshots: make(map[Identity]*CacheSnapshot)}
}

func (b *InMemoryStateBackend) Load(_ context.Context, identity Identity) (*CacheSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, ok := b.snapshots[identity]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(snapshot)
}

func (b *InMemoryStateBackend) Save(_ context.Context, identity Identity, snapshot *CacheSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[identity] = clone
	return nil
}

func (b *InMemoryStateBackend) Delete(_ context.Context, identity Identity) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, identity)
	return nil
}

// JSONFileStateBackend stores one JSON document per identity under Dir.
// Writers take an advisory lock so two clients sharing a cache directory do
// not interleave partial writes.
type JSONFileStateBackend struct {
	Dir string
}

func NewJSONFileStateBackend(dir string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONFileStateBackend) pathFor(identity Identity) string {
	return filepath.Join(b.Dir, "chat-private-"+url.PathEscape(string(identity))+".json")
}

func (b *JSONFileStateBackend) Load(_ context.Context, identity Identity) (*CacheSnapshot, error) {
	if b == nil || b.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.pathFor(identity))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(data, identity)
}

func (b *JSONFileStateBackend) Save(_ context.Context, identity Identity, snapshot *CacheSnapshot) error {
	if b == nil || b.Dir == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.pathFor(identity)
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *JSONFileStateBackend) Delete(_ context.Context, identity Identity) error {
	if b == nil || b.Dir == "" {
		return nil
	}
	path := b.pathFor(identity)
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
