package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "relaychat/cache/"

// PebbleStateBackend keeps snapshots in an embedded pebble store, one key
// per identity.
type PebbleStateBackend struct {
	db *pebble.DB
}

func NewPebbleStateBackend(path string) (*PebbleStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStateBackend{db: db}, nil
}

func pebbleKey(identity Identity) []byte {
	return []byte(pebbleKeyPrefix + string(identity))
}

func (b *PebbleStateBackend) Load(_ context.Context, identity Identity) (*CacheSnapshot, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}
	value, closer, err := b.db.Get(pebbleKey(identity))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	// value is only valid until closer.Close.
	data := append([]byte(nil), value...)
	return decodeSnapshot(data, identity)
}

func (b *PebbleStateBackend) Save(_ context.Context, identity Identity, snapshot *CacheSnapshot) error {
	if b == nil || b.db == nil || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.db.Set(pebbleKey(identity), data, pebble.Sync)
}

func (b *PebbleStateBackend) Delete(_ context.Context, identity Identity) error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Delete(pebbleKey(identity), pebble.Sync)
}

func (b *PebbleStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
