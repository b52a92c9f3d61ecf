package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOperationTimeout = 5 * time.Second

// RedisStateBackend keeps snapshots in redis under "relaychat:cache:<identity>".
// A "ttl" query parameter on the DSN expires idle caches.
type RedisStateBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStateBackend(dsn string) (*RedisStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	query := parsed.Query()
	if raw := query.Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: ttl %q", ErrInvalidInput, raw)
		}
		query.Del("ttl")
		parsed.RawQuery = query.Encode()
	}
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{
		client: redis.NewClient(opts),
		prefix: "relaychat:cache:",
		ttl:    ttl,
	}, nil
}

func (b *RedisStateBackend) key(identity Identity) string {
	return b.prefix + string(identity)
}

func (b *RedisStateBackend) Load(ctx context.Context, identity Identity) (*CacheSnapshot, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data, identity)
}

func (b *RedisStateBackend) Save(ctx context.Context, identity Identity, snapshot *CacheSnapshot) error {
	if b == nil || b.client == nil || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key(identity), data, b.ttl).Err()
}

func (b *RedisStateBackend) Delete(ctx context.Context, identity Identity) error {
	if b == nil || b.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.client.Del(ctx, b.key(identity)).Err()
}

func (b *RedisStateBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
