package hatim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hatim-circle/backend/internal/models"
)

const (
	publicListKey        = "hatim:list:public"
	publicListVersionKey = "hatim:list:public:version"
)

// ListCache caches the public hatim list. A miss is reported with ok=false.
// Every Invalidate bumps the version; Set stores the list only while the
// version still equals the one read before the list was loaded.
type ListCache interface {
	Get(ctx context.Context) (list []*models.Hatim, ok bool, err error)
	Version(ctx context.Context) (int64, error)
	Set(ctx context.Context, version int64, list []*models.Hatim) error
	Invalidate(ctx context.Context) error
}

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context) ([]*models.Hatim, bool, error) { return nil, false, nil }
func (NopCache) Version(context.Context) (int64, error)             { return 0, nil }
func (NopCache) Set(context.Context, int64, []*models.Hatim) error  { return nil }
func (NopCache) Invalidate(context.Context) error                   { return nil }

// RedisListCache stores the public list as one JSON value with a TTL.
type RedisListCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisListCache creates a cache on client. ttl <= 0 defaults to one minute.
func NewRedisListCache(client redis.UniversalClient, ttl time.Duration) *RedisListCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisListCache{client: client, ttl: ttl}
}

func (c *RedisListCache) Get(ctx context.Context) ([]*models.Hatim, bool, error) {
	raw, err := c.client.Get(ctx, publicListKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached list: %w", err)
	}
	var list []*models.Hatim
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, fmt.Errorf("decode cached list: %w", err)
	}
	return list, true, nil
}

func (c *RedisListCache) Version(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, publicListVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get list version: %w", err)
	}
	return v, nil
}

func (c *RedisListCache) Set(ctx context.Context, version int64, list []*models.Hatim) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode list: %w", err)
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, publicListVersionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, publicListKey, raw, c.ttl)
			return nil
		})
		return err
	}, publicListVersionKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set cached list: %w", err)
	}
	return nil
}

func (c *RedisListCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, publicListVersionKey)
		pipe.Del(ctx, publicListKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cached list: %w", err)
	}
	return nil
}
