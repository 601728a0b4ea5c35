package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each profile as JSON under <prefix>profile:<name> and
// the set of names under <prefix>profiles.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %v", tunnelerr.ErrPersistence, err)
	}
	return &RedisStore{client: rdb, prefix: prefix}, nil
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) profileKey(name string) string { return r.prefix + "profile:" + name }
func (r *RedisStore) indexKey() string              { return r.prefix + "profiles" }

// Close releases the client
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) LoadAll(ctx context.Context) *async.Future[[]TunnelConfiguration] {
	f := async.New[[]TunnelConfiguration]()
	go func() {
		names, err := r.client.SMembers(ctx, r.indexKey()).Result()
		if err != nil {
			f.Fail(fmt.Errorf("%w: redis smembers: %v", tunnelerr.ErrPersistence, err))
			return
		}
		if len(names) == 0 {
			f.Complete(nil)
			return
		}
		sort.Strings(names)

		keys := make([]string, len(names))
		for i, n := range names {
			keys[i] = r.profileKey(n)
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			f.Fail(fmt.Errorf("%w: redis mget: %v", tunnelerr.ErrPersistence, err))
			return
		}

		out := make([]TunnelConfiguration, 0, len(vals))
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				// indexed but the value is gone
				continue
			}
			var cfg TunnelConfiguration
			if err := json.Unmarshal([]byte(s), &cfg); err != nil {
				f.Fail(fmt.Errorf("%w: decode %s: %v", tunnelerr.ErrPersistence, keys[i], err))
				return
			}
			out = append(out, cfg)
		}
		f.Complete(out)
	}()
	return f
}

func (r *RedisStore) Load(ctx context.Context, name string) *async.Future[TunnelConfiguration] {
	f := async.New[TunnelConfiguration]()
	go func() {
		val, err := r.client.Get(ctx, r.profileKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			f.CompleteAbsent()
			return
		}
		if err != nil {
			f.Fail(fmt.Errorf("%w: redis get: %v", tunnelerr.ErrPersistence, err))
			return
		}
		var cfg TunnelConfiguration
		if err := json.Unmarshal([]byte(val), &cfg); err != nil {
			f.Fail(fmt.Errorf("%w: decode %s: %v", tunnelerr.ErrPersistence, name, err))
			return
		}
		f.Complete(cfg)
	}()
	return f
}

func (r *RedisStore) Save(ctx context.Context, cfg TunnelConfiguration) *async.Future[struct{}] {
	if err := validate(cfg); err != nil {
		return async.Failed[struct{}](err)
	}

	f := async.New[struct{}]()
	go func() {
		data, err := json.Marshal(cfg)
		if err != nil {
			f.Fail(fmt.Errorf("%w: marshal: %v", tunnelerr.ErrPersistence, err))
			return
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.profileKey(cfg.Name), data, 0)
			pipe.SAdd(ctx, r.indexKey(), cfg.Name)
			return nil
		})
		if err != nil {
			f.Fail(fmt.Errorf("%w: redis save: %v", tunnelerr.ErrPersistence, err))
			return
		}
		f.Complete(struct{}{})
	}()
	return f
}
