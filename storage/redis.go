package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/shopfloor-flow/types"
)

const (
	itemPrefix    = "item:"
	threadPrefix  = "thread:"
	planPrefix    = "plan:"
	plansIndex    = "plans"
	itemsIndex    = "items"
	kindIndexPfx  = "items:"
	threadsIndex  = "threads"
	fieldVersion  = "version"
	fieldData     = "data"
	defaultPrefix = "shopfloor:"
)

// KEYS[1] - record key
// KEYS[2..n] - index lists the id is appended to
// ARGV[1] - record id
// ARGV[2] - version
// ARGV[3] - JSON payload
var createRecordCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "data", ARGV[3])
for i = 2, #KEYS do
	redis.call("RPUSH", KEYS[i], ARGV[1])
end
return 1`)

// KEYS[1] - record key
// ARGV[1] - expected version
// ARGV[2] - new version
// ARGV[3] - JSON payload
var casRecordCmd = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "version")
if not v then
	return -1
end
if v ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "data", ARGV[3])
return 1`)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Each record is a hash holding its version and JSON payload; creation and
// compare-and-swap run as Lua scripts so the version check and the write are atomic.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
	// ConnectRetries bounds the number of extra ping attempts on startup.
	ConnectRetries uint64
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
// The initial ping is retried with exponential backoff.
func NewRedisStorage(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(b, opts.ConnectRetries), ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = defaultPrefix
	}
	return &RedisStorage{client: client, prefix: keyPrefix}
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

// createRecord marshals value and stores it under key if the key is free.
func (s *RedisStorage) createRecord(ctx context.Context, key, id string, version uint64, value interface{}, indexes ...string) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		keys := append([]string{key}, indexes...)
		created, err := createRecordCmd.Run(ctx, s.client, keys, id, strconv.FormatUint(version, 10), data).Int()
		if err != nil {
			return fmt.Errorf("failed to create %s in Redis: %v", key, err)
		}
		if created == 0 {
			return fmt.Errorf("%w: id=%s", types.ErrDuplicateID, id)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a record's payload.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.HGet(ctx, key, fieldData).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", types.ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// casRecord writes value if the stored version still equals expected.
func (s *RedisStorage) casRecord(ctx context.Context, key string, expected, next uint64, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	res, err := casRecordCmd.Run(ctx, s.client, []string{key},
		strconv.FormatUint(expected, 10), strconv.FormatUint(next, 10), data).Int()
	if err != nil {
		return fmt.Errorf("failed to update %s in Redis: %v", key, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: key=%s", types.ErrNotFound, key)
	case 0:
		return fmt.Errorf("%w: key=%s expected version %d", types.ErrConflictingUpdate, key, expected)
	}
	return nil
}

// listFromRedis yields the records named by an index list. The index is read
// with LRANGE each time iteration starts.
func listFromRedis[T any](ctx context.Context, s *RedisStorage, index, recordPrefix string, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		ids, err := s.client.LRange(ctx, index, 0, -1).Result()
		if err != nil {
			yield(zero, fmt.Errorf("failed to read index %s: %v", index, err))
			return
		}
		for _, id := range ids {
			rec, err := getFromRedis[T](ctx, s.client, s.key(recordPrefix, id))
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				yield(zero, err)
				return
			}
			if !match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// CreateItem saves a new item to Redis.
func (s *RedisStorage) CreateItem(ctx context.Context, item types.WorkflowItem) error {
	return s.createRecord(ctx, s.key(itemPrefix, item.ID), item.ID, item.Version, item,
		s.key(itemsIndex), s.key(kindIndexPfx, string(item.Kind)))
}

// GetItem retrieves an item from Redis.
func (s *RedisStorage) GetItem(ctx context.Context, id string) (types.WorkflowItem, error) {
	return getFromRedis[types.WorkflowItem](ctx, s.client, s.key(itemPrefix, id))
}

// ListItems lists items of a kind in creation order.
func (s *RedisStorage) ListItems(ctx context.Context, kind types.Kind, filter types.ItemFilter) iter.Seq2[types.WorkflowItem, error] {
	index := s.key(itemsIndex)
	if kind != "" {
		index = s.key(kindIndexPfx, string(kind))
	}
	return listFromRedis(ctx, s, index, itemPrefix, filter.Match)
}

// UpdateItem reads the item, applies mutate and writes it back with a
// version-checked script.
func (s *RedisStorage) UpdateItem(ctx context.Context, id string, expectedVersion uint64, mutate ItemMutator) (types.WorkflowItem, error) {
	return withContext(ctx, func() (types.WorkflowItem, error) {
		current, err := s.GetItem(ctx, id)
		if err != nil {
			return types.WorkflowItem{}, err
		}
		if current.Version != expectedVersion {
			return types.WorkflowItem{}, fmt.Errorf("%w: id=%s expected version %d, stored %d",
				types.ErrConflictingUpdate, id, expectedVersion, current.Version)
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return types.WorkflowItem{}, err
		}
		next.ID = current.ID
		next.Kind = current.Kind
		next.Version = current.Version + 1
		if err := s.casRecord(ctx, s.key(itemPrefix, id), expectedVersion, next.Version, next); err != nil {
			return types.WorkflowItem{}, err
		}
		return next, nil
	})
}

// CreateThread saves a new feedback thread to Redis.
func (s *RedisStorage) CreateThread(ctx context.Context, thread types.FeedbackThread) error {
	return s.createRecord(ctx, s.key(threadPrefix, thread.ID), thread.ID, thread.Version, thread, s.key(threadsIndex))
}

// GetThread retrieves a feedback thread from Redis.
func (s *RedisStorage) GetThread(ctx context.Context, id string) (types.FeedbackThread, error) {
	return getFromRedis[types.FeedbackThread](ctx, s.client, s.key(threadPrefix, id))
}

// ListThreads lists feedback threads in creation order.
func (s *RedisStorage) ListThreads(ctx context.Context, filter types.ThreadFilter) iter.Seq2[types.FeedbackThread, error] {
	return listFromRedis(ctx, s, s.key(threadsIndex), threadPrefix, filter.Match)
}

// UpdateThread reads the thread, applies mutate and writes it back with a
// version-checked script.
func (s *RedisStorage) UpdateThread(ctx context.Context, id string, expectedVersion uint64, mutate ThreadMutator) (types.FeedbackThread, error) {
	return withContext(ctx, func() (types.FeedbackThread, error) {
		current, err := s.GetThread(ctx, id)
		if err != nil {
			return types.FeedbackThread{}, err
		}
		if current.Version != expectedVersion {
			return types.FeedbackThread{}, fmt.Errorf("%w: id=%s expected version %d, stored %d",
				types.ErrConflictingUpdate, id, expectedVersion, current.Version)
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return types.FeedbackThread{}, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		if err := s.casRecord(ctx, s.key(threadPrefix, id), expectedVersion, next.Version, next); err != nil {
			return types.FeedbackThread{}, err
		}
		return next, nil
	})
}

// CreatePlan saves a new manpower plan to Redis.
func (s *RedisStorage) CreatePlan(ctx context.Context, plan types.ManpowerPlan) error {
	return s.createRecord(ctx, s.key(planPrefix, plan.ID), plan.ID, plan.Version, plan, s.key(plansIndex))
}

// GetPlan retrieves a manpower plan from Redis.
func (s *RedisStorage) GetPlan(ctx context.Context, id string) (types.ManpowerPlan, error) {
	return getFromRedis[types.ManpowerPlan](ctx, s.client, s.key(planPrefix, id))
}

// ListPlans lists manpower plans in creation order.
func (s *RedisStorage) ListPlans(ctx context.Context, filter types.PlanFilter) iter.Seq2[types.ManpowerPlan, error] {
	return listFromRedis(ctx, s, s.key(plansIndex), planPrefix, filter.Match)
}

// UpdatePlan reads the plan, applies mutate and writes it back with a
// version-checked script.
func (s *RedisStorage) UpdatePlan(ctx context.Context, id string, expectedVersion uint64, mutate PlanMutator) (types.ManpowerPlan, error) {
	return withContext(ctx, func() (types.ManpowerPlan, error) {
		current, err := s.GetPlan(ctx, id)
		if err != nil {
			return types.ManpowerPlan{}, err
		}
		if current.Version != expectedVersion {
			return types.ManpowerPlan{}, fmt.Errorf("%w: id=%s expected version %d, stored %d",
				types.ErrConflictingUpdate, id, expectedVersion, current.Version)
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return types.ManpowerPlan{}, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		if err := s.casRecord(ctx, s.key(planPrefix, id), expectedVersion, next.Version, next); err != nil {
			return types.ManpowerPlan{}, err
		}
		return next, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

var _ Storage = (*RedisStorage)(nil)
