package saga

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

/*
Redis Schema:

- Hash: saga:{id} - fields blob (msgpack Execution), status, version
- Set: saga:by_name:{name} - saga IDs by name
- Set: saga:by_status:{status} - saga IDs by status
- Sorted Set: saga:by_time - saga IDs scored by initiated_at (unix ms)

Create and Update run as Lua scripts so the version check, the write and the
status index move are atomic. The scripts derive index keys from the prefix,
so the store targets a single node or Sentinel deployment, not Cluster.
*/

var redisCreateScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'blob', ARGV[2], 'status', ARGV[3], 'version', 1)
	redis.call('SADD', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[3], ARGV[1])
	redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
	return 1
`)

var redisUpdateScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'version')
	if not current then
		return -1
	end
	if tonumber(current) ~= tonumber(ARGV[4]) then
		return 0
	end
	local old = redis.call('HGET', KEYS[1], 'status')
	redis.call('HSET', KEYS[1], 'blob', ARGV[2], 'status', ARGV[3], 'version', tonumber(current) + 1)
	if old ~= ARGV[3] then
		redis.call('SREM', ARGV[5] .. old, ARGV[1])
		redis.call('SADD', ARGV[5] .. ARGV[3], ARGV[1])
	end
	return 1
`)

// RedisStore is a Redis-based saga store.
//
// Executions are stored as msgpack blobs in a hash per saga, with set
// indexes by name and status and a time-ordered sorted set for listing.
// Records never expire.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := saga.NewRedisStore(rdb).WithKeyPrefix("finvest:saga:")
type RedisStore struct {
	client       redis.Cmdable
	prefix       string
	namePrefix   string
	statusPrefix string
	timeKey      string
}

// NewRedisStore creates a new Redis saga store with the "saga:" key prefix.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return (&RedisStore{client: client}).WithKeyPrefix("saga:")
}

// WithKeyPrefix sets a custom key prefix.
//
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.namePrefix = prefix + "by_name:"
	s.statusPrefix = prefix + "by_status:"
	s.timeKey = prefix + "by_time"
	return s
}

// Create persists a new execution.
func (s *RedisStore) Create(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}
	blob, err := msgpack.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	keys := []string{
		s.prefix + exec.ID,
		s.namePrefix + exec.Name,
		s.statusPrefix + string(exec.Status),
		s.timeKey,
	}
	created, err := redisCreateScript.Run(ctx, s.client, keys,
		exec.ID, blob, string(exec.Status), exec.InitiatedAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ID)
	}

	exec.Version = 1
	return nil
}

// Get retrieves an execution by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Execution, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+id, "blob", "version").Result()
	if err != nil {
		return nil, fmt.Errorf("hmget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeRedisExecution(vals[0], vals[1])
}

func decodeRedisExecution(blob, version any) (*Execution, error) {
	raw, ok := blob.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected blob type %T", blob)
	}
	var exec Execution
	if err := msgpack.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if v, ok := version.(string); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version: %w", err)
		}
		exec.Version = n
	}
	return &exec, nil
}

// Update replaces an execution if its version matches.
func (s *RedisStore) Update(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}
	blob, err := msgpack.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	res, err := redisUpdateScript.Run(ctx, s.client, []string{s.prefix + exec.ID},
		exec.ID, blob, string(exec.Status), exec.Version, s.statusPrefix).Int()
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, exec.ID)
	case 0:
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, exec.ID, exec.Version)
	}

	exec.Version++
	return nil
}

// List returns executions matching the filter, newest first.
//
// Name and status narrow the candidates through the set indexes; the other
// criteria are applied after loading.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	var ids []string
	var err error

	switch {
	case len(filter.Status) > 0:
		keys := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			keys[i] = s.statusPrefix + string(status)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	case filter.Name != "":
		ids, err = s.client.SMembers(ctx, s.namePrefix+filter.Name).Result()
	default:
		ids, err = s.client.ZRevRange(ctx, s.timeKey, 0, -1).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("index: %w", err)
	}

	var results []*Execution
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(exec) {
			results = append(results, exec)
		}
	}
	return filter.page(results), nil
}

// CountByStatus returns the number of executions per status.
func (s *RedisStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	counts := make(map[Status]int64)
	for _, status := range Statuses() {
		n, err := s.client.SCard(ctx, s.statusPrefix+string(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("scard: %w", err)
		}
		if n > 0 {
			counts[status] = n
		}
	}
	return counts, nil
}

// Count returns the total number of executions.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.timeKey).Result()
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
