package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replayflow/replayflow/pkg/errors"
)

// RedisConfig configures the Redis completion store.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379").
	Address string

	// Password for Redis authentication (optional).
	Password string

	// Database number to use (default 0).
	Database int

	// Prefix is prepended to all keys.
	Prefix string

	// TTL expires completion records; zero keeps them forever.
	TTL time.Duration

	// Timeout bounds each Redis operation.
	Timeout time.Duration

	// PoolSize is the maximum number of connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "replayflow:done:",
		TTL:          0,
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisStore keeps completion records in Redis so multiple batch hosts
// can share one resume log.
type RedisStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeCheckpoint, "connecting to redis")
	}
	return &RedisStore{cfg: cfg, client: client}, nil
}

func (s *RedisStore) key(replay string) string {
	return s.cfg.Prefix + replay
}

func (s *RedisStore) indexKey() string {
	return s.cfg.Prefix + "index"
}

// IsDone reports whether a completion record exists.
func (s *RedisStore) IsDone(ctx context.Context, replay string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := s.client.Get(ctx, s.key(replay)).Err()
	if err == nil {
		return true, nil
	}
	if err == redis.Nil {
		return false, nil
	}
	return false, errors.Wrap(err, errors.CodeCheckpoint, "checking completion record")
}

// MarkDone records the entry and indexes its stem.
func (s *RedisStore) MarkDone(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "encoding completion record")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(e.Replay), data, s.cfg.TTL)
	pipe.SAdd(ctx, s.indexKey(), e.Replay)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "writing completion record")
	}
	return nil
}

// Done lists all completion records, sorted by replay stem. Index
// members whose record expired are pruned as they are found.
func (s *RedisStore) Done(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stems, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCheckpoint, "listing completion records")
	}

	var out []Entry
	for _, stem := range stems {
		data, err := s.client.Get(ctx, s.key(stem)).Bytes()
		if err == redis.Nil {
			s.client.SRem(ctx, s.indexKey(), stem)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeCheckpoint, "reading completion record")
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Clear removes every completion record and the index.
func (s *RedisStore) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stems, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "listing completion records")
	}
	pipe := s.client.Pipeline()
	for _, stem := range stems {
		pipe.Del(ctx, s.key(stem))
	}
	pipe.Del(ctx, s.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "clearing completion records")
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
