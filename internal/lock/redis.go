package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 30 * time.Minute

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisClient is the subset of *redis.Client the locker needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker shares the project lock between hosts. The key expires after
// TTL so a crashed holder cannot wedge the project forever.
type RedisLocker struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisClient dials addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisLocker holds locks for ttl, DefaultTTL when zero.
func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, prefix: "release:lock:", ttl: ttl}
}

func (l *RedisLocker) Key(project string) string {
	return l.prefix + project
}

func (l *RedisLocker) Acquire(ctx context.Context, project string) (Unlock, error) {
	host, _ := os.Hostname()
	me := Holder{Token: uuid.NewString(), PID: os.Getpid(), Host: host, Acquired: time.Now().UTC()}
	data, err := json.Marshal(me)
	if err != nil {
		return nil, err
	}
	key := l.Key(project)
	ok, err := l.client.SetNX(ctx, key, string(data), l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, inProgress(project, l.holder(ctx, key))
	}
	return func() error {
		// Release must survive the caller's cancellation.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.client.Eval(rctx, releaseScript, []string{key}, string(data)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		return nil
	}, nil
}

func (l *RedisLocker) holder(ctx context.Context, key string) *Holder {
	v, err := l.client.Get(ctx, key).Result()
	if err != nil {
		return nil
	}
	var h Holder
	if json.Unmarshal([]byte(v), &h) != nil {
		return nil
	}
	return &h
}
