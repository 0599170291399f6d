// Package redis stores reservation request keys in Redis so that retried
// requests are recognised across server instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/circulation-engine/circulation"
)

const (
	keyPrefix    = "circulation:reqkey:"
	pendingValue = "pending"
	donePrefix   = "done:"

	DefaultTTL = 24 * time.Hour
)

// Keys implements circulation.IdempotencyStore.
//
// A key is claimed with SET NX, so of two concurrent requests with the same
// key exactly one sees KeyNew.
type Keys struct {
	client *redis.Client
	ttl    time.Duration
}

var _ circulation.IdempotencyStore = (*Keys)(nil)

// NewClient opens a pooled client with the timeouts used by the server.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewKeys(client *redis.Client, ttl time.Duration) *Keys {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Keys{client: client, ttl: ttl}
}

// Ping verifies the connection.
func (k *Keys) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := k.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (k *Keys) Begin(ctx context.Context, key string) (circulation.IdempotencyState, circulation.CopyID, error) {
	rk := redisKey(key)

	// Two rounds: the key may expire between a failed SETNX and the GET.
	for i := 0; i < 2; i++ {
		ok, err := k.client.SetNX(ctx, rk, pendingValue, k.ttl).Result()
		if err != nil {
			return circulation.KeyNew, "", fmt.Errorf("failed to claim request key: %w", err)
		}
		if ok {
			return circulation.KeyNew, "", nil
		}

		val, err := k.client.Get(ctx, rk).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return circulation.KeyNew, "", fmt.Errorf("failed to read request key: %w", err)
		}
		state, id := decodeValue(val)
		return state, id, nil
	}
	return circulation.KeyPending, "", nil
}

func (k *Keys) Complete(ctx context.Context, key string, id circulation.CopyID) error {
	if err := k.client.Set(ctx, redisKey(key), encodeDone(id), k.ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete request key: %w", err)
	}
	return nil
}

func (k *Keys) Release(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release request key: %w", err)
	}
	return nil
}

func redisKey(key string) string {
	return keyPrefix + key
}

func encodeDone(id circulation.CopyID) string {
	return donePrefix + string(id)
}

func decodeValue(val string) (circulation.IdempotencyState, circulation.CopyID) {
	if id, ok := strings.CutPrefix(val, donePrefix); ok && id != "" {
		return circulation.KeyCompleted, circulation.CopyID(id)
	}
	return circulation.KeyPending, ""
}
