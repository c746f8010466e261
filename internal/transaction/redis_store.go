package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ttlSlack keeps store entries alive a little past the cookie lifetime
// so a request racing the expiry still resolves, while guaranteeing
// abandoned transactions are eventually reaped server-side.
const ttlSlack = 5 * time.Minute

type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed transaction store. timeout is
// the transaction cookie lifetime; entries outlive it by a small slack
// and are then expired by Redis itself.
func NewRedisStore(client *redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "transaction:",
		ttl:    timeout + ttlSlack,
	}
}

func (r *RedisStore) key(txKey string) string {
	return r.prefix + txKey
}

func (r *RedisStore) Create(ctx context.Context) (*Transaction, error) {
	// SetNX enforces key uniqueness; a collision simply rolls new ids.
	for attempt := 0; attempt < 5; attempt++ {
		tx, err := newTransaction()
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("transaction: failed to marshal: %w", err)
		}

		ok, err := r.client.SetNX(ctx, r.key(tx.Key), data, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("transaction: could not allocate a unique key")
}

func (r *RedisStore) Fetch(ctx context.Context, key string) (*Transaction, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal([]byte(val), &tx); err != nil {
		return nil, fmt.Errorf("transaction: failed to unmarshal: %w", err)
	}
	return &tx, nil
}

func (r *RedisStore) Save(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.Key == "" {
		return fmt.Errorf("transaction: missing key")
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("transaction: failed to marshal: %w", err)
	}

	// Saving refreshes the server-side TTL alongside the cookie refresh.
	return r.client.Set(ctx, r.key(tx.Key), data, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
