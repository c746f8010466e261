package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, 30*time.Minute), mr
}

func TestRedisStoreLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tx, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tx.Key == "" {
		t.Fatal("Create returned empty key")
	}
	if tx.Check() == "" {
		t.Fatal("Create returned transaction without check secret")
	}

	got, err := store.Fetch(ctx, tx.Key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Key != tx.Key || got.Check() != tx.Check() {
		t.Fatalf("Fetch = %+v, want %+v", got, tx)
	}

	tx.Values["flow"] = "openid"
	if err := store.Save(ctx, tx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err = store.Fetch(ctx, tx.Key)
	if err != nil {
		t.Fatalf("Fetch after Save: %v", err)
	}
	if got.Values["flow"] != "openid" {
		t.Fatalf("saved value not persisted: %+v", got.Values)
	}

	if err := store.Delete(ctx, tx.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Fetch(ctx, tx.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch after Delete: err = %v, want ErrNotFound", err)
	}

	// Deleting again is not an error.
	if err := store.Delete(ctx, tx.Key); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
}

func TestRedisStoreFetchUnknownKey(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Fetch(context.Background(), "no-such-key")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch: err = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreConcurrentCreateUniqueKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const n = 50

	var (
		mu   sync.Mutex
		keys = make(map[string]bool, n)
		wg   sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := store.Create(ctx)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if keys[tx.Key] {
				t.Errorf("duplicate key from concurrent Create: %s", tx.Key)
			}
			keys[tx.Key] = true
		}()
	}
	wg.Wait()
}

func TestRedisStoreReapsAbandonedTransactions(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	tx, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mr.FastForward(30*time.Minute + ttlSlack + time.Second)

	if _, err := store.Fetch(ctx, tx.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch after TTL: err = %v, want ErrNotFound", err)
	}
}
