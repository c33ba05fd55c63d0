package redis

import (
	"context"
	"testing"
	"time"

	"github.com/4xguy/gtasks-mcp/store"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(ctx) })

	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte(`{"identity":"a@example.com"}`)
	if err := s.Set(ctx, "a@example.com", data, store.WithNamespace(store.NamespaceCredentials)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "a@example.com", store.WithNamespace(store.NamespaceCredentials))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != string(data) {
		t.Fatalf("Get() mismatch: %+v", item)
	}
}

func TestTTLEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "code", []byte("x"), store.WithNamespace(store.NamespaceGrants), store.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	item, err := s.Get(ctx, "code", store.WithNamespace(store.NamespaceGrants))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expired item should be gone")
	}
}

func TestDeleteNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"s1", "s2"} {
		if err := s.Set(ctx, k, []byte("v"), store.WithNamespace(store.NamespaceSessions)); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}
	if err := s.Delete(ctx, store.WithNamespace(store.NamespaceSessions)); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"s1", "s2"} {
		item, err := s.Get(ctx, k, store.WithNamespace(store.NamespaceSessions))
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", k, err)
		}
		if item != nil {
			t.Fatalf("key %s survived namespace delete", k)
		}
	}
}
