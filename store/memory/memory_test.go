package memory

import (
	"context"
	"testing"
	"time"

	"github.com/4xguy/gtasks-mcp/store"
)

func TestSetAndGet(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	data := []byte(`{"title":"buy milk"}`)

	if err := s.Set(ctx, "task-1", data, store.WithNamespace(store.NamespaceGrants)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "task-1", store.WithNamespace(store.NamespaceGrants))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != string(data) {
		t.Fatalf("Get() returned wrong data: got %s, want %s", item.Data, data)
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	defer s.Close()

	item, err := s.Get(context.Background(), "nope", store.WithNamespace(store.NamespaceTokens))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("Get() on missing key returned item: %+v", item)
	}
}

func TestExpiry(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "ephemeral", []byte("x"), store.WithNamespace(store.NamespaceTokens), store.WithTTL(10*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	item, err := s.Get(ctx, "ephemeral", store.WithNamespace(store.NamespaceTokens))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expired item should behave like a missing one")
	}
}

func TestDeleteKey(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "sess-1", []byte("a"), store.WithNamespace(store.NamespaceSessions)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Delete(ctx, store.WithNamespace(store.NamespaceSessions), store.WithKey("sess-1")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	item, err := s.Get(ctx, "sess-1", store.WithNamespace(store.NamespaceSessions))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("deleted key still resolves")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "same-key", []byte("grant"), store.WithNamespace(store.NamespaceGrants)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "same-key", []byte("token"), store.WithNamespace(store.NamespaceTokens)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	// Wiping one namespace must not touch the other.
	if err := s.Delete(ctx, store.WithNamespace(store.NamespaceGrants)); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	item, err := s.Get(ctx, "same-key", store.WithNamespace(store.NamespaceGrants))
	if err != nil || item != nil {
		t.Fatalf("grants namespace should be empty, got item=%v err=%v", item, err)
	}
	item, err = s.Get(ctx, "same-key", store.WithNamespace(store.NamespaceTokens))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "token" {
		t.Fatalf("tokens namespace lost its item: %+v", item)
	}
}
