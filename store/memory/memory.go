// Package memory provides the in-process store backend. It is the default
// for single-node deployments and tests; use the redis backend when the
// gateway must share state across processes.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/4xguy/gtasks-mcp/store"
)

const sweepInterval = 5 * time.Minute

// Store implements store.Store with a mutex-guarded map and a background
// sweep for expired items.
type Store struct {
	mu    sync.RWMutex
	items map[string]*store.Item
	done  chan struct{}
	once  sync.Once
}

// New creates an empty in-memory store and starts its expiry sweep.
func New() *Store {
	s := &Store{
		items: make(map[string]*store.Item),
		done:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *Store) Get(ctx context.Context, key string, opts ...store.Option) (*store.Item, error) {
	options := store.Apply(opts)
	k := buildKey(options.Namespace, key)

	s.mu.RLock()
	item, ok := s.items[k]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.mu.Lock()
		delete(s.items, k)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...store.Option) error {
	options := store.Apply(opts)
	k := buildKey(options.Namespace, key)

	now := time.Now()
	item := &store.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.items[k] = item
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...store.Option) error {
	options := store.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		delete(s.items, buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := options.Namespace + ":"
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
		}
	}
	return nil
}

// Close stops the expiry sweep and drops all items.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	s.items = make(map[string]*store.Item)
	s.mu.Unlock()
	return nil
}

func buildKey(namespace, key string) string {
	return namespace + ":" + key
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, item := range s.items {
				if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
