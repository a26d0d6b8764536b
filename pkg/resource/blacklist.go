package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store persists blacklist entries as backend -> expiry
type Store interface {
	Get(ctx context.Context, key string) (time.Time, bool, error)
	Put(ctx context.Context, key string, until time.Time) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]time.Time, error)
}

// MemoryStore is a Store that lives only as long as the process
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.entries[key]
	return t, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = until
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) All(ctx context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

// Blacklist keeps execution backends that failed out of rotation for a while.
// Entries expire lazily when they are looked up.
type Blacklist struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]time.Time
}

// NewBlacklist creates a blacklist over store, or over a MemoryStore when nil
func NewBlacklist(store Store, opts ...Option) *Blacklist {
	o := buildOptions(opts)
	if store == nil {
		store = NewMemoryStore()
	}
	return &Blacklist{
		store:  store,
		now:    o.now,
		logger: o.logger,
		cache:  make(map[string]time.Time),
	}
}

// Load reads persisted entries, dropping those already expired
func (b *Blacklist) Load(ctx context.Context) error {
	all, err := b.store.All(ctx)
	if err != nil {
		return err
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for k, until := range all {
		if !now.Before(until) {
			if err := b.store.Delete(ctx, k); err != nil {
				b.logger.Warn("failed to delete expired blacklist entry", zap.String("backend", k), zap.Error(err))
			}
			continue
		}
		b.cache[k] = until
	}
	return nil
}

// Add blocks backend for ttl
func (b *Blacklist) Add(ctx context.Context, backend string, ttl time.Duration) error {
	until := b.now().Add(ttl)
	b.mu.Lock()
	b.cache[backend] = until
	b.mu.Unlock()

	b.logger.Warn("backend blacklisted", zap.String("backend", backend), zap.Time("until", until))
	return b.store.Put(ctx, backend, until)
}

// Blocked reports whether backend is blacklisted right now
func (b *Blacklist) Blocked(ctx context.Context, backend string) bool {
	b.mu.Lock()
	until, ok := b.cache[backend]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if b.now().Before(until) {
		b.mu.Unlock()
		return true
	}
	delete(b.cache, backend)
	b.mu.Unlock()

	if err := b.store.Delete(ctx, backend); err != nil {
		b.logger.Warn("failed to delete expired blacklist entry", zap.String("backend", backend), zap.Error(err))
	}
	b.logger.Info("backend blacklist expired", zap.String("backend", backend))
	return false
}

// Entries lists the currently cached backends, sorted
func (b *Blacklist) Entries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.cache))
	for k := range b.cache {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
