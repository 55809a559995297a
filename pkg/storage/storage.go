// Package storage provides key-value storage backends for transient
// core state (risk-assessment cache, enrollment tokens)
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"
)

// Store is a TTL-aware key-value store
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures a storage backend
type Config struct {
	Type  string      `toml:"type"` // "memory" or "redis"
	Redis RedisConfig `toml:"redis"`
}

// DefaultConfig returns the memory backend configuration
func DefaultConfig() Config {
	return Config{Type: "memory"}
}

// NewStore creates a store from configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(config.Redis)
	default:
		return nil, fmt.Errorf("unknown storage backend type: %s", config.Type)
	}
}

// MemoryStore is the in-process Store implementation
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.RWMutex
	tomb    tomb.Tomb
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates a memory store with a background janitor
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
	s.tomb.Go(s.janitor)
	return s
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set implements Store
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Count implements Store
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Close stops the janitor
func (s *MemoryStore) Close() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *MemoryStore) janitor() error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.tomb.Dying():
			return nil
		}
	}
}
