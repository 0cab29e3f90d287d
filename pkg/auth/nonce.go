package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers nonces for at least the freshness window
type NonceStore interface {
	// Claim records nonce and reports whether it was unseen
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceStore shares seen nonces across replicas
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore stores nonces under <prefix>:nonce:<nonce>
func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+":nonce:"+nonce, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce store: %w", err)
	}
	return ok, nil
}

// MemoryNonceStore is a single-process NonceStore
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	calls int
}

// NewMemoryNonceStore creates an empty store
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%256 == 0 {
		for n, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, n)
			}
		}
	}

	if exp, ok := s.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[nonce] = now.Add(ttl)
	return true, nil
}
