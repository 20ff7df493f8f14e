// Package lock provides short-lived claim tokens so only one scheduler worker
// processes a given job at a time. Claims are an optimisation; job and offer
// writes stay CAS-protected regardless.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Locker interface {
	// Acquire returns a token if the claim on key was free or had expired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the claim only if it is still held with token.
	Release(ctx context.Context, key, token string) error
}

type claim struct {
	token   string
	expires time.Time
}

type MemoryLocker struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{claims: make(map[string]claim), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[key]; ok && now.Before(c.expires) {
		return "", false, nil
	}
	tok := uuid.NewString()
	m.claims[key] = claim{token: tok, expires: now.Add(ttl)}
	return tok, true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok && c.token == token {
		delete(m.claims, key)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker claims keys with SET NX PX and releases them with a
// compare-and-delete script.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	tok := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, tok, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return tok, true, nil
}

func (r *RedisLocker) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err()
}
