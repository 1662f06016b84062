package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IdempotencyLocker serializes payment creation per key across callers.
// Reserve returns ok=false while another caller holds the key; the token it
// hands out is what Release needs, so an expired holder cannot free a lock
// someone else took over.
type IdempotencyLocker interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type memoryLock struct {
	token string
	until time.Time
}

// MemoryLocker is an in-process IdempotencyLocker for single-instance
// deployments without Redis
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLock), clock: time.Now}
}

func (l *MemoryLocker) Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if held, ok := l.held[key]; ok && now.Before(held.until) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = memoryLock{token: token, until: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.held[key]; ok && held.token == token {
		delete(l.held, key)
	}
	return nil
}
