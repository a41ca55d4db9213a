package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Factory builds a limiter enforcing tpm tokens per minute.
type Factory func(tpm int64) extratelimit.Limiter

// Limiter meters estimated input tokens per tenant over a one-minute window.
// Tenants with their own quota get a dedicated store for that quota.
type Limiter struct {
	defaultTPM int64
	factory    Factory

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	return NewLimiterWithFactory(defaultTPM, func(tpm int64) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(int(tpm)),
			extratelimit.WithWindow(time.Minute),
		)
	})
}

func NewLimiterWithFactory(defaultTPM int64, factory Factory) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		factory:    factory,
		stores:     make(map[int64]extratelimit.Limiter),
	}
}

// NewTestLimiter routes every quota to the same store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return NewLimiterWithFactory(0, func(int64) extratelimit.Limiter { return store })
}

func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	if tpm <= 0 {
		tpm = l.defaultTPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[tpm]
	if !ok {
		s = l.factory(tpm)
		l.stores[tpm] = s
	}
	return s
}

// Allow reserves tokens for tenantID under its quota; tpm <= 0 means the
// default quota.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tpm int64, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store(tpm).AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string, tpm int64) (*extratelimit.Result, error) {
	return l.store(tpm).Status(ctx, key(tenantID))
}

func key(tenantID string) string {
	return fmt.Sprintf("completion:tpm:%s", tenantID)
}
