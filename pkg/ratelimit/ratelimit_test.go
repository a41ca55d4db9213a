package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockLimiterStore struct {
	allowed bool
	err     error
	keys    []string
	tokens  []int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	m.tokens = append(m.tokens, n)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestLimiter_StorePerQuota(t *testing.T) {
	built := map[int64]*mockLimiterStore{}
	l := NewLimiterWithFactory(1000, func(tpm int64) extratelimit.Limiter {
		s := &mockLimiterStore{allowed: true}
		built[tpm] = s
		return s
	})
	ctx := context.Background()

	for _, tc := range []struct {
		tenant string
		tpm    int64
	}{
		{"a", 0},
		{"b", 0},
		{"c", 50},
		{"a", -1},
	} {
		ok, err := l.Allow(ctx, tc.tenant, tc.tpm, 10)
		if err != nil || !ok {
			t.Fatalf("Allow(%s, %d): %v %v", tc.tenant, tc.tpm, ok, err)
		}
	}

	if len(built) != 2 {
		t.Fatalf("Expected 2 stores (default and 50), got %d", len(built))
	}
	if got := len(built[1000].keys); got != 3 {
		t.Errorf("Expected 3 calls on default store, got %d", got)
	}
	if built[50].keys[0] != "completion:tpm:c" {
		t.Errorf("Unexpected key %s", built[50].keys[0])
	}
}

func TestLimiter_MinimumOneToken(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := NewTestLimiter(store)

	if _, err := l.Allow(context.Background(), "a", 0, 0); err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if store.tokens[0] != 1 {
		t.Errorf("Expected 1 token reserved, got %d", store.tokens[0])
	}
}

func TestLimiter_Errors(t *testing.T) {
	store := &mockLimiterStore{err: errors.New("redis down")}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), "a", 0, 5)
	if err == nil || ok {
		t.Errorf("Expected error and denial, got %v %v", ok, err)
	}
}
