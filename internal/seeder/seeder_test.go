package seeder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/vnmchuo/completion-gateway/internal/auth"
)

type mockStore struct {
	created []*auth.APIKey
	err     error
}

func (m *mockStore) GetByKey(ctx context.Context, key string) (*auth.APIKey, error) {
	return nil, auth.ErrKeyNotFound
}

func (m *mockStore) Create(ctx context.Context, apiKey *auth.APIKey) error {
	if m.err != nil {
		return m.err
	}
	apiKey.ID = "seeded"
	m.created = append(m.created, apiKey)
	return nil
}

func (m *mockStore) Revoke(ctx context.Context, keyID string) error { return nil }

func TestSeedTestAPIKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &mockStore{}

	if err := SeedTestAPIKey(context.Background(), store, logger); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(store.created))
	}
	k := store.created[0]
	if k.KeyHash != auth.HashKey(TestAPIKey) || k.TenantID != TestTenantID || !k.Active {
		t.Errorf("Unexpected seeded key %+v", k)
	}

	store.err = errors.New("duplicate key")
	if err := SeedTestAPIKey(context.Background(), store, logger); err == nil {
		t.Error("Expected error to be returned for an existing key")
	}
}
