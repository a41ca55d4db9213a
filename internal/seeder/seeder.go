package seeder

import (
	"context"
	"log/slog"

	"github.com/vnmchuo/completion-gateway/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey creates a development key for API-key auth mode. The key
// may use every configured backend.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *slog.Logger) error {
	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("seeder: api key may already exist, skipping", "error", err)
		return err
	}
	logger.Info("seeder: test api key created", "key", TestAPIKey, "tenant_id", TestTenantID, "key_id", apiKey.ID)
	return nil
}
