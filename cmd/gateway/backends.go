package main

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/completion-gateway/config"
	"github.com/vnmchuo/completion-gateway/internal/models"
	"github.com/vnmchuo/completion-gateway/internal/provider"
	"github.com/vnmchuo/completion-gateway/internal/proxy"
)

// buildBackends turns configured endpoints into retrying clients.
func buildBackends(cfg *config.Config, registry *models.Registry, tracer trace.Tracer, logger *slog.Logger) ([]proxy.Backend, error) {
	policy := provider.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts

	backends := make([]proxy.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		client, err := provider.New(b.Profile, endpointConfig(b),
			provider.WithLogger(logger.With("backend", b.Name)),
			provider.WithTracer(tracer),
			provider.WithRegistry(registry),
		)
		if err != nil {
			return nil, err
		}
		backends = append(backends, proxy.Backend{
			Name:    b.Name,
			Creator: provider.WithRetry(client, policy, logger),
		})
	}
	return backends, nil
}

func endpointConfig(b config.Backend) provider.EndpointConfig {
	ec := provider.EndpointConfig{
		BaseURL:      b.BaseURL,
		URL:          b.URL,
		APIKey:       b.APIKey,
		ExtraHeaders: b.ExtraHeaders,
		ModelID:      b.ModelID,
		UserID:       b.UserID,
		UserType:     b.UserType,
		SystemName:   b.SystemName,
	}
	if m := b.Model; m != nil {
		ec.ModelInfo = &models.ModelInfo{
			MaxTokens:     m.MaxTokens,
			ContextWindow: m.ContextWindow,
			InputPrice:    m.InputPrice,
			OutputPrice:   m.OutputPrice,
		}
	}
	return ec
}
