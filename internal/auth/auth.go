package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrKeyNotFound     = errors.New("api key not found")
	ErrUnauthenticated = errors.New("missing or invalid Authorization header")
)

// AnonymousTenant is the tenant every request belongs to in offline mode.
const AnonymousTenant = "local"

// Identity is who a request is made on behalf of.
type Identity struct {
	TenantID  string
	KeyID     string
	RateLimit int64 // tokens per minute, 0 means the gateway default

	// Backends the caller may use. Empty allows all of them.
	Backends []string

	Anonymous bool
}

// Allows reports whether the identity may route to backend.
func (id *Identity) Allows(backend string) bool {
	return len(id.Backends) == 0 || slices.Contains(id.Backends, backend)
}

// Provider authenticates an incoming request.
type Provider interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Offline accepts every request as the anonymous local tenant.
type Offline struct{}

func (Offline) Authenticate(*http.Request) (*Identity, error) {
	return &Identity{TenantID: AnonymousTenant, Anonymous: true}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

func NewMiddleware(provider Provider, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			id, err := provider.Authenticate(r.WithContext(ctx))
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
					return
				}
				logger.Error("auth: provider failed", "request_id", requestID, "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
		})
	}
}

// Helpers to extract from context
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

func GetTenantID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.TenantID
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.KeyID
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTenantID is a shorthand for tests that only care about the tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return WithIdentity(ctx, &Identity{TenantID: tenantID})
}
