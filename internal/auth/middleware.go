package auth

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Middleware validates the bearer token on every request and injects the
// resulting UserContext into the request context.
type Middleware struct {
	validator *JWTValidator
	logger    *zap.Logger
	disabled  bool
}

// NewMiddleware creates auth middleware. When disabled it injects a fixed
// development identity instead of validating tokens.
func NewMiddleware(validator *JWTValidator, disabled bool, logger *zap.Logger) *Middleware {
	return &Middleware{validator: validator, logger: logger, disabled: disabled}
}

// devIdentity is the identity injected when auth is disabled. Owner role so
// local development can exercise the admin endpoints.
var devIdentity = &UserContext{
	UserID:   uuid.MustParse("00000000-0000-0000-0000-000000000001"),
	TenantID: uuid.MustParse("00000000-0000-0000-0000-000000000002"),
	Email:    "dev@localhost",
	Role:     RoleOwner,
}

// Wrap returns a handler that authenticates before calling next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), devIdentity)))
			return
		}

		token, err := ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		uc, err := m.validator.Validate(token)
		if err != nil {
			m.logger.Debug("token rejected", zap.Error(err))
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), uc)))
	})
}
