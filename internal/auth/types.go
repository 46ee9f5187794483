package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNoUserContext is returned when a request context carries no identity.
	ErrNoUserContext = errors.New("no user context")
	// ErrInvalidToken is returned for malformed or rejected bearer tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// User roles as issued by the CRM host.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// UserContext is the authenticated identity for one request. Identity is
// owned by the CRM host application; this service only validates tokens.
type UserContext struct {
	UserID   uuid.UUID `json:"user_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
}

// IsAdmin reports whether the user may perform tenant administration, such
// as changing an AI employee's autonomy mode.
func (u *UserContext) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleOwner
}

type contextKey struct{}

// WithUserContext returns a context carrying the authenticated identity.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// GetUserContext extracts the authenticated identity from a context.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(contextKey{}).(*UserContext)
	if !ok || uc == nil {
		return nil, ErrNoUserContext
	}
	return uc, nil
}
