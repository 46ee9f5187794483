package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-key"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "openhouse-crm",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: uuid.New().String(),
		Email:    "agent@openhouse.example",
		Role:     RoleAdmin,
	}
}

func TestValidateToken(t *testing.T) {
	v := NewJWTValidator(testSecret, "openhouse-crm")
	claims := validClaims()

	uc, err := v.Validate(signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, claims.Subject, uc.UserID.String())
	assert.Equal(t, claims.TenantID, uc.TenantID.String())
	assert.Equal(t, RoleAdmin, uc.Role)
	assert.True(t, uc.IsAdmin())
}

func TestValidateRejects(t *testing.T) {
	v := NewJWTValidator(testSecret, "openhouse-crm")

	wrongKey := signToken(t, "other-key", validClaims())

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	badSubject := validClaims()
	badSubject.Subject = "not-a-uuid"

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong key", wrongKey},
		{"expired", signToken(t, testSecret, expired)},
		{"wrong issuer", signToken(t, testSecret, wrongIssuer)},
		{"non-uuid subject", signToken(t, testSecret, badSubject)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	_, err = ExtractBearerToken("Basic abc")
	assert.Error(t, err)
	_, err = ExtractBearerToken("")
	assert.Error(t, err)
}

func TestRoles(t *testing.T) {
	assert.False(t, (&UserContext{Role: RoleUser}).IsAdmin())
	assert.True(t, (&UserContext{Role: RoleOwner}).IsAdmin())
}
