package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-characters!!"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestValidateExtractsPrincipal(t *testing.T) {
	claims := baseClaims()
	claims.PreferredUsername = "jdoe"
	claims.Email = "jdoe@example.com"
	claims.GivenName = "Jane"
	claims.FamilyName = "Doe"
	claims.RealmAccess.Roles = []string{"clinician", "admin"}

	v := NewSecretValidator(testSecret, "", "")
	p, err := v.Validate(signToken(t, claims))
	require.NoError(t, err)

	assert.Equal(t, "user-123", p.UserID)
	assert.Equal(t, "jdoe", p.Username)
	assert.Equal(t, "jdoe@example.com", p.Email)
	assert.Equal(t, "Jane Doe", p.FullName)
	assert.Equal(t, []string{"clinician", "admin"}, p.Roles)
}

func TestUsernameFallbackChain(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	// preferred_username absent: email wins.
	claims := baseClaims()
	claims.Email = "fallback@example.com"
	p, err := v.Validate(signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "fallback@example.com", p.Username)

	// Both absent: derived from subject.
	p, err = v.Validate(signToken(t, baseClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user_user-123", p.Username)
}

func TestFullNameRequiresBothParts(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	claims := baseClaims()
	claims.GivenName = "Jane"
	p, err := v.Validate(signToken(t, claims))
	require.NoError(t, err)
	assert.Empty(t, p.FullName)
}

func TestRolesDefaultToEmptySlice(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	p, err := v.Validate(signToken(t, baseClaims()))
	require.NoError(t, err)
	assert.NotNil(t, p.Roles)
	assert.Empty(t, p.Roles)
}

func TestValidateMissingToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")
	_, err := v.Validate("")
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestValidateMalformedToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")
	_, err := v.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestValidateExpiredToken(t *testing.T) {
	claims := baseClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	v := NewSecretValidator(testSecret, "", "")
	_, err := v.Validate(signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateWrongSecret(t *testing.T) {
	v := NewSecretValidator("another-secret-also-32-characters!!!", "", "")
	_, err := v.Validate(signToken(t, baseClaims()))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateMissingSubject(t *testing.T) {
	claims := baseClaims()
	claims.Subject = ""

	v := NewSecretValidator(testSecret, "", "")
	_, err := v.Validate(signToken(t, claims))
	assert.ErrorIs(t, err, ErrSubjectMissing)
}

func TestValidateIssuerAndAudience(t *testing.T) {
	claims := baseClaims()
	claims.Issuer = "https://idp.example.com/"
	claims.Audience = jwt.ClaimStrings{"collab"}
	token := signToken(t, claims)

	v := NewSecretValidator(testSecret, "https://idp.example.com/", "collab")
	_, err := v.Validate(token)
	assert.NoError(t, err)

	v = NewSecretValidator(testSecret, "https://other.example.com/", "collab")
	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	v = NewSecretValidator(testSecret, "https://idp.example.com/", "wrong-audience")
	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPrincipalRolePredicates(t *testing.T) {
	p := &Principal{Roles: []string{"clinician", "admin"}}

	assert.True(t, p.HasRole("admin"))
	assert.False(t, p.HasRole("nurse"))
	assert.True(t, p.HasAnyRole("nurse", "admin"))
	assert.False(t, p.HasAnyRole("nurse", "reception"))
	assert.True(t, p.HasAllRoles("clinician", "admin"))
	assert.False(t, p.HasAllRoles("clinician", "nurse"))
}
