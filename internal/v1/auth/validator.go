// Package auth validates bearer tokens and extracts the session Principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Validation failure reasons. These are safe to include in an error frame;
// they never carry the raw token.
var (
	ErrTokenMissing   = errors.New("token is required")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenInvalid   = errors.New("token signature is invalid")
	ErrTokenExpired   = errors.New("token has expired")
	ErrSubjectMissing = errors.New("token has no subject")
)

// Claims are the custom JWT claims the gateway understands. Role extraction
// follows the realm_access convention.
type Claims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies a bearer token and produces a Principal.
type Validator interface {
	Validate(token string) (*Principal, error)
}

// validator verifies tokens against a key function with optional issuer and
// audience checks. Issuer and audience are skipped when left empty.
type validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
	methods  []string
}

// NewSecretValidator builds a Validator for HS256 tokens signed with a
// shared secret.
func NewSecretValidator(secret, issuer, audience string) Validator {
	return &validator{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		},
		issuer:   issuer,
		audience: audience,
		methods:  []string{"HS256"},
	}
}

// NewJWKSValidator builds a Validator that verifies RS256 tokens against the
// issuer domain's JWKS endpoint. Keys are cached and refreshed hourly; the
// initial fetch verifies connectivity so misconfiguration fails at startup.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
		methods:  []string{"RS256"},
	}, nil
}

// Validate parses and verifies the token and extracts the Principal.
func (v *validator) Validate(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	parseOpts := []jwt.ParserOption{jwt.WithValidMethods(v.methods)}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, parseOpts...)
	if err != nil {
		return nil, mapParseError(err)
	}

	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	return principalFromClaims(claims)
}

// mapParseError reduces jwt parse failures to stable short reasons.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		return ErrTokenInvalid
	}
}

// principalFromClaims applies the extraction rules: userId from sub
// (required), username falls back preferred_username -> email -> user_<sub>,
// fullName only when both name parts are present.
func principalFromClaims(claims *Claims) (*Principal, error) {
	if claims.Subject == "" {
		return nil, ErrSubjectMissing
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = "user_" + claims.Subject
	}

	var fullName string
	if claims.GivenName != "" && claims.FamilyName != "" {
		fullName = claims.GivenName + " " + claims.FamilyName
	}

	roles := claims.RealmAccess.Roles
	if roles == nil {
		roles = []string{}
	}

	return &Principal{
		UserID:   claims.Subject,
		Username: username,
		Email:    claims.Email,
		FullName: fullName,
		Roles:    roles,
	}, nil
}
