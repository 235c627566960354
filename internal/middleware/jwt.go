// Package middleware provides HTTP middleware for bearer token authentication,
// per-caller rate limiting and request correlation.
package middleware

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"delegate-server/internal/config"
)

// Claims holds the parsed claims from a validated token.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
}

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// OIDCValidator validates tokens using OIDC discovery and the provider's JWKS.
type OIDCValidator struct {
	verifier       *oidc.IDTokenVerifier
	allowedIssuers map[string]bool
}

// HS256Validator validates tokens signed with a shared HS256 secret.
type HS256Validator struct {
	secret []byte
}

// NewValidator picks OIDC when an issuer is configured and falls back to the
// shared secret otherwise.
func NewValidator(ctx context.Context, cfg config.AuthConfig) (TokenValidator, error) {
	if cfg.OIDCEnabled() {
		return NewOIDCValidator(ctx, cfg.IssuerURL, cfg.Audience, cfg.AllowedIssuers)
	}
	return NewHS256Validator(cfg.JWTSecret)
}

// NewOIDCValidator creates a validator from an OIDC issuer URL.
func NewOIDCValidator(ctx context.Context, issuerURL, audience string, allowedIssuers []string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}
	return newOIDCValidator(provider.Verifier(&oidc.Config{ClientID: audience}), issuerURL, allowedIssuers), nil
}

func newOIDCValidator(verifier *oidc.IDTokenVerifier, issuerURL string, allowedIssuers []string) *OIDCValidator {
	issuers := make(map[string]bool, len(allowedIssuers)+1)
	for _, iss := range allowedIssuers {
		issuers[iss] = true
	}
	if len(issuers) == 0 && issuerURL != "" {
		issuers[issuerURL] = true
	}
	return &OIDCValidator{verifier: verifier, allowedIssuers: issuers}
}

// NewHS256Validator creates a validator for HS256 tokens issued by the
// orchestrator with a shared secret.
func NewHS256Validator(secret string) (*HS256Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &HS256Validator{secret: []byte(secret)}, nil
}

// Validate verifies the token signature and issuer.
func (v *OIDCValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if len(v.allowedIssuers) > 0 && !v.allowedIssuers[idToken.Issuer] {
		return nil, fmt.Errorf("issuer %q not in allowed list", idToken.Issuer)
	}
	return &Claims{Subject: idToken.Subject, Issuer: idToken.Issuer, Audience: idToken.Audience}, nil
}

// Validate verifies an HS256 token and extracts its registered claims.
func (v *HS256Validator) Validate(_ context.Context, token string) (*Claims, error) {
	var registered jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &registered, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	return &Claims{
		Subject:  registered.Subject,
		Issuer:   registered.Issuer,
		Audience: registered.Audience,
	}, nil
}
