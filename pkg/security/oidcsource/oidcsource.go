// Package oidcsource verifies IdP-issued bearer tokens via OIDC discovery or
// a direct JWKS endpoint, and maps their claims onto the gate's permission
// model. It satisfies the same verifier seam as the built-in HS256 token
// service, so a deployment fronted by an identity provider can swap it in
// through configuration alone.
package oidcsource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"sealgate/pkg/security/perm"
	"sealgate/pkg/security/token"
)

// Config defines OIDC verification settings.
// Typical minimal config requires Issuer and ClientID, or a JWKSURL + Audience.
type Config struct {
	// Issuer is the OIDC issuer URL. When provided, the provider's well-known
	// metadata is used to discover the JWKS endpoint.
	Issuer string

	// ClientID is the expected audience for tokens.
	ClientID string

	// Audience, when set, overrides ClientID as the expected audience.
	Audience string

	// JWKSURL is an optional direct JWKS endpoint URL for verification
	// without issuer discovery.
	JWKSURL string
}

// Verifier validates bearer tokens against the configured provider and
// produces token.Claims for the pipeline.
type Verifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewVerifier builds a token verifier based on the provided Config.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	expectedAud := cfg.Audience
	if expectedAud == "" {
		expectedAud = cfg.ClientID
	}

	switch {
	case cfg.Issuer != "":
		provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc: provider discovery failed: %w", err)
		}
		return &Verifier{verifier: provider.Verifier(&gooidc.Config{ClientID: expectedAud})}, nil
	case cfg.JWKSURL != "":
		ks := gooidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		// Empty issuer means skip issuer check; if cfg.Issuer is provided it is enforced.
		return &Verifier{verifier: gooidc.NewVerifier(cfg.Issuer, ks, &gooidc.Config{ClientID: expectedAud})}, nil
	default:
		return nil, errors.New("oidc: either Issuer or JWKSURL must be provided")
	}
}

// Verify validates raw and returns claims for the pipeline. Failures are
// reported as *token.AuthError so callers treat both verifier kinds
// uniformly.
func (v *Verifier) Verify(ctx context.Context, raw string) (token.Claims, error) {
	if v == nil || v.verifier == nil {
		return token.Claims{}, errors.New("oidc: verifier not initialized")
	}
	if len(strings.Split(raw, ".")) != 3 {
		return token.Claims{}, &token.AuthError{Kind: token.Malformed}
	}
	idt, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		var exp *gooidc.TokenExpiredError
		if errors.As(err, &exp) {
			return token.Claims{}, &token.AuthError{Kind: token.Expired}
		}
		return token.Claims{}, &token.AuthError{Kind: token.BadSignature}
	}

	var claims struct {
		Sub         string `json:"sub"`
		Permissions any    `json:"permissions"`
		Roles       any    `json:"roles"`
		Scope       string `json:"scope"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := idt.Claims(&claims); err != nil {
		return token.Claims{}, &token.AuthError{Kind: token.Malformed}
	}
	if claims.Sub == "" {
		return token.Claims{}, &token.AuthError{Kind: token.Malformed}
	}

	names := collectNames(claims.Permissions)
	names = append(names, collectNames(claims.Roles)...)
	names = append(names, claims.RealmAccess.Roles...)
	if claims.Scope != "" {
		names = append(names, strings.Fields(claims.Scope)...)
	}

	return token.Claims{
		Subject:     claims.Sub,
		Permissions: MapPermissions(names),
		IssuedAt:    idt.IssuedAt,
		ExpiresAt:   idt.Expiry,
	}, nil
}

// collectNames flattens a claim value that may be a string, []string or
// []any of strings; IdPs differ on the encoding.
func collectNames(v any) []string {
	switch t := v.(type) {
	case string:
		return strings.Fields(t)
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// MapPermissions builds a permission set from IdP role/scope/permission
// names. Both bare names ("upload") and prefixed scopes ("storage.upload",
// "storage:upload") are accepted; unknown names grant nothing.
func MapPermissions(names []string) perm.Set {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if i := strings.LastIndexAny(n, ".:"); i >= 0 {
			n = n[i+1:]
		}
		cleaned = append(cleaned, n)
	}
	return perm.FromStrings(cleaned)
}
