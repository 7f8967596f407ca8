// Package token issues and verifies the signed access tokens that gate every
// request. Tokens are HS256 JWTs; the verification key comes from a pluggable
// KeyProvider so deployments can swap the key source without touching callers.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sealgate/pkg/security/perm"
)

const tokenType = "access_token"

// Claims is the verified payload of an access token. A Claims value exists
// only after signature and expiry checks have passed; it is owned by the
// request that decoded it and must not be shared across requests.
type Claims struct {
	Subject     string
	Permissions perm.Set
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// ErrorKind classifies verification failures.
type ErrorKind int

const (
	Malformed ErrorKind = iota
	BadSignature
	Expired
)

func (k ErrorKind) String() string {
	switch k {
	case BadSignature:
		return "bad_signature"
	case Expired:
		return "token_expired"
	default:
		return "token_malformed"
	}
}

// AuthError is returned for any failed verification. The message never
// contains the raw token or key material.
type AuthError struct {
	Kind ErrorKind
	err  error
}

func (e *AuthError) Error() string {
	return "token: " + e.Kind.String()
}

func (e *AuthError) Unwrap() error { return e.err }

// KeyProvider supplies signing and verification keys. Both methods must be
// safe for concurrent use.
type KeyProvider interface {
	SigningKey() ([]byte, error)
	VerificationKey() ([]byte, error)
}

// StaticKey is a KeyProvider backed by a single shared secret.
type StaticKey []byte

// ErrNoKey is returned when the configured secret is empty.
var ErrNoKey = errors.New("token: signing key not configured")

func (k StaticKey) SigningKey() ([]byte, error) {
	if len(k) == 0 {
		return nil, ErrNoKey
	}
	return []byte(k), nil
}

func (k StaticKey) VerificationKey() ([]byte, error) { return k.SigningKey() }

// wireClaims is the on-the-wire token payload. Field names are a
// compatibility contract with existing clients.
type wireClaims struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
	Type        string   `json:"type"`
	jwt.RegisteredClaims
}

// Service issues and verifies access tokens. Stateless apart from the key
// provider; safe for concurrent use.
type Service struct {
	keys KeyProvider
	now  func() time.Time
}

// NewService builds a Service around the given key provider.
func NewService(keys KeyProvider) *Service {
	return &Service{keys: keys, now: time.Now}
}

// Issue creates a signed token for subject carrying perms, expiring after
// ttl. It fails only on configuration problems (missing key, non-positive
// ttl), never on input data.
func (s *Service) Issue(subject string, perms perm.Set, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token: empty subject")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token: non-positive ttl %v", ttl)
	}
	key, err := s.keys.SigningKey()
	if err != nil {
		return "", err
	}
	if perms == nil {
		perms = perm.DefaultSet()
	}
	now := s.now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, wireClaims{
		UserID:      subject,
		Permissions: perms.Strings(),
		Type:        tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(key)
}

// Verify parses and validates raw, returning Claims only when every check
// passed. Any parse error, signature mismatch or expiry yields an *AuthError;
// no partial trust is ever returned.
func (s *Service) Verify(ctx context.Context, raw string) (Claims, error) {
	_ = ctx // verification is local; ctx kept for interface symmetry with remote verifiers

	key, err := s.keys.VerificationKey()
	if err != nil {
		return Claims{}, &AuthError{Kind: Malformed, err: err}
	}
	var wc wireClaims
	_, err = jwt.ParseWithClaims(raw, &wc,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, &AuthError{Kind: classify(err), err: err}
	}
	if wc.UserID == "" || wc.ExpiresAt == nil || wc.IssuedAt == nil {
		return Claims{}, &AuthError{Kind: Malformed, err: errors.New("missing required claims")}
	}
	if !wc.ExpiresAt.Time.After(wc.IssuedAt.Time) {
		return Claims{}, &AuthError{Kind: Malformed, err: errors.New("expiry not after issuance")}
	}
	return Claims{
		Subject:     wc.UserID,
		Permissions: perm.FromStrings(wc.Permissions),
		IssuedAt:    wc.IssuedAt.Time,
		ExpiresAt:   wc.ExpiresAt.Time,
	}, nil
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Expired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return BadSignature
	default:
		return Malformed
	}
}
