package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sealgate/pkg/security/perm"
)

func newTestService(secret string) *Service {
	return NewService(StaticKey(secret))
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	s := newTestService("test-secret")
	raw, err := s.Issue("user-1", perm.NewSet(perm.Upload, perm.List), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := s.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", c.Subject)
	}
	if !c.Permissions.Has(perm.Upload) || !c.Permissions.Has(perm.List) {
		t.Fatalf("permissions lost in round trip: %v", c.Permissions.Strings())
	}
	if c.Permissions.Has(perm.Delete) {
		t.Fatalf("round trip invented a permission")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		t.Fatalf("expiry %v not after issuance %v", c.ExpiresAt, c.IssuedAt)
	}
}

func TestVerify_Expired(t *testing.T) {
	s := newTestService("test-secret")
	raw, err := s.Issue("user-1", nil, time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// Advance the verifier's clock past expiry instead of sleeping.
	s.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	_, err = s.Verify(context.Background(), raw)
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Kind != Expired {
		t.Fatalf("Verify after expiry = %v, want AuthError{Expired}", err)
	}
}

func TestVerify_BadSignature(t *testing.T) {
	issuer := newTestService("key-a")
	verifier := newTestService("key-b")
	raw, err := issuer.Issue("user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = verifier.Verify(context.Background(), raw)
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Kind != BadSignature {
		t.Fatalf("Verify with wrong key = %v, want AuthError{BadSignature}", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	s := newTestService("test-secret")
	raw, err := s.Issue("user-1", perm.NewSet(perm.List), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(raw, ".")
	parts[1] = "eyJmb3JnZWQiOnRydWV9" // well-formed base64, wrong signature
	_, err = s.Verify(context.Background(), strings.Join(parts, "."))
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Verify of tampered token = %v, want AuthError", err)
	}
	if ae.Kind != BadSignature && ae.Kind != Malformed {
		t.Fatalf("tampered token classified %v", ae.Kind)
	}
}

func TestVerify_Malformed(t *testing.T) {
	s := newTestService("test-secret")
	for _, raw := range []string{"", "garbage", "a.b", "a.b.c.d"} {
		_, err := s.Verify(context.Background(), raw)
		var ae *AuthError
		if !errors.As(err, &ae) || ae.Kind != Malformed {
			t.Fatalf("Verify(%q) = %v, want AuthError{Malformed}", raw, err)
		}
	}
}

func TestIssue_MissingKey(t *testing.T) {
	s := newTestService("")
	if _, err := s.Issue("user-1", nil, time.Hour); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Issue without key = %v, want ErrNoKey", err)
	}
}

func TestVerify_ErrorHidesToken(t *testing.T) {
	s := newTestService("test-secret")
	raw, _ := newTestService("other").Issue("user-1", nil, time.Hour)
	_, err := s.Verify(context.Background(), raw)
	if err == nil {
		t.Fatalf("expected verification failure")
	}
	if strings.Contains(err.Error(), raw) || strings.Contains(err.Error(), "test-secret") {
		t.Fatalf("error message leaks sensitive material: %q", err.Error())
	}
}

func TestIssue_DefaultPermissions(t *testing.T) {
	s := newTestService("test-secret")
	raw, err := s.Issue("user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := s.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.Permissions.Has(perm.Delete) {
		t.Fatalf("default token must not grant delete")
	}
	if !c.Permissions.Has(perm.Upload) {
		t.Fatalf("default token missing upload")
	}
}
