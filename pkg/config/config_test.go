package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidatesWithSecretAndBucket(t *testing.T) {
	cfg := Default()
	cfg.JWT.Secret = "s"
	cfg.S3.Bucket = "b"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := Default()
	cfg.S3.Bucket = "b"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty jwt secret")
	}
}

func TestValidateRejectsMissingBucket(t *testing.T) {
	cfg := Default()
	cfg.JWT.Secret = "s"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestValidateMemoryBackendNeedsNoBucket(t *testing.T) {
	cfg := Default()
	cfg.JWT.Secret = "s"
	cfg.S3.Backend = "memory"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory backend should not require bucket: %v", err)
	}
}

func TestValidateOIDCMode(t *testing.T) {
	cfg := Default()
	cfg.AuthMode = "oidc"
	cfg.S3.Bucket = "b"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for oidc mode without issuer")
	}
	cfg.OIDC.Issuer = "https://issuer.example"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("oidc mode with issuer should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
address: ":9000"
authMode: jwt
jwt:
  secret: yaml-secret
rateLimits:
  upload:
    requests: 3
    windowSeconds: 30
s3:
  region: eu-west-1
  bucket: my-bucket
  presignTTLSeconds: 120
files:
  enforceMimeStrict: false
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":9000" {
		t.Fatalf("Address = %q", cfg.Address)
	}
	if cfg.JWT.Secret != "yaml-secret" {
		t.Fatalf("JWT.Secret = %q", cfg.JWT.Secret)
	}
	if cfg.Limits.Upload.Requests != 3 || cfg.Limits.Upload.WindowSeconds != 30 {
		t.Fatalf("upload limit = %+v", cfg.Limits.Upload)
	}
	// Untouched sections keep defaults.
	if cfg.Limits.Download.Requests != 30 {
		t.Fatalf("download limit = %+v", cfg.Limits.Download)
	}
	if cfg.S3.Bucket != "my-bucket" || cfg.S3.PresignTTLSeconds != 120 {
		t.Fatalf("s3 = %+v", cfg.S3)
	}
	if cfg.Files.EnforceMimeStrict {
		t.Fatal("EnforceMimeStrict should be false")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":8000" {
		t.Fatalf("Address = %q", cfg.Address)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEALGATE_ADDR", ":7777")
	t.Setenv("SEALGATE_JWT_SECRET", "env-secret")
	t.Setenv("SEALGATE_RATE_LIMIT_UPLOAD", "5/10")
	t.Setenv("SEALGATE_S3_BUCKET", "env-bucket")
	t.Setenv("SEALGATE_S3_BACKEND", "memory")
	t.Setenv("SEALGATE_MIME_STRICT", "off")

	cfg := applyEnvOverrides(Default())
	if cfg.Address != ":7777" {
		t.Fatalf("Address = %q", cfg.Address)
	}
	if cfg.JWT.Secret != "env-secret" {
		t.Fatalf("JWT.Secret = %q", cfg.JWT.Secret)
	}
	if cfg.Limits.Upload.Requests != 5 || cfg.Limits.Upload.WindowSeconds != 10 {
		t.Fatalf("upload limit = %+v", cfg.Limits.Upload)
	}
	if cfg.S3.Bucket != "env-bucket" || cfg.S3.Backend != "memory" {
		t.Fatalf("s3 = %+v", cfg.S3)
	}
	if cfg.Files.EnforceMimeStrict {
		t.Fatal("EnforceMimeStrict should be false")
	}
}

func TestEnvOverridesIgnoreInvalid(t *testing.T) {
	t.Setenv("SEALGATE_AUTH_MODE", "bogus")
	t.Setenv("SEALGATE_RATE_LIMIT_LIST", "not-a-limit")
	t.Setenv("SEALGATE_S3_PRESIGN_TTL", "-5")

	cfg := applyEnvOverrides(Default())
	if cfg.AuthMode != "jwt" {
		t.Fatalf("AuthMode = %q", cfg.AuthMode)
	}
	if cfg.Limits.List.Requests != 5 {
		t.Fatalf("list limit = %+v", cfg.Limits.List)
	}
	if cfg.S3.PresignTTLSeconds != 600 {
		t.Fatalf("PresignTTLSeconds = %d", cfg.S3.PresignTTLSeconds)
	}
}

func TestRateLimitConfigLimit(t *testing.T) {
	lim := RateLimitConfig{Requests: 10, WindowSeconds: 60}.Limit()
	if lim.Requests != 10 || lim.Window != time.Minute {
		t.Fatalf("Limit() = %+v", lim)
	}
}
