package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sealgate/pkg/ratelimit"
)

// Config holds runtime configuration for sealgate.
//
// YAML example:
//   address: ":8000"
//   authMode: "jwt"          # "jwt" or "oidc"
//   jwt:
//     secret: "change-me"
//     expirationHours: 24
//   s3:
//     region: "us-east-1"
//     bucket: "uploads-bucket"
//
// Environment overrides:
//   SEALGATE_ADDR overrides Address when set.
//   SEALGATE_AUTH_MODE overrides AuthMode ("jwt" or "oidc").
//   SEALGATE_JWT_SECRET overrides JWT.Secret.
//   SEALGATE_S3_REGION / SEALGATE_S3_BUCKET override the store target.
//   SEALGATE_CONFIG path to YAML config file; if empty, loader tries ./config.yaml then defaults.
//
// NOTE: Keep this struct stable; add new fields with sensible defaults.
type Config struct {
	Address  string           `yaml:"address"`
	AuthMode string           `yaml:"authMode"` // "jwt" or "oidc"
	JWT      JWTConfig        `yaml:"jwt"`
	OIDC     OIDCConfig       `yaml:"oidc"`
	Limits   RateLimitsConfig `yaml:"rateLimits"`
	Files    FilesConfig      `yaml:"files"`
	S3       S3Config         `yaml:"s3"`
	Audit    AuditConfig      `yaml:"audit"`
	Tracing  TracingConfig    `yaml:"tracing"`
}

// JWTConfig configures locally issued HS256 tokens.
type JWTConfig struct {
	Secret          string `yaml:"secret"`
	ExpirationHours int    `yaml:"expirationHours"` // token lifetime for issued tokens
}

// OIDCConfig configures external token verification (authMode == "oidc").
type OIDCConfig struct {
	Issuer   string `yaml:"issuer,omitempty"`
	ClientID string `yaml:"clientID,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	JWKSURL  string `yaml:"jwksURL,omitempty"`
}

// RateLimitConfig is one fixed-window limit.
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// Limit converts to the limiter's native form.
func (c RateLimitConfig) Limit() ratelimit.Limit {
	return ratelimit.Limit{
		Requests: c.Requests,
		Window:   time.Duration(c.WindowSeconds) * time.Second,
	}
}

// RateLimitsConfig holds per-operation limits.
type RateLimitsConfig struct {
	Upload   RateLimitConfig `yaml:"upload"`
	Download RateLimitConfig `yaml:"download"`
	List     RateLimitConfig `yaml:"list"`
	Delete   RateLimitConfig `yaml:"delete"`
}

// FilesConfig controls upload validation and key generation.
type FilesConfig struct {
	// AllowedExtensions maps ".ext" to its expected MIME type. Empty means
	// the built-in allowlist.
	AllowedExtensions map[string]string `yaml:"allowedExtensions,omitempty"`
	EnforceMimeStrict bool              `yaml:"enforceMimeStrict"`
	MaxFileSize       int64             `yaml:"maxFileSize"` // bytes, advertised to clients
	UploadPrefix      string            `yaml:"uploadPrefix"`
}

// S3Config selects and configures the object store backend.
type S3Config struct {
	Region            string `yaml:"region"`
	Bucket            string `yaml:"bucket"`
	PresignTTLSeconds int    `yaml:"presignTTLSeconds"`
	// Backend is "s3" or "memory". Memory is for local development and tests.
	Backend string `yaml:"backend,omitempty"`
}

// AuditConfig controls the audit trail sink.
type AuditConfig struct {
	Path      string `yaml:"path"`      // JSON-lines file; empty writes to stderr
	QueueSize int    `yaml:"queueSize"` // bounded queue capacity
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`              // OTLP collector endpoint (host:port or URL)
	Protocol    string  `yaml:"protocol,omitempty"`    // "grpc" (default) or "http"
	SampleRatio float64 `yaml:"sampleRatio,omitempty"` // 0.0 - 1.0
	ServiceName string  `yaml:"serviceName,omitempty"` // override service.name; default "sealgate"
}

// Default returns a Config with safe, local defaults.
func Default() Config {
	return Config{
		Address:  ":8000",
		AuthMode: "jwt",
		JWT: JWTConfig{
			Secret:          "",
			ExpirationHours: 24,
		},
		Limits: RateLimitsConfig{
			Upload:   RateLimitConfig{Requests: 10, WindowSeconds: 60},
			Download: RateLimitConfig{Requests: 30, WindowSeconds: 60},
			List:     RateLimitConfig{Requests: 5, WindowSeconds: 60},
			Delete:   RateLimitConfig{Requests: 5, WindowSeconds: 60},
		},
		Files: FilesConfig{
			EnforceMimeStrict: true,
			MaxFileSize:       50 * 1024 * 1024, // 50 MiB
			UploadPrefix:      "uploads",
		},
		S3: S3Config{
			Region:            "us-east-1",
			Bucket:            "",
			PresignTTLSeconds: 600,
			Backend:           "s3",
		},
		Audit: AuditConfig{
			Path:      "audit.log",
			QueueSize: 1024,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Protocol:    "grpc",
			SampleRatio: 0.0,
			ServiceName: "sealgate",
		},
	}
}

// Load reads configuration from path. If path is empty, it attempts to read
// ./config.yaml; if not found, returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		cfg := Default()
		return applyEnvOverrides(cfg), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			return applyEnvOverrides(cfg), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.AuthMode {
	case "jwt":
		if strings.TrimSpace(c.JWT.Secret) == "" {
			return errors.New("jwt.secret is required when authMode is jwt")
		}
	case "oidc":
		if c.OIDC.Issuer == "" && c.OIDC.JWKSURL == "" {
			return errors.New("oidc.issuer or oidc.jwksURL is required when authMode is oidc")
		}
	default:
		return fmt.Errorf("unknown authMode %q", c.AuthMode)
	}
	if c.S3.Backend != "memory" && strings.TrimSpace(c.S3.Bucket) == "" {
		return errors.New("s3.bucket is required")
	}
	if c.S3.PresignTTLSeconds <= 0 {
		return errors.New("s3.presignTTLSeconds must be positive")
	}
	for _, lim := range []struct {
		name string
		cfg  RateLimitConfig
	}{
		{"upload", c.Limits.Upload},
		{"download", c.Limits.Download},
		{"list", c.Limits.List},
		{"delete", c.Limits.Delete},
	} {
		if lim.cfg.Requests <= 0 || lim.cfg.WindowSeconds <= 0 {
			return fmt.Errorf("rateLimits.%s: requests and windowSeconds must be positive", lim.name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("SEALGATE_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("SEALGATE_AUTH_MODE"); v != "" {
		mode := strings.ToLower(strings.TrimSpace(v))
		switch mode {
		case "jwt", "oidc":
			cfg.AuthMode = mode
		default:
			// ignore invalid value; keep existing
		}
	}
	if v := os.Getenv("SEALGATE_JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("SEALGATE_JWT_EXPIRATION_HOURS"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.JWT.ExpirationHours = x
		}
	}

	// OIDC overrides
	if v := os.Getenv("SEALGATE_OIDC_ISSUER"); v != "" {
		cfg.OIDC.Issuer = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_OIDC_CLIENT_ID"); v != "" {
		cfg.OIDC.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_OIDC_AUDIENCE"); v != "" {
		cfg.OIDC.Audience = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_OIDC_JWKS_URL"); v != "" {
		cfg.OIDC.JWKSURL = strings.TrimSpace(v)
	}

	// Rate limit overrides, e.g. SEALGATE_RATE_LIMIT_UPLOAD="10/60"
	cfg.Limits.Upload = envLimit("SEALGATE_RATE_LIMIT_UPLOAD", cfg.Limits.Upload)
	cfg.Limits.Download = envLimit("SEALGATE_RATE_LIMIT_DOWNLOAD", cfg.Limits.Download)
	cfg.Limits.List = envLimit("SEALGATE_RATE_LIMIT_LIST", cfg.Limits.List)
	cfg.Limits.Delete = envLimit("SEALGATE_RATE_LIMIT_DELETE", cfg.Limits.Delete)

	// File policy overrides
	if v := os.Getenv("SEALGATE_MIME_STRICT"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			cfg.Files.EnforceMimeStrict = true
		case "0", "false", "no", "n", "off":
			cfg.Files.EnforceMimeStrict = false
		}
	}
	if v := os.Getenv("SEALGATE_MAX_FILE_SIZE"); v != "" {
		if x, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && x > 0 {
			cfg.Files.MaxFileSize = x
		}
	}
	if v := os.Getenv("SEALGATE_UPLOAD_PREFIX"); v != "" {
		cfg.Files.UploadPrefix = strings.Trim(strings.TrimSpace(v), "/")
	}

	// Store overrides
	if v := os.Getenv("SEALGATE_S3_REGION"); v != "" {
		cfg.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_S3_BUCKET"); v != "" {
		cfg.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_S3_PRESIGN_TTL"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.S3.PresignTTLSeconds = x
		}
	}
	if v := os.Getenv("SEALGATE_S3_BACKEND"); v != "" {
		b := strings.ToLower(strings.TrimSpace(v))
		if b == "s3" || b == "memory" {
			cfg.S3.Backend = b
		}
	}

	// Audit overrides
	if v := os.Getenv("SEALGATE_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_AUDIT_QUEUE_SIZE"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.Audit.QueueSize = x
		}
	}

	// Tracing overrides
	if v := os.Getenv("SEALGATE_TRACING_ENABLED"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			cfg.Tracing.Enabled = true
		case "0", "false", "no", "n", "off":
			cfg.Tracing.Enabled = false
		}
	}
	if v := os.Getenv("SEALGATE_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEALGATE_TRACING_PROTOCOL"); v != "" {
		p := strings.ToLower(strings.TrimSpace(v))
		if p == "grpc" || p == "http" {
			cfg.Tracing.Protocol = p
		}
	}
	if v := os.Getenv("SEALGATE_TRACING_SAMPLE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			cfg.Tracing.SampleRatio = f
		}
	}
	if v := os.Getenv("SEALGATE_TRACING_SERVICE"); v != "" {
		cfg.Tracing.ServiceName = strings.TrimSpace(v)
	}

	return cfg
}

// envLimit parses "requests/windowSeconds" from the named variable.
func envLimit(name string, cur RateLimitConfig) RateLimitConfig {
	v := os.Getenv(name)
	if v == "" {
		return cur
	}
	parts := strings.SplitN(strings.TrimSpace(v), "/", 2)
	if len(parts) != 2 {
		return cur
	}
	req, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	win, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || req <= 0 || win <= 0 {
		return cur
	}
	return RateLimitConfig{Requests: req, WindowSeconds: win}
}
