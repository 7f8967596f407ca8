package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"sealgate/pkg/api"
	"sealgate/pkg/audit"
	"sealgate/pkg/config"
	"sealgate/pkg/filekey"
	"sealgate/pkg/obs/metrics"
	"sealgate/pkg/obs/tracing"
	"sealgate/pkg/pipeline"
	"sealgate/pkg/ratelimit"
	"sealgate/pkg/security/oidcsource"
	"sealgate/pkg/security/token"
	"sealgate/pkg/storage"
)

var version = "1.0.0"
var ready atomic.Bool

func main() {
	// Load config from SEALGATE_CONFIG or ./config.yaml; defaults otherwise.
	cfgPath := os.Getenv("SEALGATE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize tracing (OpenTelemetry)
	traceShutdown, terr := tracing.Init(context.Background(), tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if terr != nil {
		slog.Warn("tracing init failed", slog.String("error", terr.Error()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Metrics: Prometheus /metrics endpoint and HTTP instrumentation
	m := metrics.New()
	mux.Handle("/metrics", m.Handler())

	// Audit trail sink
	var aud *audit.Logger
	if cfg.Audit.Path != "" {
		aud, err = audit.NewFile(cfg.Audit.Path, cfg.Audit.QueueSize)
		if err != nil {
			slog.Error("init audit log", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		aud = audit.New(os.Stderr, cfg.Audit.QueueSize)
	}
	aud.SetObserver(metrics.NewAuditMetrics(m.Registry()))

	// Token verification: locally issued HS256 or external OIDC
	var verifier pipeline.TokenVerifier
	switch cfg.AuthMode {
	case "oidc":
		v, verr := oidcsource.NewVerifier(context.Background(), oidcsource.Config{
			Issuer:   cfg.OIDC.Issuer,
			ClientID: cfg.OIDC.ClientID,
			Audience: cfg.OIDC.Audience,
			JWKSURL:  cfg.OIDC.JWKSURL,
		})
		if verr != nil {
			slog.Error("oidc init failed", slog.String("error", verr.Error()))
			os.Exit(1)
		}
		verifier = v
		slog.Info("oidc auth enabled", slog.String("issuer", cfg.OIDC.Issuer))
	default:
		verifier = token.NewService(token.StaticKey(cfg.JWT.Secret))
	}

	// Rate limiter with idle-entry eviction
	limiter := ratelimit.New()
	limiter.SetObserver(metrics.NewRateLimitMetrics(m.Registry()))
	janitorStop := limiter.StartJanitor(time.Minute, 10*time.Minute)

	// Object store backend
	var store storage.ObjectStore
	if cfg.S3.Backend == "memory" {
		store = storage.NewMemStore()
		slog.Info("using in-memory object store")
	} else {
		s3store, serr := storage.NewS3Store(context.Background(), cfg.S3.Region, cfg.S3.Bucket)
		if serr != nil {
			slog.Error("init s3 store", slog.String("error", serr.Error()))
			os.Exit(1)
		}
		store = s3store
	}

	policy := filekey.New(cfg.Files.AllowedExtensions, cfg.Files.EnforceMimeStrict)
	pipe := pipeline.New(verifier, limiter, policy, aud, store, pipeline.Config{
		Limits: map[pipeline.Operation]ratelimit.Limit{
			pipeline.OpUpload:   cfg.Limits.Upload.Limit(),
			pipeline.OpDownload: cfg.Limits.Download.Limit(),
			pipeline.OpList:     cfg.Limits.List.Limit(),
			pipeline.OpDelete:   cfg.Limits.Delete.Limit(),
		},
		PresignTTL:   time.Duration(cfg.S3.PresignTTLSeconds) * time.Second,
		UploadPrefix: cfg.Files.UploadPrefix,
	})
	pipe.SetObserver(metrics.NewGateMetrics(m.Registry()))

	srvAPI := api.New(pipe, store, api.Options{
		AllowedExtensions: cfg.Files.AllowedExtensions,
		MaxFileSize:       cfg.Files.MaxFileSize,
	})

	handler := tracing.Middleware(srvAPI.Handler())
	handler = m.Middleware(handler)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		ready.Store(true)
		slog.Info("sealgate listening", slog.String("version", version), slog.String("addr", cfg.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", slog.String("error", err.Error()))
	}
	janitorStop()
	// Drain the audit queue before exiting; events already accepted must land.
	if err := aud.Close(ctx); err != nil {
		slog.Error("audit shutdown error", slog.String("error", err.Error()))
	}
	if err := traceShutdown(ctx); err != nil {
		slog.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	slog.Info("sealgate stopped")
}
