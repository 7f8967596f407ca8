// Package pipeline gates every storage request: token verification, then
// permission authorization, then throttling, then (for uploads) file
// validation and key generation, and finally delegation to the object store.
// The pipeline short-circuits at the first failure and pairs every outcome,
// success or rejection, with its audit event before returning.
package pipeline

import (
	"context"
	"time"

	"sealgate/pkg/audit"
	"sealgate/pkg/filekey"
	"sealgate/pkg/ratelimit"
	"sealgate/pkg/security/perm"
	"sealgate/pkg/security/token"
	"sealgate/pkg/storage"
)

// Operation identifies the storage action being requested.
type Operation int

const (
	OpUpload Operation = iota
	OpDownload
	OpList
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	case OpList:
		return "list"
	default:
		return "delete"
	}
}

// Permission returns the permission the operation requires.
func (op Operation) Permission() perm.Permission {
	switch op {
	case OpUpload:
		return perm.Upload
	case OpDownload:
		return perm.Download
	case OpList:
		return perm.List
	default:
		return perm.Delete
	}
}

// TokenVerifier is the seam between the pipeline and the token source; both
// the built-in HS256 service and the OIDC verifier satisfy it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (token.Claims, error)
}

// Limiter is the throttling seam.
type Limiter interface {
	Allow(identity, endpoint string, lim ratelimit.Limit) ratelimit.Decision
}

// Recorder is the audit seam. Record must never block or fail the caller.
type Recorder interface {
	Record(audit.Event)
}

// Observer receives pipeline outcomes, typically for metrics.
type Observer interface {
	ObserveOutcome(operation, outcome string)
}

// Config tunes the pipeline.
type Config struct {
	// Limits maps each operation to its per-identity budget.
	Limits map[Operation]ratelimit.Limit
	// PresignTTL is the lifetime of minted URLs.
	PresignTTL time.Duration
	// UploadPrefix namespaces generated keys; default "uploads".
	UploadPrefix string
	// StoreTimeout bounds each individual object-store call.
	StoreTimeout time.Duration
	// StoreRetries is the number of extra attempts after a transient store
	// failure. Gating rejections are never retried.
	StoreRetries int
	// RetryBackoff is the initial delay between store attempts; it doubles
	// per retry.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PresignTTL <= 0 {
		c.PresignTTL = 10 * time.Minute
	}
	if c.UploadPrefix == "" {
		c.UploadPrefix = "uploads"
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.StoreRetries < 0 {
		c.StoreRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

// defaultLimit applies when an operation has no configured budget.
var defaultLimit = ratelimit.Limit{Requests: 60, Window: time.Minute}

// Request carries one gated call through the pipeline. Client* fields feed
// the audit trail only.
type Request struct {
	Op          Operation
	Token       string
	Filename    string // upload
	ContentType string // upload
	FileKey     string // download, delete
	Prefix      string // list
	MaxKeys     int    // list

	ClientIP  string
	UserAgent string
	Method    string
	URL       string
}

// Response is the successful outcome of a gated call.
type Response struct {
	PresignedURL string
	FileKey      string
	ContentType  string
	ExpiresIn    time.Duration
	Files        []storage.ObjectInfo
	Deleted      bool
}

// Pipeline composes the gating stages around the object store. Safe for
// concurrent use; one Handle call per request.
type Pipeline struct {
	tokens  TokenVerifier
	guard   perm.Guard
	limiter Limiter
	policy  *filekey.Policy
	aud     Recorder
	store   storage.ObjectStore
	cfg     Config
	obs     Observer
}

// New wires a pipeline. policy may be nil only if upload is never routed
// here; passing the default policy is cheaper than finding out.
func New(tokens TokenVerifier, limiter Limiter, policy *filekey.Policy, aud Recorder, store storage.ObjectStore, cfg Config) *Pipeline {
	if policy == nil {
		policy = filekey.New(nil, true)
	}
	return &Pipeline{
		tokens:  tokens,
		limiter: limiter,
		policy:  policy,
		aud:     aud,
		store:   store,
		cfg:     cfg.withDefaults(),
	}
}

// SetObserver wires a metrics observer. Call before serving traffic.
func (p *Pipeline) SetObserver(obs Observer) { p.obs = obs }

// Handle runs one request through the gate. On success it returns the
// operation's response; on failure it returns one of the typed errors from
// this package, token.AuthError, filekey.ValidationError or
// storage.StoreError. Exactly one audit event describes the outcome, and it
// is enqueued before Handle returns.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	ev := p.eventFor(req)

	// Received -> TokenVerified
	claims, err := p.tokens.Verify(ctx, req.Token)
	if err != nil {
		e := ev(audit.EventAuthenticationFailure, "", false)
		e.Error = err.Error()
		p.aud.Record(e)
		p.observe(req.Op, "auth_error")
		return nil, err
	}
	// Pre-action event: the identity was established for this request.
	pre := ev(audit.EventAuthentication, claims.Subject, true)
	pre.Details["operation"] = req.Op.String()
	p.aud.Record(pre)

	// TokenVerified -> Authorized
	required := req.Op.Permission()
	if !p.guard.Authorize(claims.Permissions, required) {
		e := ev(audit.EventAuthorizationFailure, claims.Subject, false)
		e.Details["required_permission"] = required.String()
		e.Details["endpoint"] = req.Op.String()
		p.aud.Record(e)
		p.observe(req.Op, "forbidden")
		return nil, &AuthorizationError{Subject: claims.Subject, Required: required}
	}

	// Authorized -> RateChecked. The consumed slot is never refunded, even
	// if the client goes away before the response.
	lim, ok := p.cfg.Limits[req.Op]
	if !ok {
		lim = defaultLimit
	}
	d := p.limiter.Allow(claims.Subject, req.Op.String(), lim)
	if !d.Allowed {
		e := ev(audit.EventRateLimitViolation, claims.Subject, false)
		e.Details["endpoint"] = req.Op.String()
		e.Details["retry_after_seconds"] = int(d.RetryAfter.Seconds() + 0.999)
		p.aud.Record(e)
		p.observe(req.Op, "rate_limited")
		return nil, &RateLimitError{Endpoint: req.Op.String(), RetryAfter: d.RetryAfter}
	}

	switch req.Op {
	case OpUpload:
		return p.handleUpload(ctx, req, claims, ev)
	case OpDownload:
		return p.handleDownload(ctx, req, claims, ev)
	case OpList:
		return p.handleList(ctx, req, claims, ev)
	default:
		return p.handleDelete(ctx, req, claims, ev)
	}
}

type eventFn func(eventType, userID string, success bool) audit.Event

// eventFor binds the request's client metadata into an event constructor so
// every stage stamps identical context.
func (p *Pipeline) eventFor(req Request) eventFn {
	return func(eventType, userID string, success bool) audit.Event {
		return audit.Event{
			EventType: eventType,
			UserID:    userID,
			Success:   success,
			ClientIP:  req.ClientIP,
			UserAgent: req.UserAgent,
			Method:    req.Method,
			URL:       req.URL,
			Details:   map[string]any{},
		}
	}
}

func (p *Pipeline) handleUpload(ctx context.Context, req Request, claims token.Claims, ev eventFn) (*Response, error) {
	// RateChecked -> FileValidated
	ct, err := p.policy.Validate(req.Filename, req.ContentType)
	if err != nil {
		e := ev(audit.EventFileTypeViolation, claims.Subject, false)
		e.Details["filename"] = req.Filename
		e.Error = err.Error()
		p.aud.Record(e)
		p.observe(req.Op, "invalid_file")
		return nil, err
	}
	rec, err := p.policy.GenerateKey(p.cfg.UploadPrefix, req.Filename, ct)
	if err != nil {
		e := ev(audit.EventFileTypeViolation, claims.Subject, false)
		e.Details["filename"] = req.Filename
		e.Error = err.Error()
		p.aud.Record(e)
		p.observe(req.Op, "invalid_file")
		return nil, err
	}

	// FileValidated -> Delegated
	var url string
	err = p.callStore(ctx, func(cctx context.Context) error {
		var serr error
		url, serr = p.store.GenerateUploadURL(cctx, rec.GeneratedKey, ct, p.cfg.PresignTTL)
		return serr
	})

	e := ev(audit.EventPresignedURLGenerated, claims.Subject, err == nil)
	e.Details["operation"] = "upload"
	e.Details["file_key"] = rec.GeneratedKey
	e.Details["filename"] = req.Filename
	e.Details["expiration_seconds"] = int(p.cfg.PresignTTL.Seconds())
	if err != nil {
		e.Error = err.Error()
		p.aud.Record(e)
		p.observe(req.Op, "store_error")
		return nil, err
	}
	p.aud.Record(e)
	p.observe(req.Op, "ok")
	return &Response{
		PresignedURL: url,
		FileKey:      rec.GeneratedKey,
		ContentType:  ct,
		ExpiresIn:    p.cfg.PresignTTL,
	}, nil
}

func (p *Pipeline) handleDownload(ctx context.Context, req Request, claims token.Claims, ev eventFn) (*Response, error) {
	post := ev(audit.EventPresignedURLGenerated, claims.Subject, false)
	post.Details["operation"] = "download"
	post.Details["file_key"] = req.FileKey

	var exists bool
	err := p.callStore(ctx, func(cctx context.Context) error {
		var serr error
		exists, serr = p.store.ObjectExists(cctx, req.FileKey)
		return serr
	})
	if err != nil {
		post.Error = err.Error()
		p.aud.Record(post)
		p.observe(req.Op, "store_error")
		return nil, err
	}
	if !exists {
		nf := &NotFoundError{Key: req.FileKey}
		post.Error = nf.Error()
		p.aud.Record(post)
		p.observe(req.Op, "not_found")
		return nil, nf
	}

	var url string
	err = p.callStore(ctx, func(cctx context.Context) error {
		var serr error
		url, serr = p.store.GenerateDownloadURL(cctx, req.FileKey, p.cfg.PresignTTL)
		return serr
	})
	if err != nil {
		post.Error = err.Error()
		p.aud.Record(post)
		p.observe(req.Op, "store_error")
		return nil, err
	}

	post.Success = true
	post.Details["expiration_seconds"] = int(p.cfg.PresignTTL.Seconds())
	p.aud.Record(post)
	p.observe(req.Op, "ok")
	return &Response{
		PresignedURL: url,
		FileKey:      req.FileKey,
		ExpiresIn:    p.cfg.PresignTTL,
	}, nil
}

func (p *Pipeline) handleList(ctx context.Context, req Request, claims token.Claims, ev eventFn) (*Response, error) {
	prefix := req.Prefix
	if prefix == "" {
		prefix = p.cfg.UploadPrefix + "/"
	}
	var files []storage.ObjectInfo
	err := p.callStore(ctx, func(cctx context.Context) error {
		var serr error
		files, serr = p.store.ListObjects(cctx, prefix, req.MaxKeys)
		return serr
	})

	e := ev(audit.EventFileList, claims.Subject, err == nil)
	e.Details["operation"] = "list"
	e.Details["prefix"] = prefix
	if err != nil {
		e.Error = err.Error()
		p.aud.Record(e)
		p.observe(req.Op, "store_error")
		return nil, err
	}
	e.Details["file_count"] = len(files)
	p.aud.Record(e)
	p.observe(req.Op, "ok")
	return &Response{Files: files}, nil
}

func (p *Pipeline) handleDelete(ctx context.Context, req Request, claims token.Claims, ev eventFn) (*Response, error) {
	err := p.callStore(ctx, func(cctx context.Context) error {
		return p.store.DeleteObject(cctx, req.FileKey)
	})

	e := ev(audit.EventFileDeleted, claims.Subject, err == nil)
	e.Details["operation"] = "delete"
	e.Details["file_key"] = req.FileKey
	if err != nil {
		e.Error = err.Error()
		p.aud.Record(e)
		p.observe(req.Op, "store_error")
		return nil, err
	}
	p.aud.Record(e)
	p.observe(req.Op, "ok")
	return &Response{FileKey: req.FileKey, Deleted: true}, nil
}

// callStore runs one object-store call under the per-call timeout, retrying
// transient failures within the small retry budget. The parent ctx going
// away stops the retry loop; it does not undo anything already applied.
func (p *Pipeline) callStore(ctx context.Context, fn func(context.Context) error) error {
	backoff := p.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= p.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return storage.NewTransient("retry_wait", ctx.Err())
			}
		}
		cctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		err = fn(cctx)
		cancel()
		if err == nil || !storage.IsTransient(err) {
			return err
		}
	}
	return err
}

func (p *Pipeline) observe(op Operation, outcome string) {
	if p.obs != nil {
		p.obs.ObserveOutcome(op.String(), outcome)
	}
}
