package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealgate/pkg/audit"
	"sealgate/pkg/filekey"
	"sealgate/pkg/ratelimit"
	"sealgate/pkg/security/perm"
	"sealgate/pkg/security/token"
	"sealgate/pkg/storage"
)

// memRecorder captures audit events synchronously for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *memRecorder) byType(eventType string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *memRecorder) all() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// flakyStore wraps a MemStore and fails the first n calls per operation
// with the given error.
type flakyStore struct {
	*storage.MemStore
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyStore) GenerateUploadURL(ctx context.Context, key, ct string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return "", f.err
	}
	return f.MemStore.GenerateUploadURL(ctx, key, ct, ttl)
}

type env struct {
	pipe  *Pipeline
	svc   *token.Service
	rec   *memRecorder
	store storage.ObjectStore
}

func newEnv(t *testing.T, store storage.ObjectStore) *env {
	t.Helper()
	if store == nil {
		store = storage.NewMemStore()
	}
	svc := token.NewService(token.StaticKey("pipeline-test-secret"))
	rec := &memRecorder{}
	pipe := New(svc, ratelimit.New(), filekey.New(nil, true), rec, store, Config{
		Limits: map[Operation]ratelimit.Limit{
			OpUpload:   {Requests: 10, Window: time.Minute},
			OpDownload: {Requests: 30, Window: time.Minute},
			OpList:     {Requests: 5, Window: time.Minute},
			OpDelete:   {Requests: 5, Window: time.Minute},
		},
		PresignTTL:   10 * time.Minute,
		StoreTimeout: time.Second,
		StoreRetries: 2,
		RetryBackoff: time.Millisecond,
	})
	return &env{pipe: pipe, svc: svc, rec: rec, store: store}
}

func (e *env) mint(t *testing.T, subject string, perms perm.Set) string {
	t.Helper()
	raw, err := e.svc.Issue(subject, perms, time.Hour)
	require.NoError(t, err)
	return raw
}

func TestHandle_UploadHappyPath(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.mint(t, "alice", perm.NewSet(perm.Upload))

	resp, err := e.pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: tok,
		Filename: "claim.pdf", ContentType: "application/pdf",
		ClientIP: "10.1.2.3", UserAgent: "test", Method: "POST", URL: "/upload-url",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.PresignedURL)
	require.Contains(t, resp.FileKey, "uploads/")
	require.Contains(t, resp.FileKey, "-claim.pdf")
	require.Equal(t, "application/pdf", resp.ContentType)
	require.Equal(t, 10*time.Minute, resp.ExpiresIn)

	events := e.rec.all()
	require.Len(t, events, 2)
	require.Equal(t, audit.EventAuthentication, events[0].EventType)
	require.Equal(t, audit.EventPresignedURLGenerated, events[1].EventType)
	require.True(t, events[1].Success)
	require.Equal(t, resp.FileKey, events[1].Details["file_key"])
	require.Equal(t, "10.1.2.3", events[1].ClientIP)
}

func TestHandle_BadToken(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.pipe.Handle(context.Background(), Request{Op: OpList, Token: "not-a-token"})
	var ae *token.AuthError
	require.ErrorAs(t, err, &ae)

	events := e.rec.all()
	require.Len(t, events, 1)
	require.Equal(t, audit.EventAuthenticationFailure, events[0].EventType)
	require.False(t, events[0].Success)
	require.NotContains(t, events[0].Error, "not-a-token")
}

func TestHandle_ExpiredToken(t *testing.T) {
	e := newEnv(t, nil)
	raw, err := e.svc.Issue("alice", nil, time.Second)
	require.NoError(t, err)
	time.Sleep(2 * time.Second)

	_, err = e.pipe.Handle(context.Background(), Request{Op: OpList, Token: raw})
	var ae *token.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, token.Expired, ae.Kind)
}

func TestHandle_MissingDeletePermission(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.mint(t, "bob", perm.DefaultSet()) // no delete

	_, err := e.pipe.Handle(context.Background(), Request{Op: OpDelete, Token: tok, FileKey: "uploads/x.pdf"})
	var authz *AuthorizationError
	require.ErrorAs(t, err, &authz)
	require.Equal(t, perm.Delete, authz.Required)

	failures := e.rec.byType(audit.EventAuthorizationFailure)
	require.Len(t, failures, 1, "exactly one authorization_failure event")
	require.Equal(t, "delete", failures[0].Details["required_permission"])
	require.Equal(t, "bob", failures[0].UserID)
	// The pre-action authentication event still precedes the failure.
	all := e.rec.all()
	require.Equal(t, audit.EventAuthentication, all[0].EventType)
}

func TestHandle_EleventhUploadThrottled(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.mint(t, "carol", perm.NewSet(perm.Upload))

	for i := 0; i < 10; i++ {
		_, err := e.pipe.Handle(context.Background(), Request{
			Op: OpUpload, Token: tok, Filename: "f.txt", ContentType: "text/plain",
		})
		require.NoError(t, err, "request %d", i+1)
	}
	_, err := e.pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: tok, Filename: "f.txt", ContentType: "text/plain",
	})
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Greater(t, rle.RetryAfter, time.Duration(0))

	violations := e.rec.byType(audit.EventRateLimitViolation)
	require.Len(t, violations, 1)
	require.Equal(t, "upload", violations[0].Details["endpoint"])
}

func TestHandle_BlockedExtensionEvenWhenAllowlisted(t *testing.T) {
	svc := token.NewService(token.StaticKey("pipeline-test-secret"))
	rec := &memRecorder{}
	// Operator mistakenly allowlists .exe; blocklist must still win.
	policy := filekey.New(map[string]string{".exe": "application/octet-stream"}, true)
	pipe := New(svc, ratelimit.New(), policy, rec, storage.NewMemStore(), Config{})
	raw, err := svc.Issue("dave", perm.NewSet(perm.Upload), time.Hour)
	require.NoError(t, err)

	_, err = pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: raw, Filename: "virus.exe", ContentType: "application/octet-stream",
	})
	var ve *filekey.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, filekey.BlockedExtension, ve.Kind)
	require.Len(t, rec.byType(audit.EventFileTypeViolation), 1)
}

func TestHandle_DownloadNotFound(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.mint(t, "alice", perm.DefaultSet())

	_, err := e.pipe.Handle(context.Background(), Request{Op: OpDownload, Token: tok, FileKey: "uploads/missing.txt"})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	post := e.rec.byType(audit.EventPresignedURLGenerated)
	require.Len(t, post, 1)
	require.False(t, post[0].Success)
}

func TestHandle_DownloadExisting(t *testing.T) {
	mem := storage.NewMemStore()
	mem.Seed("uploads/ok.txt", 42)
	e := newEnv(t, mem)
	tok := e.mint(t, "alice", perm.DefaultSet())

	resp, err := e.pipe.Handle(context.Background(), Request{Op: OpDownload, Token: tok, FileKey: "uploads/ok.txt"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.PresignedURL)
	require.Equal(t, "uploads/ok.txt", resp.FileKey)
}

func TestHandle_ListAndDelete(t *testing.T) {
	mem := storage.NewMemStore()
	mem.Seed("uploads/a.txt", 1)
	mem.Seed("uploads/b.txt", 2)
	e := newEnv(t, mem)
	tok := e.mint(t, "admin", perm.NewSet(perm.Upload, perm.Download, perm.List, perm.Delete))

	resp, err := e.pipe.Handle(context.Background(), Request{Op: OpList, Token: tok})
	require.NoError(t, err)
	require.Len(t, resp.Files, 2)
	lists := e.rec.byType(audit.EventFileList)
	require.Len(t, lists, 1)
	require.Equal(t, 2, lists[0].Details["file_count"])

	resp, err = e.pipe.Handle(context.Background(), Request{Op: OpDelete, Token: tok, FileKey: "uploads/a.txt"})
	require.NoError(t, err)
	require.True(t, resp.Deleted)
	require.Len(t, e.rec.byType(audit.EventFileDeleted), 1)

	exists, err := mem.ObjectExists(context.Background(), "uploads/a.txt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHandle_TransientStoreErrorRetried(t *testing.T) {
	fs := &flakyStore{
		MemStore: storage.NewMemStore(),
		failures: 2,
		err:      storage.NewTransient("presign_put", errors.New("connection reset")),
	}
	e := newEnv(t, fs)
	tok := e.mint(t, "alice", perm.NewSet(perm.Upload))

	resp, err := e.pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: tok, Filename: "f.txt", ContentType: "text/plain",
	})
	require.NoError(t, err, "two transient failures fit the retry budget")
	require.NotEmpty(t, resp.PresignedURL)
	require.Equal(t, 3, fs.calls)
}

func TestHandle_TransientBudgetExhausted(t *testing.T) {
	fs := &flakyStore{
		MemStore: storage.NewMemStore(),
		failures: 10,
		err:      storage.NewTransient("presign_put", errors.New("connection reset")),
	}
	e := newEnv(t, fs)
	tok := e.mint(t, "alice", perm.NewSet(perm.Upload))

	_, err := e.pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: tok, Filename: "f.txt", ContentType: "text/plain",
	})
	require.True(t, storage.IsTransient(err))
	require.Equal(t, 3, fs.calls, "initial attempt plus two retries")

	post := e.rec.byType(audit.EventPresignedURLGenerated)
	require.Len(t, post, 1)
	require.False(t, post[0].Success)
}

func TestHandle_PermanentStoreErrorNotRetried(t *testing.T) {
	fs := &flakyStore{
		MemStore: storage.NewMemStore(),
		failures: 10,
		err:      storage.NewPermanent("presign_put", errors.New("access denied")),
	}
	e := newEnv(t, fs)
	tok := e.mint(t, "alice", perm.NewSet(perm.Upload))

	_, err := e.pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: tok, Filename: "f.txt", ContentType: "text/plain",
	})
	require.Error(t, err)
	require.False(t, storage.IsTransient(err))
	require.Equal(t, 1, fs.calls, "permanent failures get no retry")
}

func TestHandle_EveryRejectionIsAudited(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.mint(t, "eve", perm.NewSet(perm.Upload))

	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"bad token", Request{Op: OpUpload, Token: "zzz"}, audit.EventAuthenticationFailure},
		{"missing permission", Request{Op: OpDelete, Token: tok, FileKey: "k"}, audit.EventAuthorizationFailure},
		{"blocked file", Request{Op: OpUpload, Token: tok, Filename: "x.exe"}, audit.EventFileTypeViolation},
	}
	for _, tc := range cases {
		before := len(e.rec.byType(tc.want))
		_, err := e.pipe.Handle(context.Background(), tc.req)
		require.Error(t, err, tc.name)
		require.Len(t, e.rec.byType(tc.want), before+1, tc.name)
	}
}

type outcomeObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *outcomeObserver) ObserveOutcome(op, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[op+"/"+outcome]++
}

func TestHandle_OutcomesObserved(t *testing.T) {
	e := newEnv(t, nil)
	obs := &outcomeObserver{outcomes: map[string]int{}}
	e.pipe.SetObserver(obs)
	tok := e.mint(t, "alice", perm.NewSet(perm.Upload))

	_, err := e.pipe.Handle(context.Background(), Request{
		Op: OpUpload, Token: tok, Filename: "f.txt", ContentType: "text/plain",
	})
	require.NoError(t, err)
	_, err = e.pipe.Handle(context.Background(), Request{Op: OpUpload, Token: "bad"})
	require.Error(t, err)

	require.Equal(t, 1, obs.outcomes["upload/ok"])
	require.Equal(t, 1, obs.outcomes["upload/auth_error"])
}
