// Package audit records an append-only JSON-lines trail of security events.
// Producers enqueue without blocking; a single writer goroutine serializes
// appends so interleaved requests never corrupt a record. Persistence is
// best-effort: sink failures are counted and logged, never surfaced to the
// request that triggered the event.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the pipeline.
const (
	EventAuthentication        = "authentication"
	EventAuthenticationFailure = "authentication_failure"
	EventAuthorizationFailure  = "authorization_failure"
	EventRateLimitViolation    = "rate_limit_violation"
	EventFileTypeViolation     = "file_type_violation"
	EventPresignedURLGenerated = "presigned_url_generated"
	EventFileList              = "file_list"
	EventFileDeleted           = "file_deleted"
)

// Event is one audit record. Field order and names are a byte-level contract
// with downstream log tooling; do not reorder or rename.
//
// Details must never contain raw tokens or key material.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id"`
	Success   bool           `json:"success"`
	ClientIP  string         `json:"client_ip"`
	UserAgent string         `json:"user_agent"`
	Method    string         `json:"method"`
	URL       string         `json:"url"`
	Details   map[string]any `json:"details"`
	Error     string         `json:"error,omitempty"`
}

// Observer receives logger outcomes, typically for metrics.
type Observer interface {
	ObserveWrite(ok bool)
	ObserveDrop()
}

// Logger owns the audit sink. Safe for concurrent producers; writes are
// serialized by one background goroutine fed from a bounded queue.
//
// Backpressure policy: when the queue is full, the newest event is dropped
// and counted. Blocking producers would let a stalled sink stretch request
// latency, which the record path must never do.
type Logger struct {
	ch   chan Event
	w    io.Writer
	c    io.Closer
	obs  Observer
	now  func() time.Time
	wg   sync.WaitGroup
	once sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New builds a Logger appending to w with the given queue capacity and
// starts the writer goroutine. capacity <= 0 defaults to 1024.
func New(w io.Writer, capacity int) *Logger {
	if capacity <= 0 {
		capacity = 1024
	}
	l := &Logger{
		ch:  make(chan Event, capacity),
		w:   w,
		now: time.Now,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// NewFile opens (creating parent directories as needed) an append-only sink
// at path and returns a Logger writing to it.
func NewFile(path string, capacity int) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("audit: mkdir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	l := New(f, capacity)
	l.c = f
	return l, nil
}

// SetObserver wires a metrics observer. Call before producing events.
func (l *Logger) SetObserver(obs Observer) { l.obs = obs }

// Record enqueues one event. It never blocks and never returns an error to
// the request path; a full queue drops the event and bumps the drop counter.
// A zero Timestamp is stamped at enqueue time, so per-request ordering
// follows the order the pipeline emitted the events.
func (l *Logger) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
		if l.obs != nil {
			l.obs.ObserveDrop()
		}
	}
}

// Stats reports lifetime counters: events written, dropped on enqueue, and
// failed at the sink.
func (l *Logger) Stats() (written, dropped, failed uint64) {
	return l.written.Load(), l.dropped.Load(), l.failed.Load()
}

// Close stops accepting events, drains the queue to the sink, and closes a
// file-backed sink. Bounded by ctx.
func (l *Logger) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.ch) })
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()
	for ev := range l.ch {
		l.write(ev)
	}
}

func (l *Logger) write(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		// Unmarshalable details only; count and move on.
		l.failed.Add(1)
		if l.obs != nil {
			l.obs.ObserveWrite(false)
		}
		slog.Warn("audit: marshal event", slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
		return
	}
	if _, err := l.w.Write(append(b, '\n')); err != nil {
		l.failed.Add(1)
		if l.obs != nil {
			l.obs.ObserveWrite(false)
		}
		slog.Warn("audit: append event", slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
		return
	}
	l.written.Add(1)
	if l.obs != nil {
		l.obs.ObserveWrite(true)
	}
}
