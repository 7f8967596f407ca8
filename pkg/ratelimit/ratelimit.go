// Package ratelimit bounds request frequency per (identity, endpoint) pair
// using fixed-window counting. State lives in a sharded in-process table so
// unrelated identities never contend on a common lock; each check-and-
// increment is atomic under its shard's mutex.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Limit configures one endpoint's budget: Requests admissions per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Decision reports the outcome of a single check-and-increment.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller must wait for the current window to
	// roll over. Zero when Allowed.
	RetryAfter time.Duration
	// Remaining is the budget left in the window after this decision.
	Remaining int
}

// Observer receives limiter decisions, typically for metrics.
type Observer interface {
	ObserveDecision(endpoint string, allowed bool)
}

// shardCount must be a power of two; 64 keeps contention negligible at the
// request rates a single gate instance serves.
const shardCount = 64

type entry struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter is the shared rate-limit table. Safe for concurrent use.
type Limiter struct {
	shards [shardCount]shard
	obs    Observer
	now    func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	l := &Limiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

// SetObserver wires a metrics observer. Call before serving traffic.
func (l *Limiter) SetObserver(obs Observer) { l.obs = obs }

// Allow performs one atomic check-and-increment for the (identity, endpoint)
// key under lim. Concurrent calls for the same key serialize on the key's
// shard, so a window never admits more than lim.Requests and never loses an
// admission. An admitted slot stays consumed even if the caller later
// abandons the request.
func (l *Limiter) Allow(identity, endpoint string, lim Limit) Decision {
	if lim.Requests <= 0 || lim.Window <= 0 {
		// Misconfigured budget fails closed with a full-window wait.
		d := Decision{Allowed: false, RetryAfter: lim.Window}
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Minute
		}
		l.observe(endpoint, false)
		return d
	}

	key := identity + "\x00" + endpoint
	sh := &l.shards[shardIndex(key)]
	now := l.now()

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{windowStart: now}
		sh.entries[key] = e
	}
	// A fresh entry and a just-reset one behave identically, so eviction
	// between requests never affects correctness.
	if now.Sub(e.windowStart) >= lim.Window {
		e.windowStart = now
		e.count = 0
	}
	var d Decision
	if e.count < lim.Requests {
		e.count++
		d = Decision{Allowed: true, Remaining: lim.Requests - e.count}
	} else {
		retry := e.windowStart.Add(lim.Window).Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		d = Decision{Allowed: false, RetryAfter: retry}
	}
	e.lastSeen = now
	sh.mu.Unlock()

	l.observe(endpoint, d.Allowed)
	return d
}

// Entries returns the current number of tracked keys, for observability.
func (l *Limiter) Entries() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor launches a background sweep that drops entries idle for at
// least idleFor. Returns a stop function. Eviction only removes state a
// fresh entry would reproduce, so it is purely a memory bound.
func (l *Limiter) StartJanitor(interval, idleFor time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idleFor <= 0 {
		idleFor = 10 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.sweep(idleFor)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (l *Limiter) sweep(idleFor time.Duration) {
	cutoff := l.now().Add(-idleFor)
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.lastSeen.Before(cutoff) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

func (l *Limiter) observe(endpoint string, allowed bool) {
	if l.obs != nil {
		l.obs.ObserveDecision(endpoint, allowed)
	}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() & (shardCount - 1))
}
