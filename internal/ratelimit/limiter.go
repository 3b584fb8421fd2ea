// Package ratelimit implements named-bucket fixed-window rate limiting
// for authentication endpoints. Each bucket names an operation (login,
// token, refresh, ...) and carries its own budget; counters are keyed
// by bucket plus caller identifier so one noisy client cannot exhaust
// another's budget.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Budget is the per-window allowance for one bucket.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Default budgets. Credential-bearing endpoints get the tightest caps.
var DefaultBudgets = map[string]Budget{
	"login":          {Limit: 5, Window: time.Minute},
	"token":          {Limit: 10, Window: time.Minute},
	"refresh":        {Limit: 30, Window: time.Minute},
	"password_reset": {Limit: 3, Window: time.Minute},
	"invite_accept":  {Limit: 5, Window: time.Minute},
}

// Result describes one limiter decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter answers whether one more request fits the bucket's budget.
// Consume counts the attempt whether or not it is allowed.
type Limiter interface {
	Consume(ctx context.Context, identifier, bucket string) (Result, error)
}

// Window is an in-process fixed-window Limiter. Counters live in memory,
// so limits are per-instance; use the Redis limiter when running more
// than one replica.
type Window struct {
	budgets map[string]Budget
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count int
	reset time.Time
}

// NewWindow creates an in-process limiter with the given budgets.
// Buckets without a budget are unlimited.
func NewWindow(budgets map[string]Budget) *Window {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &Window{
		budgets: budgets,
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
}

// WithClock overrides the time source, for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

func (w *Window) Consume(_ context.Context, identifier, bucket string) (Result, error) {
	budget, ok := w.budgets[bucket]
	if !ok {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	now := w.now()
	key := bucket + "\x00" + identifier

	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entries[key]
	if e == nil || !now.Before(e.reset) {
		e = &windowEntry{reset: now.Add(budget.Window)}
		w.entries[key] = e
	}
	e.count++

	// Drop expired counters opportunistically so the map does not grow
	// without bound under churning identifiers.
	if len(w.entries) > 1<<14 {
		for k, v := range w.entries {
			if !now.Before(v.reset) {
				delete(w.entries, k)
			}
		}
	}

	res := Result{
		Limit: budget.Limit,
		Reset: e.reset,
	}
	if e.count <= budget.Limit {
		res.Allowed = true
		res.Remaining = budget.Limit - e.count
		return res, nil
	}
	res.RetryAfter = e.reset.Sub(now)
	return res, nil
}
