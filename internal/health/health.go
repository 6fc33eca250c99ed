// Package health reports whether the scorer can serve: the state store is
// reachable, its per-operation circuits are closed and the postal code
// index is loaded. Checks run in registration order on every /health call.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/cardguard/internal/circuitbreaker"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects one dependency.
type Checker func(ctx context.Context) Status

// Registry runs a fixed set of named checks.
type Registry struct {
	mu     sync.RWMutex
	checks []Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a check. The name is stamped on every Status it returns.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, func(ctx context.Context) Status {
		st := check(ctx)
		st.Name = name
		return st
	})
	r.mu.Unlock()
}

// CheckAll runs every check. The scorer is healthy only if all of them are.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := append([]Checker(nil), r.checks...)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(checks))
	for _, check := range checks {
		st := check(ctx)
		healthy = healthy && st.Healthy
		statuses = append(statuses, st)
	}
	return healthy, statuses
}

// Pinger is implemented by store backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker is healthy when Ping succeeds within timeout. The detail is the
// round trip in milliseconds.
func PingChecker(name string, p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
	}
}

// SizeChecker is healthy while size reports at least minEntries. It catches a
// truncated or empty postal code file.
func SizeChecker(name string, size func() int, minEntries int) Checker {
	return func(context.Context) Status {
		n := size()
		if n < minEntries {
			return Status{Name: name, Detail: fmt.Sprintf("%d entries, want at least %d", n, minEntries)}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d entries", n)}
	}
}

// BreakerState is satisfied by *circuitbreaker.Breaker.
type BreakerState interface {
	State(key string) circuitbreaker.State
}

// BreakerChecker reports the circuit state of each store operation, e.g.
// "get_card_state=closed put_card_state=open". It is unhealthy while any
// circuit is open; half-open counts as recovering and stays healthy.
func BreakerChecker(name string, b BreakerState, ops ...string) Checker {
	return func(context.Context) Status {
		healthy := true
		parts := make([]string, 0, len(ops))
		for _, op := range ops {
			st := b.State(op)
			if st == circuitbreaker.StateOpen {
				healthy = false
			}
			parts = append(parts, op+"="+st.String())
		}
		return Status{Name: name, Healthy: healthy, Detail: strings.Join(parts, " ")}
	}
}
