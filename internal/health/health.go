// Package health aggregates readiness checks for the broker's dependencies.
// The server registers one checker per subsystem it cannot serve without
// (the transaction store, each configured payment gateway) and /health/ready
// runs them all on demand.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one subsystem check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Checker probes a single subsystem. Checkers must honor the context
// deadline; a gateway that hangs must not take readiness down with it.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Registration order is report order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker and reports the aggregate: the
// service is ready only when all subsystems are. Each status is stamped
// with the time it was taken.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].CheckedAt.IsZero() {
			statuses[i].CheckedAt = time.Now().UTC()
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
