// Package health runs named readiness checks for the vault's dependencies
// and serves the aggregate over HTTP.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker returns nil when the subsystem is usable.
type Checker func(ctx context.Context) error

// Registry holds named checks. Checks run concurrently, each under its own
// timeout.
type Registry struct {
	mu      sync.RWMutex
	names   []string
	checks  map[string]Checker
	timeout time.Duration
}

// NewRegistry returns an empty registry using DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker), timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds or replaces the check called name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every check and reports whether all passed. Statuses keep
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checks[n]
	}
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := checks[i](cctx)
			statuses[i] = Status{Name: names[i], Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				statuses[i].Detail = err.Error()
			}
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

// Handler serves GET /health: 200 when every check passes, 503 otherwise.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		}
		c.JSON(code, gin.H{
			"status":  status,
			"version": version,
			"checks":  statuses,
		})
	}
}

// DB checks that db answers a ping.
func DB(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
