// Package health aggregates liveness checks for the service's dependencies
// and exposes them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checkers on demand. Probes run concurrently with a
// shared deadline so a hung dependency cannot stall the health endpoint.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{timeout: 5 * time.Second, logger: logger}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Health runs all checks and reports per-dependency results plus an overall
// verdict. With no checkers registered the service reports healthy.
func (m *Manager) Health(ctx context.Context) (bool, map[string]CheckResult) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type named struct {
		name string
		res  CheckResult
	}
	out := make(chan named, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			out <- named{c.Name(), c.Check(ctx)}
		}(c)
	}

	healthy := true
	results := make(map[string]CheckResult, len(checkers))
	for range checkers {
		n := <-out
		results[n.name] = n.res
		if !n.res.Healthy {
			healthy = false
			m.logger.Warn("health check failed",
				zap.String("check", n.name),
				zap.String("message", n.res.Message))
		}
	}
	return healthy, results
}

// Handler serves GET /healthz from the manager.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	healthy, results := h.mgr.Health(r.Context())
	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

// HTTPServiceChecker probes an HTTP dependency, such as the browser driver or
// the model service, with a GET against its base URL.
type HTTPServiceChecker struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPServiceChecker(name, baseURL string) *HTTPServiceChecker {
	return &HTTPServiceChecker{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *HTTPServiceChecker) Name() string { return c.name }

func (c *HTTPServiceChecker) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return CheckResult{Message: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return CheckResult{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return CheckResult{Message: resp.Status}
	}
	return CheckResult{Healthy: true}
}

// RedisChecker pings the event mirror's Redis.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Message: err.Error()}
	}
	return CheckResult{Healthy: true}
}

// DatabaseChecker pings the task history database.
type DatabaseChecker struct {
	db *sqlx.DB
}

func NewDatabaseChecker(db *sqlx.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string { return "history_db" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{Message: err.Error()}
	}
	return CheckResult{Healthy: true}
}
