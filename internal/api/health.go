package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/docmesh/internal/queue"
)

// QueueStats reports queue depth
type QueueStats interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// HealthCheck represents a single dependency check
type HealthCheck struct {
	Name      string
	CheckFunc func(ctx context.Context) error
}

// HealthChecker runs dependency checks and reports queue depth
type HealthChecker struct {
	queue  QueueStats
	mu     sync.RWMutex
	checks map[string]HealthCheck
	now    func() time.Time
}

// NewHealthChecker creates a health checker that samples q
func NewHealthChecker(q QueueStats) *HealthChecker {
	return &HealthChecker{
		queue:  q,
		checks: make(map[string]HealthCheck),
		now:    time.Now,
	}
}

// RegisterCheck registers a new health check
func (h *HealthChecker) RegisterCheck(name string, checkFunc func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
	}
}

// HealthHandler reports 200 with queue counts when every check passes,
// 503 otherwise.
func (h *HealthChecker) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, check := range h.checks {
		checks = append(checks, check)
	}
	h.mu.RUnlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for _, check := range checks {
		if err := check.CheckFunc(ctx); err != nil {
			results[check.Name] = err.Error()
			healthy = false
			continue
		}
		results[check.Name] = "ok"
	}

	body := gin.H{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
		"checks": results,
	}
	if h.queue != nil {
		counts, err := h.queue.Counts(ctx)
		if err != nil {
			results["queue"] = err.Error()
			healthy = false
		} else {
			body["queue"] = counts
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
