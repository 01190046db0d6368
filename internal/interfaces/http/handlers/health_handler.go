package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/jwksverify/pkg/logger"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks  map[string]HealthCheck
	timeout time.Duration
	log     logger.Logger
}

// NewHealthHandler creates a HealthHandler. checks are run by the readiness probe.
func NewHealthHandler(checks map[string]HealthCheck, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		timeout: 2 * time.Second,
		log:     log,
	}
}

// LivenessCheck reports that the process is serving requests.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// ReadinessCheck runs every dependency check and answers 503 when one fails.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	status := "ready"
	httpStatus := http.StatusOK

	checks := h.performChecks(c.Request.Context())
	for name, result := range checks {
		if result != "ok" {
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
			h.log.Warn(c.Request.Context(), "readiness check failed",
				logger.String("check", name),
				logger.String("result", result),
			)
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (h *HealthHandler) performChecks(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var wg sync.WaitGroup
	mu := &sync.Mutex{}
	results := make(map[string]string, len(h.checks))

	wg.Add(len(h.checks))
	for name, check := range h.checks {
		go func(name string, check HealthCheck) {
			defer wg.Done()
			status := "ok"
			if err := check(ctx); err != nil {
				status = "error: " + err.Error()
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return results
}
