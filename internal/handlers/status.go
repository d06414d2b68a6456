package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/monitoring"
	"github.com/jddunn/safeos/pkg/version"
)

// GetStatus reports the live shape of the service: stream counters, analysis
// load, signaling occupancy, and review backlog.
func (h *Handlers) GetStatus(c *gin.Context) {
	pending, err := h.queue.Pending(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Warn("Failed to count pending review items")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, models.OK(gin.H{
		"service":        version.Service,
		"version":        version.GetInfo(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"system": gin.H{
			"cpu_count":       runtime.NumCPU(),
			"goroutines":      runtime.NumGoroutine(),
			"mem_alloc_bytes": mem.Alloc,
			"mem_sys_bytes":   mem.Sys,
			"gc_runs":         mem.NumGC,
		},
		"streams":   h.manager.Summary(),
		"analysis":  h.pipeline.Stats(),
		"signaling": h.sw.Stats(),
		"review":    gin.H{"pending": pending},
	}))
}

// Health exposes the checker so startup code can attach checks for optional
// backends before the listeners come up.
func (h *Handlers) Health() *monitoring.HealthChecker {
	return h.health
}

func (h *Handlers) databaseCheck() monitoring.CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return monitoring.CheckResult{
			Status:  monitoring.StatusUnhealthy,
			Message: fmt.Sprintf("Database ping failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	return monitoring.CheckResult{
		Status:  monitoring.StatusHealthy,
		Message: "Database connection successful",
		Latency: time.Since(start).String(),
	}
}

// eventsCheck probes the hub by subscribing and immediately detaching. A nil
// subscriber means the hub has stopped and intake clients would get no events.
func (h *Handlers) eventsCheck() monitoring.CheckResult {
	start := time.Now()
	sub := h.hub.Subscribe("")
	if sub == nil {
		return monitoring.CheckResult{
			Status:  monitoring.StatusUnhealthy,
			Message: "Event hub is stopped",
			Latency: time.Since(start).String(),
		}
	}
	sub.Close()
	return monitoring.CheckResult{
		Status:  monitoring.StatusHealthy,
		Message: "Event hub accepting subscribers",
		Latency: time.Since(start).String(),
	}
}
