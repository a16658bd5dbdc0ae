// Package handler exposes the daemon's admin HTTP API: health, metrics,
// read-only views of the ledger and cursors, lease status, and scheduler
// control.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mail-story-sync/internal/lease"
	"mail-story-sync/internal/scheduler"
	"mail-story-sync/internal/store"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
}

// NewHandlers creates new HTTP handlers
func NewHandlers(st *store.Store, sched *scheduler.Scheduler) *Handlers {
	return &Handlers{
		store:     st,
		scheduler: sched,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/ledger", h.GetLedger)
		api.GET("/cursors", h.GetCursors)
		api.GET("/lease", h.GetLease)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Details   map[string]string `json:"details,omitempty"`
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Details:   make(map[string]string),
	}

	if err := h.store.DB().Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Details["scheduler"] = "running"
		response.Details["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		response.Details["last_run"] = h.scheduler.GetLastRun().Format(time.RFC3339)
	} else {
		response.Details["scheduler"] = "stopped"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// GetLedger returns the newest processed-message records
func (h *Handlers) GetLedger(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	records, err := h.store.RecentProcessed(limit)
	if err != nil {
		logrus.Errorf("Failed to list ledger entries: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list ledger entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": records, "count": len(records)})
}

// GetCursors returns all mailbox cursors
func (h *Handlers) GetCursors(c *gin.Context) {
	cursors, err := h.store.Cursors()
	if err != nil {
		logrus.Errorf("Failed to list cursors: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list cursors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursors": cursors, "count": len(cursors)})
}

// GetLease returns the current sync lease row
func (h *Handlers) GetLease(c *gin.Context) {
	row, err := lease.Status(h.store.DB())
	if err != nil {
		logrus.Errorf("Failed to read lease: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read lease"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":      row.Owner,
		"expires_at": row.ExpiresAt,
		"held":       row.Owner != "" && row.ExpiresAt.After(time.Now()),
	})
}

// StartScheduler starts the cron scheduler
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// StopScheduler stops the cron scheduler
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// RunOnce triggers a single sync pass
func (h *Handlers) RunOnce(c *gin.Context) {
	go func() {
		if err := h.scheduler.RunOnce(); err != nil {
			logrus.Errorf("Manual sync pass failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// GetSchedulerStatus reports the scheduler state
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := gin.H{"running": h.scheduler.IsRunning()}
	if h.scheduler.IsRunning() {
		status["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		status["last_run"] = h.scheduler.GetLastRun().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, status)
}
