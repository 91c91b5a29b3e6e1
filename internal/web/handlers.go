package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calmirror/internal/activity"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/model"
	"github.com/macjediwizard/calmirror/internal/planner"
	"github.com/macjediwizard/calmirror/internal/syncer"
)

// Engine is the sync engine as seen by the HTTP surface.
type Engine interface {
	Query(ctx context.Context, filter planner.Filter) ([]model.Event, error)
	Collections(ctx context.Context) ([]syncer.SelectedCollection, error)
	Tracker() *activity.Tracker
}

// Trigger starts passes in the background.
type Trigger interface {
	TriggerSync(filter planner.Filter)
	NextRun() time.Time
}

// Store is the state database as seen by the HTTP surface.
type Store interface {
	Ping() error
	GetSyncStates() ([]*db.SyncState, error)
	GetSyncLogs(limit int) ([]*db.SyncLog, error)
	GetMalformedEvents() ([]*db.MalformedEvent, error)
	DeleteMalformedEvent(id string) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	engine  Engine
	trigger Trigger
	store   Store
	started time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine Engine, trigger Trigger, store Store) *Handlers {
	return &Handlers{
		engine:  engine,
		trigger: trigger,
		store:   store,
		started: time.Now(),
	}
}

// HealthReport is the body of the health endpoints.
type HealthReport struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Syncing  bool   `json:"syncing"`
	NextRun  string `json:"next_run,omitempty"`
	Uptime   string `json:"uptime"`
}

func (h *Handlers) check() (HealthReport, bool) {
	report := HealthReport{
		Status:   "healthy",
		Database: "ok",
		Uptime:   time.Since(h.started).Round(time.Second).String(),
	}
	if h.engine != nil {
		report.Syncing = h.engine.Tracker().IsRunning()
	}
	if h.trigger != nil {
		if next := h.trigger.NextRun(); !next.IsZero() {
			report.NextRun = next.Format(time.RFC3339)
		}
	}
	if err := h.store.Ping(); err != nil {
		sanitizeError(err, "database ping failed")
		report.Status = "unhealthy"
		report.Database = "unavailable"
		return report, false
	}
	return report, true
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report, ok := h.check()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness checks all dependencies.
func (h *Handlers) Readiness(c *gin.Context) {
	report, ok := h.check()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
