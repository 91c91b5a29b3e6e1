package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calmirror/internal/activity"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/model"
	"github.com/macjediwizard/calmirror/internal/planner"
	"github.com/macjediwizard/calmirror/internal/syncer"
)

type fakeEngine struct {
	tracker     *activity.Tracker
	events      []model.Event
	collections []syncer.SelectedCollection
	err         error
	lastFilter  planner.Filter
}

func (e *fakeEngine) Query(ctx context.Context, filter planner.Filter) ([]model.Event, error) {
	e.lastFilter = filter
	return e.events, e.err
}

func (e *fakeEngine) Collections(ctx context.Context) ([]syncer.SelectedCollection, error) {
	return e.collections, e.err
}

func (e *fakeEngine) Tracker() *activity.Tracker {
	return e.tracker
}

type fakeTrigger struct {
	mu      sync.Mutex
	filters []planner.Filter
	next    time.Time
}

func (f *fakeTrigger) TriggerSync(filter planner.Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
}

func (f *fakeTrigger) NextRun() time.Time {
	return f.next
}

// testHandlers holds test dependencies.
type testHandlers struct {
	db       *db.DB
	engine   *fakeEngine
	trigger  *fakeTrigger
	handlers *Handlers
	router   *gin.Engine
}

// setupTestHandlers creates handlers with a test database.
func setupTestHandlers(t *testing.T) *testHandlers {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calmirror-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(tempDir)
	})

	th := &testHandlers{
		db:      database,
		engine:  &fakeEngine{tracker: activity.NewTracker()},
		trigger: &fakeTrigger{},
	}
	th.handlers = NewHandlers(th.engine, th.trigger, database)
	th.router = gin.New()
	SetupRoutes(th.router, th.handlers, RouteConfig{RPS: 100, Burst: 100})
	return th
}

func (th *testHandlers) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

type failingPing struct {
	*db.DB
}

func (failingPing) Ping() error {
	return errors.New("database is locked")
}

func TestHealthEndpoints(t *testing.T) {
	th := setupTestHandlers(t)
	th.trigger.next = time.Date(2030, 1, 1, 3, 0, 0, 0, time.UTC)

	t.Run("health reports healthy", func(t *testing.T) {
		w := th.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var report HealthReport
		decode(t, w, &report)
		if report.Status != "healthy" || report.Database != "ok" {
			t.Errorf("unexpected report %+v", report)
		}
		if report.NextRun != "2030-01-01T03:00:00Z" {
			t.Errorf("unexpected next run %q", report.NextRun)
		}
	})

	t.Run("liveness", func(t *testing.T) {
		w := th.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})

	t.Run("readiness", func(t *testing.T) {
		w := th.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})

	t.Run("unhealthy when database fails", func(t *testing.T) {
		h := NewHandlers(th.engine, th.trigger, failingPing{th.db})
		r := gin.New()
		SetupRoutes(r, h, RouteConfig{RPS: 100, Burst: 100})

		for _, path := range []string{"/health", "/ready"} {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s: expected 503, got %d", path, w.Code)
			}
		}
	})
}

func TestNoRoute(t *testing.T) {
	th := setupTestHandlers(t)

	w := th.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAPIRequiresAuthWhenConfigured(t *testing.T) {
	th := setupTestHandlers(t)
	r := gin.New()
	SetupRoutes(r, th.handlers, RouteConfig{Username: "admin", Password: "secret", RPS: 100, Burst: 100})

	for _, path := range []string{"/api/status", "/api/events"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}

	// Health stays open
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
