// Package activity tracks the progress of running and recent sync passes.
package activity

import (
	"sync"
	"time"
)

// PassActivity is the state of one sync pass.
type PassActivity struct {
	PassID            string     `json:"pass_id"`
	Trigger           string     `json:"trigger"`
	Status            string     `json:"status"` // running, success, partial, error
	CurrentCollection string     `json:"current_collection,omitempty"`
	TotalCollections  int        `json:"total_collections"`
	CollectionsSynced int        `json:"collections_synced"`
	EventsProcessed   int        `json:"events_processed"`
	EventsCreated     int        `json:"events_created"`
	EventsUpdated     int        `json:"events_updated"`
	EventsDeleted     int        `json:"events_deleted"`
	EventsSkipped     int        `json:"events_skipped"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Duration          string     `json:"duration,omitempty"`
	Message           string     `json:"message,omitempty"`
	Errors            []string   `json:"errors,omitempty"`
}

// Progress is a counter delta reported by a collection.
type Progress struct {
	Processed int
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
}

// Tracker tracks active and recently finished passes.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*PassActivity
	recent    []*PassActivity
	maxRecent int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*PassActivity),
		maxRecent: 20,
	}
}

// StartPass begins tracking a pass.
func (t *Tracker) StartPass(passID, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[passID] = &PassActivity{
		PassID:    passID,
		Trigger:   trigger,
		Status:    "running",
		StartedAt: time.Now(),
	}
}

// SetTotal records how many collections the pass will process.
func (t *Tracker) SetTotal(passID string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[passID]; ok {
		a.TotalCollections = total
	}
}

// StartCollection records the collection being processed.
func (t *Tracker) StartCollection(passID, collectionURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[passID]; ok {
		a.CurrentCollection = collectionURL
	}
}

// FinishCollection adds the progress of one finished collection.
func (t *Tracker) FinishCollection(passID string, p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[passID]
	if !ok {
		return
	}
	a.CollectionsSynced++
	a.EventsProcessed += p.Processed
	a.EventsCreated += p.Created
	a.EventsUpdated += p.Updated
	a.EventsDeleted += p.Deleted
	a.EventsSkipped += p.Skipped
}

// FinishPass marks a pass as finished and moves it to the recent list.
func (t *Tracker) FinishPass(passID, status, message string, errs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[passID]
	if !ok {
		return
	}

	now := time.Now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Status = status
	a.Message = message
	a.Errors = errs
	a.CurrentCollection = ""

	t.recent = append([]*PassActivity{a}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}
	delete(t.active, passID)
}

// GetActive returns copies of the running passes.
func (t *Tracker) GetActive() []*PassActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*PassActivity, 0, len(t.active))
	for _, a := range t.active {
		c := *a
		c.Duration = time.Since(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	return result
}

// GetRecent returns copies of recently finished passes, newest first.
func (t *Tracker) GetRecent() []*PassActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*PassActivity, len(t.recent))
	for i, a := range t.recent {
		c := *a
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent passes.
func (t *Tracker) GetAll() map[string]any {
	return map[string]any{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsRunning reports whether any pass is in progress.
func (t *Tracker) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active) > 0
}
