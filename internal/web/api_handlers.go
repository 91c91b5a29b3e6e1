package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calmirror/internal/caldav"
	"github.com/macjediwizard/calmirror/internal/db"
	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
	"github.com/macjediwizard/calmirror/internal/planner"
)

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		appLog.Error(userMessage, err)
	}
	return userMessage
}

// APISyncLog represents a sync log in JSON format for the API.
type APISyncLog struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	Details         *string  `json:"details"`
	EventsCreated   int      `json:"events_created"`
	EventsUpdated   int      `json:"events_updated"`
	EventsDeleted   int      `json:"events_deleted"`
	EventsSkipped   int      `json:"events_skipped"`
	CalendarsSynced int      `json:"calendars_synced"`
	EventsProcessed int      `json:"events_processed"`
	Duration        *float64 `json:"duration"`
	CreatedAt       string   `json:"created_at"`
}

// APISyncHistoryPoint represents a single data point in sync history.
type APISyncHistoryPoint struct {
	Date          string `json:"date"`
	Success       int    `json:"success"`
	Partial       int    `json:"partial"`
	Error         int    `json:"error"`
	EventsCreated int    `json:"events_created"`
	EventsUpdated int    `json:"events_updated"`
	EventsDeleted int    `json:"events_deleted"`
}

// APISyncHistory represents sync history data for charts.
type APISyncHistory struct {
	History []APISyncHistoryPoint `json:"history"`
	Summary APISyncSummary        `json:"summary"`
	Logs    []*APISyncLog         `json:"logs"`
}

// APISyncSummary represents aggregate sync statistics.
type APISyncSummary struct {
	TotalSyncs      int     `json:"total_syncs"`
	SuccessRate     float64 `json:"success_rate"`
	TotalCreated    int     `json:"total_created"`
	TotalUpdated    int     `json:"total_updated"`
	TotalDeleted    int     `json:"total_deleted"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
}

// APICollection is a remote collection with its stored cursor.
type APICollection struct {
	URL         string  `json:"url"`
	DisplayName string  `json:"display_name"`
	Selected    bool    `json:"selected"`
	HasToken    bool    `json:"has_token"`
	LastSyncAt  *string `json:"last_sync_at"`
}

// APIMalformedEvent represents a malformed event in API responses.
type APIMalformedEvent struct {
	ID            string `json:"id"`
	CollectionURL string `json:"collection_url"`
	EventPath     string `json:"event_path"`
	ErrorMessage  string `json:"error_message"`
	DiscoveredAt  string `json:"discovered_at"`
}

// APIEvent is a normalized event in API responses.
type APIEvent struct {
	URL            string           `json:"url"`
	UID            string           `json:"uid"`
	ETag           string           `json:"etag"`
	CollectionURL  string           `json:"calendar_url"`
	Summary        string           `json:"summary"`
	Description    string           `json:"description,omitempty"`
	Location       string           `json:"location,omitempty"`
	Start          string           `json:"start"`
	End            *string          `json:"end"`
	AllDay         bool             `json:"all_day"`
	Categories     []string         `json:"categories,omitempty"`
	RecurrenceRule *string          `json:"rrule"`
	Attendees      []model.Attendee `json:"attendees,omitempty"`
}

// APISyncRequest is the optional body of POST /api/sync.
type APISyncRequest struct {
	URL         string `json:"url"`
	CalendarURL string `json:"calendar_url"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:              l.ID,
		Status:          string(l.Status),
		Message:         l.Message,
		EventsCreated:   l.EventsCreated,
		EventsUpdated:   l.EventsUpdated,
		EventsDeleted:   l.EventsDeleted,
		EventsSkipped:   l.EventsSkipped,
		CalendarsSynced: l.CalendarsSynced,
		EventsProcessed: l.EventsProcessed,
		CreatedAt:       l.CreatedAt.Format(time.RFC3339),
	}
	if l.Details != "" {
		api.Details = &l.Details
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

func malformedEventToAPI(e *db.MalformedEvent) *APIMalformedEvent {
	return &APIMalformedEvent{
		ID:            e.ID,
		CollectionURL: e.CollectionURL,
		EventPath:     e.EventPath,
		ErrorMessage:  e.ErrorMessage,
		DiscoveredAt:  e.DiscoveredAt.Format(time.RFC3339),
	}
}

func eventToAPI(ev model.Event) APIEvent {
	api := APIEvent{
		URL:           ev.URL,
		UID:           ev.UID,
		ETag:          ev.ETag,
		CollectionURL: ev.CollectionURL,
		Summary:       ev.Summary,
		Description:   ev.Description,
		Location:      ev.Location,
		Start:         ev.Start.UTC().Format(time.RFC3339),
		AllDay:        ev.IsAllDay,
		Categories:    ev.Categories,
		Attendees:     ev.Attendees,
	}
	if end, ok := ev.End.Get(); ok {
		s := end.UTC().Format(time.RFC3339)
		api.End = &s
	}
	if rule, ok := ev.RecurrenceRule.Get(); ok {
		api.RecurrenceRule = &rule
	}
	return api
}

// filterFrom builds a sync filter from request values.
// filterFrom builds a pass filter from request values. Resource and
// collection URLs must be paths on the calendar server.
func filterFrom(resourceURL, calendarURL, start, end string) (planner.Filter, error) {
	f := planner.Filter{ResourceURL: resourceURL, CollectionURL: calendarURL}
	for _, p := range []string{resourceURL, calendarURL} {
		if p != "" && (!strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//")) {
			return f, fmt.Errorf("%q must be a path on the calendar server", p)
		}
	}
	if start == "" && end == "" {
		return f, nil
	}
	tr, err := planner.ParseTimeRange(start, end)
	if err != nil {
		return f, err
	}
	f.TimeRange = tr
	return f, nil
}

// APIStatus returns the running and recent passes.
func (h *Handlers) APIStatus(c *gin.Context) {
	status := h.engine.Tracker().GetAll()
	if next := h.trigger.NextRun(); !next.IsZero() {
		status["next_run"] = next.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, status)
}

// APIHistory returns the sync history aggregated per day plus the latest logs.
func (h *Handlers) APIHistory(c *gin.Context) {
	// Get number of days from query param (default 7)
	days := 7
	if d := c.Query("days"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 && parsed <= 30 {
			days = parsed
		}
	}

	logs, err := h.store.GetSyncLogs(500)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync history")})
		return
	}

	now := time.Now()
	startDate := now.AddDate(0, 0, -days+1).Truncate(24 * time.Hour)

	historyMap := make(map[string]*APISyncHistoryPoint)
	for i := 0; i < days; i++ {
		dateStr := startDate.AddDate(0, 0, i).Format("Jan 02")
		historyMap[dateStr] = &APISyncHistoryPoint{Date: dateStr}
	}

	var totalSyncs, successCount int
	var totalDuration time.Duration
	summary := APISyncSummary{}

	for _, l := range logs {
		if l.CreatedAt.Truncate(24 * time.Hour).Before(startDate) {
			continue
		}
		point, ok := historyMap[l.CreatedAt.Format("Jan 02")]
		if !ok {
			continue
		}

		totalSyncs++
		totalDuration += l.Duration
		summary.TotalCreated += l.EventsCreated
		summary.TotalUpdated += l.EventsUpdated
		summary.TotalDeleted += l.EventsDeleted
		point.EventsCreated += l.EventsCreated
		point.EventsUpdated += l.EventsUpdated
		point.EventsDeleted += l.EventsDeleted

		switch l.Status {
		case db.SyncStatusSuccess:
			point.Success++
			successCount++
		case db.SyncStatusPartial:
			point.Partial++
			successCount++ // Partial counts as success for rate calculation
		case db.SyncStatusError:
			point.Error++
		}
	}

	history := make([]APISyncHistoryPoint, 0, days)
	for i := 0; i < days; i++ {
		if point, ok := historyMap[startDate.AddDate(0, 0, i).Format("Jan 02")]; ok {
			history = append(history, *point)
		}
	}

	summary.TotalSyncs = totalSyncs
	if totalSyncs > 0 {
		summary.SuccessRate = float64(successCount) / float64(totalSyncs) * 100
		summary.AvgDurationSecs = totalDuration.Seconds() / float64(totalSyncs)
	}

	limit := 20
	if len(logs) < limit {
		limit = len(logs)
	}
	recent := make([]*APISyncLog, limit)
	for i, l := range logs[:limit] {
		recent[i] = syncLogToAPI(l)
	}

	c.JSON(http.StatusOK, APISyncHistory{
		History: history,
		Summary: summary,
		Logs:    recent,
	})
}

// APICollections lists the remote collections with their selection and cursor.
func (h *Handlers) APICollections(c *gin.Context) {
	colls, err := h.engine.Collections(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, caldav.ErrSourceUnavailable) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": sanitizeError(err, "Failed to list collections")})
		return
	}

	states, err := h.store.GetSyncStates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync states")})
		return
	}
	byURL := make(map[string]*db.SyncState, len(states))
	for _, s := range states {
		byURL[s.CalendarHref] = s
	}

	result := make([]APICollection, len(colls))
	for i, coll := range colls {
		api := APICollection{
			URL:         coll.URL,
			DisplayName: coll.DisplayName,
			Selected:    coll.Selected,
		}
		if s, ok := byURL[coll.URL]; ok {
			api.HasToken = s.SyncToken != ""
			last := s.UpdatedAt.Format(time.RFC3339)
			api.LastSyncAt = &last
		}
		result[i] = api
	}

	c.JSON(http.StatusOK, result)
}

// APIGetMalformedEvents returns all recorded malformed objects.
func (h *Handlers) APIGetMalformedEvents(c *gin.Context) {
	events, err := h.store.GetMalformedEvents()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to get malformed events")})
		return
	}

	apiEvents := make([]*APIMalformedEvent, len(events))
	for i, e := range events {
		apiEvents[i] = malformedEventToAPI(e)
	}

	c.JSON(http.StatusOK, apiEvents)
}

// APIDeleteMalformedEvent dismisses a malformed object record. The remote
// object is left alone.
func (h *Handlers) APIDeleteMalformedEvent(c *gin.Context) {
	err := h.store.DeleteMalformedEvent(c.Param("id"))
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Malformed event not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete malformed event")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Malformed event deleted"})
}

// APITriggerSync starts a pass in the background. The optional body narrows
// the pass to one resource, one collection or a time range.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	var req APISyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	filter, err := filterFrom(req.URL, req.CalendarURL, req.Start, req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.engine.Tracker().IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already in progress"})
		return
	}

	h.trigger.TriggerSync(filter)
	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
}

// APIEvents runs an ad-hoc query against the remote source.
func (h *Handlers) APIEvents(c *gin.Context) {
	filter, err := filterFrom(c.Query("url"), c.Query("calendar_url"), c.Query("start"), c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.engine.Query(c.Request.Context(), filter)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, caldav.ErrSourceUnavailable):
			status = http.StatusBadGateway
		case errors.Is(err, caldav.ErrForeignURL):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": sanitizeError(err, "Failed to query events")})
		return
	}

	result := make([]APIEvent, len(events))
	for i, ev := range events {
		result[i] = eventToAPI(ev)
	}
	c.JSON(http.StatusOK, result)
}
