// Package syncer runs sync passes: it plans every collection, applies the
// results to the mirror and records cursors, history and failures.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calmirror/internal/activity"
	"github.com/macjediwizard/calmirror/internal/caldav"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/ics"
	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/mirror"
	"github.com/macjediwizard/calmirror/internal/model"
	"github.com/macjediwizard/calmirror/internal/notify"
	"github.com/macjediwizard/calmirror/internal/planner"
)

// ErrPassInProgress is returned when a pass is already running.
var ErrPassInProgress = errors.New("a sync pass is already in progress")

// StateStore persists cursors, pass history and the malformed object ledger.
type StateStore interface {
	GetSyncStates() ([]*db.SyncState, error)
	UpsertSyncState(state *db.SyncState) error
	DeleteSyncState(calendarHref string) error
	CreateSyncLog(log *db.SyncLog) error
	UpsertMalformedEvent(event *db.MalformedEvent) error
	ResolveMalformedEvents(collectionURL string, paths []string) error
	DeleteMalformedEventsForCollection(collectionURL string) error
}

// Hook receives failures for the configured error action.
type Hook interface {
	Notify(ctx context.Context, f notify.Failure) bool
	Recovered(ctx context.Context, collectionURL string) bool
}

// Options configures an Engine.
type Options struct {
	Source  planner.Source
	States  StateStore
	Mirror  mirror.Store
	Fields  mirror.FieldMap
	Include planner.Selection
	Tracker *activity.Tracker
	Hook    Hook

	// Concurrency bounds how many collections are processed at once.
	Concurrency int
}

// Engine runs sync passes. At most one pass runs at a time.
type Engine struct {
	source      planner.Source
	states      StateStore
	store       mirror.Store
	fields      mirror.FieldMap
	include     planner.Selection
	tracker     *activity.Tracker
	hook        Hook
	concurrency int

	passMu  sync.Mutex
	tokenMu sync.Mutex
}

// New creates an Engine. The field map is resolved here.
func New(opts Options) (*Engine, error) {
	fields, err := opts.Fields.Resolve()
	if err != nil {
		return nil, err
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Tracker == nil {
		opts.Tracker = activity.NewTracker()
	}

	return &Engine{
		source:      opts.Source,
		states:      opts.States,
		store:       opts.Mirror,
		fields:      fields,
		include:     opts.Include,
		tracker:     opts.Tracker,
		hook:        opts.Hook,
		concurrency: opts.Concurrency,
	}, nil
}

// Tracker returns the activity tracker of the engine.
func (e *Engine) Tracker() *activity.Tracker {
	return e.tracker
}

// CollectionReport is the outcome of one collection in a pass.
type CollectionReport struct {
	URL        string       `json:"url"`
	State      string       `json:"state"`
	FullSync   bool         `json:"full_sync"`
	Stats      mirror.Stats `json:"stats"`
	Malformed  int          `json:"malformed"`
	TokenSaved bool         `json:"token_saved"`
	Error      string       `json:"error,omitempty"`
}

// Report summarizes one pass.
type Report struct {
	PassID      string             `json:"pass_id"`
	Status      db.SyncStatus      `json:"status"`
	Collections []CollectionReport `json:"collections"`
	Stats       mirror.Stats       `json:"stats"`
	Malformed   int                `json:"malformed"`
	Errors      []string           `json:"errors,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// pass holds the state of one running pass.
type pass struct {
	id     string
	engine *Engine
	plan   *planner.Pass
	index  *mirror.Index
	rec    *mirror.Reconciler

	mu        sync.Mutex
	malformed map[string]int
	report    *Report
}

// Run executes one sync pass with the given filter. trigger names what
// started it and is only used for reporting.
func (e *Engine) Run(ctx context.Context, filter planner.Filter, trigger string) (*Report, error) {
	if !e.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.passMu.Unlock()

	start := time.Now()
	p := &pass{
		id:        uuid.New().String(),
		engine:    e,
		malformed: make(map[string]int),
		report:    &Report{},
	}
	p.report.PassID = p.id

	e.tracker.StartPass(p.id, trigger)
	appLog.Info("sync pass started", "pass", p.id, "trigger", trigger)

	err := p.run(ctx, filter)

	p.report.Duration = time.Since(start)
	p.report.Status = p.status(err)
	if err != nil {
		p.report.Errors = append(p.report.Errors, err.Error())
	}

	e.finish(p)
	return p.report, err
}

func (p *pass) run(ctx context.Context, filter planner.Filter) error {
	e := p.engine
	normalizer := ics.NewNormalizer(p.onParseError(ctx))
	p.plan = planner.New(e.source, normalizer, e.include).NewPass(filter)

	states, err := e.states.GetSyncStates()
	if err != nil {
		return fmt.Errorf("failed to load sync states: %w", err)
	}

	p.index, err = mirror.LoadIndex(ctx, e.store, e.fields)
	if err != nil {
		return err
	}

	plans, err := p.plan.Plan(ctx, withMirrored(toRefs(states), p.index.Collections()))
	if err != nil {
		e.report(ctx, notify.Failure{Kind: failureKind(err), Message: err.Error()})
		return err
	}
	e.tracker.SetTotal(p.id, len(plans))

	p.rec = mirror.NewReconciler(e.store)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, pl := range plans {
		g.Go(func() error {
			return p.collection(gctx, pl)
		})
	}
	return g.Wait()
}

// collection fetches, reconciles and records one collection. Only errors
// that abort the whole pass are returned.
func (p *pass) collection(ctx context.Context, pl planner.Plan) error {
	e := p.engine
	url := pl.Collection.URL
	cr := CollectionReport{URL: url, State: pl.State.String()}
	e.tracker.StartCollection(p.id, url)

	defer func() {
		p.mu.Lock()
		cr.Malformed = p.malformed[url]
		p.report.Collections = append(p.report.Collections, cr)
		p.report.Stats.Add(cr.Stats)
		p.report.Malformed += cr.Malformed
		if cr.Error != "" {
			p.report.Errors = append(p.report.Errors, fmt.Sprintf("%s: %s", url, cr.Error))
		}
		p.mu.Unlock()

		e.tracker.FinishCollection(p.id, activity.Progress{
			Processed: cr.Stats.Total() + cr.Malformed,
			Created:   cr.Stats.Inserted,
			Updated:   cr.Stats.Updated,
			Deleted:   cr.Stats.Deleted,
			Skipped:   cr.Malformed,
		})
	}()

	if pl.State == planner.Gone {
		return p.gone(ctx, pl, &cr)
	}

	result, err := p.plan.Sync(ctx, pl, p.index.KnownObjects(url))
	if err != nil {
		cr.Error = err.Error()
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, caldav.ErrSourceUnavailable) {
			e.report(ctx, notify.Failure{Kind: notify.KindSourceUnavailable, CollectionURL: url, Message: err.Error()})
			return err
		}
		e.report(ctx, notify.Failure{Kind: notify.KindCollection, CollectionURL: url, Message: err.Error()})
		return nil
	}
	cr.FullSync = result.IsFullSync

	stats, err := p.rec.Apply(ctx, result, p.index)
	cr.Stats = stats
	if err != nil {
		// The token stays where it was so the next pass retries this collection.
		cr.Error = err.Error()
		if ctx.Err() != nil {
			return err
		}
		e.report(ctx, notify.Failure{Kind: notify.KindMirrorWrite, CollectionURL: url, Message: err.Error()})
		return nil
	}

	if !result.Partial() {
		if err := e.saveToken(result); err != nil {
			cr.Error = err.Error()
			return nil
		}
		cr.TokenSaved = true
	}

	p.resolveMalformed(url, result)
	if e.hook != nil {
		e.hook.Recovered(ctx, url)
	}
	return nil
}

func (p *pass) gone(ctx context.Context, pl planner.Plan, cr *CollectionReport) error {
	e := p.engine
	url := pl.Collection.URL
	appLog.Info("collection removed remotely", "collection", url)

	stats, err := p.rec.RemoveCollection(ctx, url, p.index)
	cr.Stats = stats
	if err != nil {
		cr.Error = err.Error()
		e.report(ctx, notify.Failure{Kind: notify.KindMirrorWrite, CollectionURL: url, Message: err.Error()})
		return nil
	}

	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	if err := e.states.DeleteSyncState(url); err != nil {
		cr.Error = err.Error()
		return nil
	}
	if err := e.states.DeleteMalformedEventsForCollection(url); err != nil {
		appLog.Error("failed to clear malformed ledger", err, "collection", url)
	}
	return nil
}

// saveToken persists the new cursor of a collection. Token writes of
// different collections never interleave.
func (e *Engine) saveToken(result *model.SyncResult) error {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()

	state := &db.SyncState{
		CalendarHref: result.Collection.URL,
		DisplayName:  result.Collection.DisplayName,
		SyncToken:    result.NewToken.OrEmpty(),
		CTag:         result.NewCollectionTag.OrEmpty(),
	}
	if err := e.states.UpsertSyncState(state); err != nil {
		appLog.Error("failed to save sync state", err, "collection", result.Collection.URL)
		return err
	}
	appLog.Debug("saved sync state", "collection", result.Collection.URL, "has_token", state.SyncToken != "")
	return nil
}

func (p *pass) onParseError(ctx context.Context) ics.ErrorHandler {
	return func(obj model.RawObject, coll model.CollectionRef, err error) {
		p.mu.Lock()
		p.malformed[coll.URL]++
		p.mu.Unlock()

		entry := &db.MalformedEvent{
			CollectionURL: coll.URL,
			EventPath:     obj.URL,
			ErrorMessage:  err.Error(),
			RawData:       obj.Data,
		}
		if err := p.engine.states.UpsertMalformedEvent(entry); err != nil {
			appLog.Error("failed to record malformed object", err, "url", obj.URL)
		}

		p.engine.report(ctx, notify.Failure{
			Kind:          notify.KindObjectParse,
			CollectionURL: coll.URL,
			ObjectURL:     obj.URL,
			Message:       err.Error(),
			Input:         obj.Data,
		})
	}
}

// resolveMalformed clears ledger entries of objects that parsed or were
// deleted in this result.
func (p *pass) resolveMalformed(collectionURL string, result *model.SyncResult) {
	seen := make(map[string]bool)
	var paths []string
	add := func(u string) {
		u = model.BaseURL(u)
		if !seen[u] {
			seen[u] = true
			paths = append(paths, u)
		}
	}
	for _, ev := range result.Created {
		add(ev.URL)
	}
	for _, ev := range result.Updated {
		add(ev.URL)
	}
	for _, ref := range result.Deleted {
		add(ref.URL)
	}
	if len(paths) == 0 {
		return
	}
	if err := p.engine.states.ResolveMalformedEvents(collectionURL, paths); err != nil {
		appLog.Error("failed to resolve malformed objects", err, "collection", collectionURL)
	}
}

func (p *pass) status(err error) db.SyncStatus {
	failed := 0
	for _, c := range p.report.Collections {
		if c.Error != "" {
			failed++
		}
	}
	switch {
	case err != nil:
		return db.SyncStatusError
	case failed == 0:
		return db.SyncStatusSuccess
	case failed == len(p.report.Collections):
		return db.SyncStatusError
	default:
		return db.SyncStatusPartial
	}
}

func (e *Engine) finish(p *pass) {
	r := p.report
	message := fmt.Sprintf("Synced %d collections: %d inserted, %d updated, %d deleted, %d malformed",
		len(r.Collections), r.Stats.Inserted, r.Stats.Updated, r.Stats.Deleted, r.Malformed)
	if r.Status != db.SyncStatusSuccess {
		message = fmt.Sprintf("Sync finished with %d errors", len(r.Errors))
	}

	entry := &db.SyncLog{
		ID:              p.id,
		Status:          r.Status,
		Message:         message,
		Details:         strings.Join(r.Errors, "\n"),
		EventsCreated:   r.Stats.Inserted,
		EventsUpdated:   r.Stats.Updated,
		EventsDeleted:   r.Stats.Deleted,
		EventsSkipped:   r.Malformed,
		CalendarsSynced: len(r.Collections),
		EventsProcessed: r.Stats.Total() + r.Malformed,
		Duration:        r.Duration,
	}
	if err := e.states.CreateSyncLog(entry); err != nil {
		appLog.Error("failed to record sync log", err, "pass", p.id)
	}

	e.tracker.FinishPass(p.id, string(r.Status), message, r.Errors)
	appLog.Info("sync pass finished",
		"pass", p.id,
		"status", string(r.Status),
		"collections", len(r.Collections),
		"inserted", r.Stats.Inserted,
		"updated", r.Stats.Updated,
		"deleted", r.Stats.Deleted,
		"malformed", r.Malformed,
		"duration", r.Duration.Round(time.Millisecond).String())
}

func (e *Engine) report(ctx context.Context, f notify.Failure) {
	if e.hook == nil {
		return
	}
	e.hook.Notify(ctx, f)
}

// Query returns normalized events matching filter without touching the
// mirror or any stored state.
func (e *Engine) Query(ctx context.Context, filter planner.Filter) ([]model.Event, error) {
	return planner.New(e.source, ics.NewNormalizer(nil), e.include).Events(ctx, filter)
}

// Collections lists the remote collections together with their selection.
func (e *Engine) Collections(ctx context.Context) ([]SelectedCollection, error) {
	refs, err := e.source.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SelectedCollection, 0, len(refs))
	for _, ref := range refs {
		out = append(out, SelectedCollection{
			URL:         ref.URL,
			DisplayName: ref.DisplayName,
			Selected:    e.include == nil || e.include(ref.URL),
		})
	}
	return out, nil
}

// SelectedCollection is a remote collection and whether it is synced.
type SelectedCollection struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
	Selected    bool   `json:"selected"`
}

func toRefs(states []*db.SyncState) []model.CollectionRef {
	refs := make([]model.CollectionRef, 0, len(states))
	for _, s := range states {
		refs = append(refs, model.CollectionRef{
			URL:           s.CalendarHref,
			DisplayName:   s.DisplayName,
			ChangeToken:   mo.EmptyableToOption(s.SyncToken),
			CollectionTag: mo.EmptyableToOption(s.CTag),
		})
	}
	return refs
}

// withMirrored adds collections that own mirror rows but have no stored
// cursor, such as one whose first full sync failed to apply, so they are
// still planned as Gone once they disappear remotely.
func withMirrored(refs []model.CollectionRef, mirrored []string) []model.CollectionRef {
	have := make(map[string]bool, len(refs))
	for _, r := range refs {
		have[strings.TrimSuffix(r.URL, "/")] = true
	}
	for _, url := range mirrored {
		if have[strings.TrimSuffix(url, "/")] {
			continue
		}
		refs = append(refs, model.CollectionRef{URL: url})
	}
	return refs
}

func failureKind(err error) notify.Kind {
	if errors.Is(err, caldav.ErrCollectionListParse) {
		return notify.KindCollectionList
	}
	return notify.KindSourceUnavailable
}
