// Package planner decides per collection how to synchronize and produces
// the typed sync results the mirror reconciler applies.
package planner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/macjediwizard/calmirror/internal/caldav"
	"github.com/macjediwizard/calmirror/internal/ics"
	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

// ErrCollectionGone is returned when asked to sync a collection that no
// longer exists remotely.
var ErrCollectionGone = errors.New("collection is gone")

// State is the sync state of one collection.
type State int

const (
	Unknown State = iota
	FullSyncPending
	Incremental
	Gone
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case FullSyncPending:
		return "full-sync-pending"
	case Incremental:
		return "incremental"
	case Gone:
		return "gone"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source is the remote calendar source.
type Source interface {
	caldav.CollectionLister
	FetchAllObjects(ctx context.Context, coll model.CollectionRef, tr *model.TimeRange) ([]model.RawObject, error)
	FetchChangedObjects(ctx context.Context, coll model.CollectionRef, token string, known map[string]string) (*caldav.Changes, error)
	FetchOneByURL(ctx context.Context, rawURL string) (model.RawObject, error)
}

// Selection reports whether a collection takes part in sync.
type Selection func(collectionURL string) bool

// Plan is the decision for one collection in one pass.
type Plan struct {
	State State
	// Collection carries the listed URL and name with the last stored cursor.
	Collection model.CollectionRef
	// Remote is the collection as listed in this pass.
	Remote model.CollectionRef
	// Scope is set when the plan covers one resource only.
	Scope string
}

// Planner builds plans and sync results from a remote source.
type Planner struct {
	source     Source
	normalizer *ics.Normalizer
	include    Selection
}

// New creates a Planner. include may be nil to select every collection.
func New(source Source, normalizer *ics.Normalizer, include Selection) *Planner {
	if include == nil {
		include = func(string) bool { return true }
	}
	return &Planner{source: source, normalizer: normalizer, include: include}
}

// Pass is one sync pass. It owns the collection listing of that pass.
type Pass struct {
	planner *Planner
	cache   *caldav.CollectionCache
	filter  Filter
}

// NewPass starts a pass with an empty collection cache.
func (p *Planner) NewPass(filter Filter) *Pass {
	return &Pass{
		planner: p,
		cache:   caldav.NewCollectionCache(p.source),
		filter:  filter,
	}
}

// Collections refreshes and returns the remote listing of this pass.
func (ps *Pass) Collections(ctx context.Context) ([]model.CollectionRef, error) {
	return ps.cache.Refresh(ctx)
}

// Plan classifies collections against the known cursors. A failure to list
// collections is fatal for the pass.
func (ps *Pass) Plan(ctx context.Context, known []model.CollectionRef) ([]Plan, error) {
	if ps.filter.ResourceURL != "" {
		return []Plan{ps.resourcePlan(known)}, nil
	}

	current, err := ps.Collections(ctx)
	if err != nil {
		return nil, err
	}

	knownByURL := make(map[string]model.CollectionRef, len(known))
	for _, k := range known {
		knownByURL[collectionKey(k.URL)] = k
	}

	diff := caldav.DiffCollections(known, current)
	var plans []Plan

	for _, cur := range current {
		if !ps.selected(cur.URL) {
			continue
		}

		prev, ok := knownByURL[collectionKey(cur.URL)]
		plan := Plan{Collection: cur, Remote: cur, State: FullSyncPending}
		if ok {
			plan.Collection.ChangeToken = prev.ChangeToken
			plan.Collection.CollectionTag = prev.CollectionTag
			if prev.HasToken() {
				plan.State = Incremental
			}
		} else {
			plan.Collection.ChangeToken = mo.None[string]()
			plan.Collection.CollectionTag = mo.None[string]()
		}
		plans = append(plans, plan)
	}

	for _, gone := range diff.Deleted {
		if !ps.selected(gone.URL) {
			continue
		}
		plans = append(plans, Plan{State: Gone, Collection: gone})
	}

	for _, pl := range plans {
		appLog.Debug("planned collection", "collection", pl.Collection.URL, "state", pl.State.String())
	}
	return plans, nil
}

func (ps *Pass) selected(url string) bool {
	if !ps.filter.matchesCollection(url) {
		return false
	}
	if !ps.planner.include(url) {
		appLog.Debug("skipping excluded collection", "collection", url)
		return false
	}
	return true
}

// resourcePlan builds the plan of a resource-URL pass without listing
// collections.
func (ps *Pass) resourcePlan(known []model.CollectionRef) Plan {
	url := ps.filter.ResourceURL
	coll, ok := ownerOf(url, known)
	if !ok {
		coll, ok = ps.cache.Lookup(url)
	}
	if !ok {
		coll = model.CollectionRef{URL: parentCollection(url)}
	}
	if ps.filter.CollectionURL != "" {
		coll.URL = ps.filter.CollectionURL
	}

	state := FullSyncPending
	if coll.HasToken() {
		state = Incremental
	}
	return Plan{State: state, Collection: coll, Remote: coll, Scope: url}
}

// Sync produces the sync result of one plan. known maps the object URLs
// the mirror holds for the collection to their etag.
func (ps *Pass) Sync(ctx context.Context, plan Plan, known map[string]string) (*model.SyncResult, error) {
	switch {
	case plan.State == Gone:
		return nil, fmt.Errorf("%w: %s", ErrCollectionGone, plan.Collection.URL)
	case plan.Scope != "":
		return ps.syncResource(ctx, plan)
	case ps.filter.TimeRange.IsPresent():
		return ps.syncWindow(ctx, plan)
	}

	if tagUnchanged(plan) {
		appLog.Debug("collection tag unchanged", "collection", plan.Collection.URL)
		return &model.SyncResult{
			Collection:       plan.Collection,
			NewToken:         plan.Collection.ChangeToken,
			NewCollectionTag: plan.Remote.CollectionTag,
		}, nil
	}

	if plan.State == Incremental {
		result, err := ps.syncIncremental(ctx, plan, known)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, caldav.ErrInvalidSyncToken) && !errors.Is(err, caldav.ErrSyncNotSupported) {
			return nil, err
		}
		appLog.Debug("falling back to full sync", "collection", plan.Collection.URL, "reason", err.Error())
	}

	return ps.syncFull(ctx, plan)
}

func tagUnchanged(plan Plan) bool {
	prev, ok := plan.Collection.CollectionTag.Get()
	if !ok || prev == "" {
		return false
	}
	cur, ok := plan.Remote.CollectionTag.Get()
	return ok && cur == prev
}

func (ps *Pass) syncFull(ctx context.Context, plan Plan) (*model.SyncResult, error) {
	objs, err := ps.planner.source.FetchAllObjects(ctx, plan.Collection, nil)
	if err != nil {
		return nil, err
	}

	return &model.SyncResult{
		Collection:       plan.Collection,
		Created:          ps.planner.normalizer.NormalizeAll(objs, plan.Collection),
		NewToken:         plan.Remote.ChangeToken,
		NewCollectionTag: plan.Remote.CollectionTag,
		IsFullSync:       true,
	}, nil
}

func (ps *Pass) syncIncremental(ctx context.Context, plan Plan, known map[string]string) (*model.SyncResult, error) {
	token, _ := plan.Collection.ChangeToken.Get()
	changes, err := ps.planner.source.FetchChangedObjects(ctx, plan.Collection, token, known)
	if err != nil {
		return nil, err
	}

	result := &model.SyncResult{
		Collection:       plan.Collection,
		Created:          ps.planner.normalizer.NormalizeAll(changes.Created, plan.Collection),
		Updated:          ps.planner.normalizer.NormalizeAll(changes.Updated, plan.Collection),
		NewToken:         mo.EmptyableToOption(changes.SyncToken),
		NewCollectionTag: plan.Remote.CollectionTag,
	}
	if result.NewToken.IsAbsent() {
		result.NewToken = plan.Remote.ChangeToken
	}
	for _, obj := range changes.Deleted {
		result.Deleted = append(result.Deleted, model.DeletedRef{
			URL:           obj.URL,
			ETag:          obj.ETag,
			CollectionURL: plan.Collection.URL,
		})
	}
	return result, nil
}

func (ps *Pass) syncWindow(ctx context.Context, plan Plan) (*model.SyncResult, error) {
	window := ps.filter.TimeRange.MustGet()
	objs, err := ps.planner.source.FetchAllObjects(ctx, plan.Collection, &window)
	if err != nil {
		return nil, err
	}

	return &model.SyncResult{
		Collection: plan.Collection,
		Created:    inWindow(ps.planner.normalizer.NormalizeAll(objs, plan.Collection), window),
		IsFullSync: true,
		Window:     mo.Some(window),
	}, nil
}

// syncResource fetches exactly one object. A missing object yields an
// empty scoped result so its rows are removed.
func (ps *Pass) syncResource(ctx context.Context, plan Plan) (*model.SyncResult, error) {
	result := &model.SyncResult{
		Collection: plan.Collection,
		IsFullSync: true,
		Scope:      plan.Scope,
	}

	obj, err := ps.planner.source.FetchOneByURL(ctx, plan.Scope)
	if errors.Is(err, caldav.ErrObjectNotFound) {
		appLog.Debug("resource not found", "url", plan.Scope)
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Created = ps.planner.normalizer.Normalize(obj, plan.Collection)
	if window, ok := ps.filter.TimeRange.Get(); ok {
		result.Created = inWindow(result.Created, window)
	}
	return result, nil
}

// inWindow keeps the events whose span overlaps window. Recurring masters
// that start before the window ends are kept, since an instance may fall
// inside it.
func inWindow(events []model.Event, window model.TimeRange) []model.Event {
	out := events[:0:0]
	for _, ev := range events {
		if ev.RecurrenceRule.IsPresent() && (window.End.IsZero() || ev.Start.Before(window.End)) {
			out = append(out, ev)
			continue
		}
		if window.Overlaps(ev.Start, eventEnd(ev)) {
			out = append(out, ev)
		}
	}
	return out
}

func eventEnd(ev model.Event) time.Time {
	if end, ok := ev.End.Get(); ok && end.After(ev.Start) {
		return end
	}
	if ev.IsAllDay {
		return ev.Start.AddDate(0, 0, 1)
	}
	return ev.Start
}

// Events returns normalized events matching the filter without touching
// any stored state.
func (p *Planner) Events(ctx context.Context, filter Filter) ([]model.Event, error) {
	ps := p.NewPass(filter)

	if filter.ResourceURL != "" {
		result, err := ps.syncResource(ctx, ps.resourcePlan(nil))
		if err != nil {
			return nil, err
		}
		return result.Created, nil
	}

	colls, err := ps.Collections(ctx)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	for _, coll := range colls {
		if !ps.selected(coll.URL) {
			continue
		}

		var tr *model.TimeRange
		if window, ok := filter.TimeRange.Get(); ok {
			tr = &window
		}
		objs, err := p.source.FetchAllObjects(ctx, coll, tr)
		if err != nil {
			return nil, err
		}

		found := p.normalizer.NormalizeAll(objs, coll)
		if tr != nil {
			found = inWindow(found, *tr)
		}
		events = append(events, found...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events, nil
}

func ownerOf(resourceURL string, colls []model.CollectionRef) (model.CollectionRef, bool) {
	var (
		best  model.CollectionRef
		found bool
	)
	for _, c := range colls {
		prefix := collectionKey(c.URL)
		if !strings.HasPrefix(resourceURL, prefix+"/") {
			continue
		}
		if !found || len(c.URL) > len(best.URL) {
			best, found = c, true
		}
	}
	return best, found
}

func parentCollection(resourceURL string) string {
	dir := path.Dir(model.BaseURL(resourceURL))
	if dir == "/" || dir == "." {
		return "/"
	}
	return dir + "/"
}

func collectionKey(url string) string {
	return strings.TrimSuffix(url, "/")
}
