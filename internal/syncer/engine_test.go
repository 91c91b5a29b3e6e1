package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macjediwizard/calmirror/internal/caldav"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/mirror"
	"github.com/macjediwizard/calmirror/internal/model"
	"github.com/macjediwizard/calmirror/internal/notify"
	"github.com/macjediwizard/calmirror/internal/planner"
)

const workURL = "/cal/work/"

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeSource serves collections and objects from memory.
type fakeSource struct {
	mu          sync.Mutex
	collections []model.CollectionRef
	objects     map[string][]model.RawObject
	changes     map[string]*caldav.Changes
	listErr     error
	fetchErr    error
	block       chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		objects: make(map[string][]model.RawObject),
		changes: make(map[string]*caldav.Changes),
	}
}

func (f *fakeSource) setCollection(url, token, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := model.CollectionRef{
		URL:           url,
		DisplayName:   "Work",
		ChangeToken:   mo.EmptyableToOption(token),
		CollectionTag: mo.EmptyableToOption(tag),
	}
	for i, c := range f.collections {
		if c.URL == url {
			f.collections[i] = ref
			return
		}
	}
	f.collections = append(f.collections, ref)
}

func (f *fakeSource) ListCollections(ctx context.Context) ([]model.CollectionRef, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.CollectionRef(nil), f.collections...), nil
}

func (f *fakeSource) FetchAllObjects(ctx context.Context, coll model.CollectionRef, tr *model.TimeRange) ([]model.RawObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.objects[coll.URL], nil
}

func (f *fakeSource) FetchChangedObjects(ctx context.Context, coll model.CollectionRef, token string, known map[string]string) (*caldav.Changes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	ch, ok := f.changes[token]
	if !ok {
		return nil, caldav.ErrInvalidSyncToken
	}
	return ch, nil
}

func (f *fakeSource) FetchOneByURL(ctx context.Context, rawURL string) (model.RawObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, objs := range f.objects {
		for _, o := range objs {
			if o.URL == rawURL {
				return o, nil
			}
		}
	}
	return model.RawObject{}, caldav.ErrObjectNotFound
}

// recordingHook collects failures reported by the engine.
type recordingHook struct {
	mu        sync.Mutex
	failures  []notify.Failure
	recovered []string
}

func (h *recordingHook) Notify(ctx context.Context, f notify.Failure) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, f)
	return true
}

func (h *recordingHook) Recovered(ctx context.Context, collectionURL string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered = append(h.recovered, collectionURL)
	return true
}

func (h *recordingHook) kinds() []notify.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []notify.Kind
	for _, f := range h.failures {
		out = append(out, f.Kind)
	}
	return out
}

// failingStore fails every insert after the first failAfter.
type failingStore struct {
	mirror.Store
	mu        sync.Mutex
	inserts   int
	failAfter int
}

func (s *failingStore) InsertRow(ctx context.Context, row db.Row) (string, error) {
	s.mu.Lock()
	s.inserts++
	n := s.inserts
	s.mu.Unlock()
	if n > s.failAfter {
		return "", errors.New("disk full")
	}
	return s.Store.InsertRow(ctx, row)
}

func rawEvent(url, etag, uid string, start time.Time) model.RawObject {
	data := fmt.Sprintf("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n"+
		"BEGIN:VEVENT\r\nUID:%s\r\nDTSTAMP:20240101T000000Z\r\nDTSTART:%s\r\nSUMMARY:%s\r\nEND:VEVENT\r\n"+
		"END:VCALENDAR\r\n", uid, start.UTC().Format("20060102T150405Z"), uid)
	return model.RawObject{URL: url, ETag: etag, Data: data}
}

type harness struct {
	db     *db.DB
	table  *db.Table
	source *fakeSource
	hook   *recordingHook
	engine *Engine
}

func setup(t *testing.T, store func(*db.Table) mirror.Store) *harness {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "calmirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	table, err := database.MirrorTable("events", mirror.DefaultFieldMap().Columns())
	require.NoError(t, err)

	h := &harness{db: database, table: table, source: newFakeSource(), hook: &recordingHook{}}

	var ms mirror.Store = table
	if store != nil {
		ms = store(table)
	}
	h.engine, err = New(Options{
		Source:      h.source,
		States:      database,
		Mirror:      ms,
		Fields:      mirror.DefaultFieldMap(),
		Hook:        h.hook,
		Concurrency: 2,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) rowCount(t *testing.T) int {
	t.Helper()
	rows, err := h.table.GetRows(context.Background(), nil)
	require.NoError(t, err)
	return len(rows)
}

func (h *harness) token(t *testing.T, url string) string {
	t.Helper()
	state, err := h.db.GetSyncState(url)
	if errors.Is(err, db.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return state.SyncToken
}

func TestRunFullThenIncremental(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	h.source.setCollection(workURL, "tok-1", "c1")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
		rawEvent(workURL+"b.ics", "b1", "b", t0.Add(time.Hour)),
	}

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusSuccess, report.Status)
	assert.Equal(t, mirror.Stats{Inserted: 2}, report.Stats)
	require.Len(t, report.Collections, 1)
	assert.True(t, report.Collections[0].FullSync)
	assert.True(t, report.Collections[0].TokenSaved)
	assert.Equal(t, "tok-1", h.token(t, workURL))
	assert.Equal(t, 2, h.rowCount(t))

	h.source.setCollection(workURL, "tok-2", "c2")
	h.source.changes["tok-1"] = &caldav.Changes{
		Created:   []model.RawObject{rawEvent(workURL+"c.ics", "c1", "c", t0)},
		Updated:   []model.RawObject{rawEvent(workURL+"b.ics", "b2", "b-renamed", t0)},
		Deleted:   []model.RawObject{{URL: workURL + "a.ics", ETag: "a1"}},
		SyncToken: "tok-2",
	}

	report, err = h.engine.Run(ctx, planner.Filter{}, "schedule")
	require.NoError(t, err)
	assert.False(t, report.Collections[0].FullSync)
	assert.Equal(t, mirror.Stats{Inserted: 1, Updated: 1, Deleted: 1}, report.Stats)
	assert.Equal(t, "tok-2", h.token(t, workURL))
	assert.Equal(t, 2, h.rowCount(t))

	logs, err := h.db.GetSyncLogs(10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Contains(t, h.hook.recovered, workURL)
}

func TestRunIsIdempotent(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	h.source.setCollection(workURL, "", "")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
	}

	_, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stats.Total())
	assert.Equal(t, 1, h.rowCount(t))
}

func TestRunWithholdsTokenOnWriteFailure(t *testing.T) {
	h := setup(t, func(table *db.Table) mirror.Store {
		return &failingStore{Store: table, failAfter: 1}
	})
	ctx := context.Background()

	h.source.setCollection(workURL, "tok-1", "c1")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
		rawEvent(workURL+"b.ics", "b1", "b", t0.Add(time.Hour)),
	}

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusError, report.Status)
	require.Len(t, report.Collections, 1)
	assert.False(t, report.Collections[0].TokenSaved)
	assert.NotEmpty(t, report.Collections[0].Error)
	assert.Equal(t, "", h.token(t, workURL))
	assert.Contains(t, h.hook.kinds(), notify.KindMirrorWrite)
}

func TestRunRecordsMalformedObjects(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	h.source.setCollection(workURL, "", "c1")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
		{URL: workURL + "bad.ics", ETag: "x1", Data: "garbage"},
	}

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Malformed)
	assert.Equal(t, 1, h.rowCount(t))
	assert.Contains(t, h.hook.kinds(), notify.KindObjectParse)

	malformed, err := h.db.GetMalformedEvents()
	require.NoError(t, err)
	require.Len(t, malformed, 1)
	assert.Equal(t, workURL+"bad.ics", malformed[0].EventPath)

	// Fixed upstream: the ledger entry is resolved on the next pass.
	h.source.setCollection(workURL, "", "c2")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
		rawEvent(workURL+"bad.ics", "x2", "fixed", t0),
	}
	_, err = h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)

	malformed, err = h.db.GetMalformedEvents()
	require.NoError(t, err)
	assert.Empty(t, malformed)
	assert.Equal(t, 2, h.rowCount(t))
}

func TestRunRemovesGoneCollection(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	h.source.setCollection(workURL, "tok-1", "c1")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
	}
	_, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	require.Equal(t, 1, h.rowCount(t))

	h.source.mu.Lock()
	h.source.collections = nil
	h.source.mu.Unlock()

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	require.Len(t, report.Collections, 1)
	assert.Equal(t, "gone", report.Collections[0].State)
	assert.Equal(t, 1, report.Stats.Deleted)
	assert.Equal(t, 0, h.rowCount(t))

	_, err = h.db.GetSyncState(workURL)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunRemovesGoneCollectionWithoutCursor(t *testing.T) {
	h := setup(t, func(tbl *db.Table) mirror.Store {
		return &failingStore{Store: tbl, failAfter: 1}
	})
	ctx := context.Background()

	h.source.setCollection(workURL, "tok-1", "c1")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"a.ics", "a1", "a", t0),
		rawEvent(workURL+"b.ics", "b1", "b", t0.Add(time.Hour)),
	}
	_, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	require.Equal(t, 1, h.rowCount(t))
	require.Equal(t, "", h.token(t, workURL))

	h.source.mu.Lock()
	h.source.collections = nil
	h.source.mu.Unlock()

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	require.NoError(t, err)
	require.Len(t, report.Collections, 1)
	assert.Equal(t, "gone", report.Collections[0].State)
	assert.Equal(t, 1, report.Stats.Deleted)
	assert.Equal(t, 0, h.rowCount(t))
}

func TestRunAbortsWhenSourceUnavailable(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	h.source.setCollection(workURL, "", "")
	h.source.fetchErr = fmt.Errorf("%w: connection refused", caldav.ErrSourceUnavailable)

	report, err := h.engine.Run(ctx, planner.Filter{}, "manual")
	assert.ErrorIs(t, err, caldav.ErrSourceUnavailable)
	assert.Equal(t, db.SyncStatusError, report.Status)
	assert.Contains(t, h.hook.kinds(), notify.KindSourceUnavailable)

	logs, err := h.db.GetSyncLogs(1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, db.SyncStatusError, logs[0].Status)
}

func TestRunFailsOnListError(t *testing.T) {
	h := setup(t, nil)

	h.source.listErr = caldav.ErrCollectionListParse
	_, err := h.engine.Run(context.Background(), planner.Filter{}, "manual")
	assert.ErrorIs(t, err, caldav.ErrCollectionListParse)
	assert.Equal(t, []notify.Kind{notify.KindCollectionList}, h.hook.kinds())
}

func TestRunRejectsConcurrentPass(t *testing.T) {
	h := setup(t, nil)
	h.source.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Run(context.Background(), planner.Filter{}, "schedule")
		done <- err
	}()

	require.Eventually(t, h.engine.Tracker().IsRunning, time.Second, 5*time.Millisecond)

	_, err := h.engine.Run(context.Background(), planner.Filter{}, "manual")
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(h.source.block)
	assert.NoError(t, <-done)
}

func TestQueryLeavesMirrorUntouched(t *testing.T) {
	h := setup(t, nil)

	h.source.setCollection(workURL, "tok-1", "c1")
	h.source.objects[workURL] = []model.RawObject{
		rawEvent(workURL+"b.ics", "b1", "b", t0.Add(time.Hour)),
		rawEvent(workURL+"a.ics", "a1", "a", t0),
	}

	events, err := h.engine.Query(context.Background(), planner.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].UID)
	assert.Equal(t, 0, h.rowCount(t))
	assert.Equal(t, "", h.token(t, workURL))
}

func TestCollectionsReportsSelection(t *testing.T) {
	h := setup(t, nil)
	h.engine.include = func(url string) bool { return url == workURL }

	h.source.setCollection(workURL, "", "")
	h.source.setCollection("/cal/home/", "", "")

	colls, err := h.engine.Collections(context.Background())
	require.NoError(t, err)
	require.Len(t, colls, 2)
	assert.True(t, colls[0].Selected)
	assert.False(t, colls[1].Selected)
}
