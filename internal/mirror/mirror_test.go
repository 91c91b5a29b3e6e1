package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/model"
)

const workURL = "/cal/work/"

func setupStore(t *testing.T) *db.Table {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	table, err := database.MirrorTable("events", DefaultFieldMap().Columns())
	require.NoError(t, err)
	return table
}

func event(url, etag, summary string, start time.Time) model.Event {
	return model.Event{
		URL:           url,
		UID:           "uid-" + url,
		ETag:          etag,
		CollectionURL: workURL,
		Summary:       summary,
		Start:         start,
		End:           mo.Some(start.Add(time.Hour)),
	}
}

func fullSync(events ...model.Event) *model.SyncResult {
	return &model.SyncResult{
		Collection: model.CollectionRef{URL: workURL},
		Created:    events,
		IsFullSync: true,
	}
}

func mirrorKeys(t *testing.T, store Store) map[model.Key]int {
	t.Helper()
	rows, err := store.GetRows(context.Background(), nil)
	require.NoError(t, err)

	fields := DefaultFieldMap()
	keys := make(map[model.Key]int)
	for _, r := range rows {
		keys[fields.key(r.Fields)]++
	}
	return keys
}

func apply(t *testing.T, r *Reconciler, store Store, result *model.SyncResult) Stats {
	t.Helper()
	idx, err := LoadIndex(context.Background(), store, DefaultFieldMap())
	require.NoError(t, err)
	stats, err := r.Apply(context.Background(), result, idx)
	require.NoError(t, err)
	return stats
}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestFullSyncIsIdempotent(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	result := fullSync(
		event("/cal/work/a.ics", "e1", "A", t0),
		event("/cal/work/b.ics", "e1", "B", t0.Add(24*time.Hour)),
	)

	first := apply(t, r, store, result)
	assert.Equal(t, 2, first.Inserted)

	second := apply(t, r, store, result)
	assert.Equal(t, 0, second.Total())
}

func TestFullSyncCompleteness(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	apply(t, r, store, fullSync(
		event("/cal/work/a.ics", "e1", "A", t0),
		event("/cal/work/b.ics", "e1", "B", t0),
		event("/cal/work/c.ics", "e1", "C", t0),
	))

	next := fullSync(
		event("/cal/work/a.ics", "e1", "A", t0),
		event("/cal/work/b.ics", "e2", "B changed", t0),
		event("/cal/work/d.ics", "e1", "D", t0),
	)
	stats := apply(t, r, store, next)
	assert.Equal(t, Stats{Inserted: 1, Updated: 1, Deleted: 1}, stats)

	want := map[model.Key]int{}
	for _, ev := range next.Created {
		want[ev.Key()] = 1
	}
	assert.Equal(t, want, mirrorKeys(t, store))
}

func TestFullSyncLeavesOtherCollections(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	home := event("/cal/home/x.ics", "e1", "X", t0)
	home.CollectionURL = "/cal/home/"
	apply(t, r, store, &model.SyncResult{
		Collection: model.CollectionRef{URL: "/cal/home/"},
		Created:    []model.Event{home},
		IsFullSync: true,
	})

	apply(t, r, store, fullSync())

	keys := mirrorKeys(t, store)
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, home.Key())
}

func TestScopedFullSyncOnlyTouchesScope(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	apply(t, r, store, fullSync(
		event("/cal/work/a.ics", "e1", "A", t0),
		event("/cal/work/b.ics", "e1", "B", t0),
	))

	scoped := fullSync()
	scoped.Scope = "/cal/work/a.ics"
	stats := apply(t, r, store, scoped)
	assert.Equal(t, 1, stats.Deleted)

	keys := mirrorKeys(t, store)
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, model.Key{CollectionURL: workURL, URL: "/cal/work/b.ics", ETag: "e1"})
}

func TestWindowedFullSyncOnlyDeletesInsideWindow(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	apply(t, r, store, fullSync(
		event("/cal/work/jan.ics", "e1", "Jan", t0),
		event("/cal/work/jun.ics", "e1", "Jun", t0.AddDate(0, 5, 0)),
	))

	windowed := fullSync()
	windowed.Window = mo.Some(model.TimeRange{Start: t0.AddDate(0, 4, 0), End: t0.AddDate(0, 6, 0)})
	stats := apply(t, r, store, windowed)
	assert.Equal(t, 1, stats.Deleted)

	keys := mirrorKeys(t, store)
	assert.Contains(t, keys, model.Key{CollectionURL: workURL, URL: "/cal/work/jan.ics", ETag: "e1"})
}

func TestIncrementalSync(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	master := event("/cal/work/series.ics", "s1", "Series", t0)
	override := event("/cal/work/series.ics#20240108T100000", "s1", "Moved", t0.AddDate(0, 0, 7))
	apply(t, r, store, fullSync(
		event("/cal/work/a.ics", "e2", "A", t0),
		master,
		override,
	))

	t.Run("created is idempotent", func(t *testing.T) {
		result := &model.SyncResult{
			Collection: model.CollectionRef{URL: workURL},
			Created:    []model.Event{event("/cal/work/new.ics", "n1", "New", t0)},
		}
		assert.Equal(t, 1, apply(t, r, store, result).Inserted)
		assert.Equal(t, 0, apply(t, r, store, result).Total())
	})

	t.Run("update of unknown row is dropped", func(t *testing.T) {
		result := &model.SyncResult{
			Collection: model.CollectionRef{URL: workURL},
			Updated:    []model.Event{event("/cal/work/ghost.ics", "g1", "Ghost", t0)},
		}
		assert.Equal(t, 0, apply(t, r, store, result).Total())
		assert.NotContains(t, mirrorKeys(t, store), model.Key{CollectionURL: workURL, URL: "/cal/work/ghost.ics", ETag: "g1"})
	})

	t.Run("update matches by url", func(t *testing.T) {
		result := &model.SyncResult{
			Collection: model.CollectionRef{URL: workURL},
			Updated:    []model.Event{event("/cal/work/a.ics", "e3", "A v3", t0)},
		}
		assert.Equal(t, 1, apply(t, r, store, result).Updated)
		assert.Contains(t, mirrorKeys(t, store), model.Key{CollectionURL: workURL, URL: "/cal/work/a.ics", ETag: "e3"})
	})

	t.Run("stale delete is ignored", func(t *testing.T) {
		result := &model.SyncResult{
			Collection: model.CollectionRef{URL: workURL},
			Deleted:    []model.DeletedRef{{URL: "/cal/work/a.ics", ETag: "e2", CollectionURL: workURL}},
		}
		assert.Equal(t, 0, apply(t, r, store, result).Total())
		assert.Contains(t, mirrorKeys(t, store), model.Key{CollectionURL: workURL, URL: "/cal/work/a.ics", ETag: "e3"})
	})

	t.Run("exact delete removes the object and its instances", func(t *testing.T) {
		result := &model.SyncResult{
			Collection: model.CollectionRef{URL: workURL},
			Deleted:    []model.DeletedRef{{URL: "/cal/work/series.ics", ETag: "s1", CollectionURL: workURL}},
		}
		assert.Equal(t, 2, apply(t, r, store, result).Deleted)
		keys := mirrorKeys(t, store)
		assert.NotContains(t, keys, master.Key())
		assert.NotContains(t, keys, override.Key())
	})

	t.Run("delete without etag removes any version", func(t *testing.T) {
		result := &model.SyncResult{
			Collection: model.CollectionRef{URL: workURL},
			Deleted:    []model.DeletedRef{{URL: "/cal/work/a.ics", CollectionURL: workURL}},
		}
		assert.Equal(t, 1, apply(t, r, store, result).Deleted)
	})
}

func TestIdentityUniqueness(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	ev := event("/cal/work/a.ics", "e1", "A", t0)
	apply(t, r, store, fullSync(ev, ev))
	apply(t, r, store, &model.SyncResult{Collection: model.CollectionRef{URL: workURL}, Created: []model.Event{ev, ev}})
	apply(t, r, store, fullSync(ev))

	for k, n := range mirrorKeys(t, store) {
		assert.Equal(t, 1, n, "duplicate rows for %+v", k)
	}
}

func TestRemoveCollection(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)

	apply(t, r, store, fullSync(
		event("/cal/work/a.ics", "e1", "A", t0),
		event("/cal/work/b.ics", "e9", "B", t0),
	))
	other := event("/cal/home/x.ics", "e1", "X", t0)
	other.CollectionURL = "/cal/home/"
	apply(t, r, store, &model.SyncResult{Collection: model.CollectionRef{URL: "/cal/home/"}, Created: []model.Event{other}, IsFullSync: true})

	idx, err := LoadIndex(context.Background(), store, DefaultFieldMap())
	require.NoError(t, err)
	stats, err := r.RemoveCollection(context.Background(), workURL, idx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Deleted)
	assert.Equal(t, 1, idx.Len())
	assert.Len(t, mirrorKeys(t, store), 1)
}

type failingStore struct {
	Store
	failAfter int
	writes    int
}

func (f *failingStore) InsertRow(ctx context.Context, fields db.Row) (string, error) {
	f.writes++
	if f.writes > f.failAfter {
		return "", errors.New("disk full")
	}
	return f.Store.InsertRow(ctx, fields)
}

func TestApplyStopsAtFirstWriteError(t *testing.T) {
	store := &failingStore{Store: setupStore(t), failAfter: 1}
	r := NewReconciler(store)

	idx, err := LoadIndex(context.Background(), store, DefaultFieldMap())
	require.NoError(t, err)

	stats, err := r.Apply(context.Background(), fullSync(
		event("/cal/work/a.ics", "e1", "A", t0),
		event("/cal/work/b.ics", "e1", "B", t0),
		event("/cal/work/c.ics", "e1", "C", t0),
	), idx)

	require.ErrorIs(t, err, ErrMirrorWrite)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 2, store.writes)
	assert.Equal(t, 1, idx.Len())
}

func TestApplyConcurrentCollections(t *testing.T) {
	store := setupStore(t)
	r := NewReconciler(store)
	idx, err := LoadIndex(context.Background(), store, DefaultFieldMap())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, coll := range []string{"/cal/a/", "/cal/b/", "/cal/c/"} {
		wg.Add(1)
		go func(coll string) {
			defer wg.Done()
			ev := event(coll+"x.ics", "e1", "X", t0)
			ev.CollectionURL = coll
			_, err := r.Apply(context.Background(), &model.SyncResult{
				Collection: model.CollectionRef{URL: coll},
				Created:    []model.Event{ev},
				IsFullSync: true,
			}, idx)
			assert.NoError(t, err)
		}(coll)
	}
	wg.Wait()

	assert.Equal(t, 3, idx.Len())
	assert.Len(t, mirrorKeys(t, store), 3)
}

func TestKnownObjects(t *testing.T) {
	fields := DefaultFieldMap()
	idx := NewIndex(fields, []db.StoredRow{
		{ID: "1", Fields: fields.Encode(event("/cal/work/s.ics", "s1", "S", t0))},
		{ID: "2", Fields: fields.Encode(event("/cal/work/s.ics#20240108T100000", "s1", "S", t0))},
		{ID: "3", Fields: fields.Encode(event("/cal/work/a.ics", "a1", "A", t0))},
	})

	assert.Equal(t, map[string]string{
		"/cal/work/s.ics": "s1",
		"/cal/work/a.ics": "a1",
	}, idx.KnownObjects(workURL))
	assert.Empty(t, idx.KnownObjects("/cal/other/"))
}
