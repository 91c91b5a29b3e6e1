package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

// ErrMirrorWrite is returned when the store rejects a mutation. The
// remaining mutations of that collection are not applied.
var ErrMirrorWrite = errors.New("mirror write failed")

// Stats counts the mutations applied to the mirror.
type Stats struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Deleted += other.Deleted
}

// Total returns the number of applied mutations.
func (s Stats) Total() int {
	return s.Inserted + s.Updated + s.Deleted
}

// Reconciler applies sync results to the store. Writes for one collection
// are serialized; different collections may be applied concurrently.
type Reconciler struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a Reconciler writing to store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) lock(collectionURL string) func() {
	r.mu.Lock()
	l, ok := r.locks[collectionURL]
	if !ok {
		l = &sync.Mutex{}
		r.locks[collectionURL] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Apply reconciles result against idx and writes the resulting mutations.
// It stops at the first store error and returns ErrMirrorWrite together
// with the stats of what was written before the failure.
func (r *Reconciler) Apply(ctx context.Context, result *model.SyncResult, idx *Index) (Stats, error) {
	unlock := r.lock(result.Collection.URL)
	defer unlock()

	muts := Reconcile(result, idx)
	appLog.Debug("reconciled collection",
		"collection", result.Collection.URL,
		"full_sync", result.IsFullSync,
		"created", len(result.Created),
		"updated", len(result.Updated),
		"deleted", len(result.Deleted),
		"mutations", len(muts))

	return r.write(ctx, result.Collection.URL, muts, idx)
}

// RemoveCollection deletes every mirror row of a collection.
func (r *Reconciler) RemoveCollection(ctx context.Context, collectionURL string, idx *Index) (Stats, error) {
	unlock := r.lock(collectionURL)
	defer unlock()

	return r.write(ctx, collectionURL, Gone(collectionURL, idx), idx)
}

func (r *Reconciler) write(ctx context.Context, collectionURL string, muts []Mutation, idx *Index) (Stats, error) {
	var stats Stats
	for _, m := range muts {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var insertedID string
		var err error
		switch m.Kind {
		case Insert:
			insertedID, err = r.store.InsertRow(ctx, m.Fields)
			if err == nil {
				stats.Inserted++
			}
		case Update:
			err = r.store.UpdateRow(ctx, m.Fields, m.RowID)
			if err == nil {
				stats.Updated++
			}
		case Delete:
			var n int64
			n, err = r.store.DeleteRows(ctx, m.Filter)
			if err == nil {
				stats.Deleted += int(n)
			}
		}

		if err != nil {
			appLog.Error("mirror write failed", err, "collection", collectionURL, "op", m.Kind.String(), "url", m.Key.URL)
			return stats, fmt.Errorf("%w: %s %s: %w", ErrMirrorWrite, m.Kind, m.Key.URL, err)
		}
		idx.record(m, insertedID)
	}
	return stats, nil
}
