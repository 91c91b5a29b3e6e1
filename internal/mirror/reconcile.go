package mirror

import (
	"fmt"

	"github.com/macjediwizard/calmirror/internal/db"
	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

// MutationKind is the kind of store mutation.
type MutationKind int

const (
	Insert MutationKind = iota
	Update
	Delete
)

func (k MutationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("MutationKind(%d)", int(k))
	}
}

// Mutation is one planned change to the mirror.
type Mutation struct {
	Kind MutationKind
	Key  model.Key

	// Fields holds the column values of an insert or update.
	Fields db.Row
	// RowID is the row an update targets.
	RowID string
	// Filter selects the rows a delete removes; RowIDs lists them.
	Filter db.Filter
	RowIDs []string
}

// Reconcile computes the mutations that bring the mirror in line with
// result. It does not touch the store.
func Reconcile(result *model.SyncResult, idx *Index) []Mutation {
	if result == nil {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if result.IsFullSync {
		return idx.reconcileFull(result)
	}
	return idx.reconcileIncremental(result)
}

// Gone computes the mutations that remove every row of a collection that
// disappeared remotely, regardless of etag.
func Gone(collectionURL string, idx *Index) []Mutation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.collectionRows(collectionURL)
	if len(ids) == 0 {
		return nil
	}
	return []Mutation{{
		Kind:   Delete,
		Key:    model.Key{CollectionURL: collectionURL},
		Filter: db.Filter{idx.fields.CollectionURL: collectionURL},
		RowIDs: ids,
	}}
}

func (idx *Index) reconcileFull(result *model.SyncResult) []Mutation {
	coll := result.Collection.URL
	var muts []Mutation
	kept := make(map[string]bool)
	seen := make(map[model.Key]bool)

	events := append(append([]model.Event(nil), result.Created...), result.Updated...)
	for _, ev := range events {
		ev.CollectionURL = coll
		k := ev.Key()
		if seen[k] {
			continue
		}
		seen[k] = true

		fields := idx.fields.Encode(ev)
		ids := idx.byURL[urlKey{collection: coll, url: ev.URL}]
		if len(ids) == 0 {
			muts = append(muts, Mutation{Kind: Insert, Key: k, Fields: fields})
			continue
		}

		id := ids[0]
		if exact, ok := idx.byKey[k]; ok {
			id = exact
		}
		kept[id] = true
		if differs(fields, idx.rows[id]) {
			muts = append(muts, Mutation{Kind: Update, Key: k, Fields: fields, RowID: id})
		}
	}

	for _, id := range idx.collectionRows(coll) {
		if kept[id] || !idx.inPartialScope(result, id) {
			continue
		}
		muts = append(muts, Mutation{
			Kind:   Delete,
			Key:    idx.keys[id],
			Filter: db.Filter{"id": id},
			RowIDs: []string{id},
		})
	}
	return muts
}

// inPartialScope reports whether a leftover row may be deleted by a
// scoped or windowed full sync.
func (idx *Index) inPartialScope(result *model.SyncResult, id string) bool {
	if result.Scope != "" && model.BaseURL(idx.keys[id].URL) != model.BaseURL(result.Scope) {
		return false
	}
	if window, ok := result.Window.Get(); ok {
		start, ok := idx.fields.rowStart(idx.rows[id])
		if !ok || !window.Contains(start) {
			return false
		}
	}
	return true
}

func (idx *Index) reconcileIncremental(result *model.SyncResult) []Mutation {
	coll := result.Collection.URL
	var muts []Mutation
	touched := make(map[string]bool)
	inserted := make(map[string]bool)

	for _, ev := range result.Created {
		ev.CollectionURL = coll
		k := ev.Key()
		if _, ok := idx.byKey[k]; ok {
			continue
		}
		fields := idx.fields.Encode(ev)
		if ids := idx.byURL[urlKey{collection: coll, url: ev.URL}]; len(ids) > 0 {
			if !touched[ids[0]] && differs(fields, idx.rows[ids[0]]) {
				touched[ids[0]] = true
				muts = append(muts, Mutation{Kind: Update, Key: k, Fields: fields, RowID: ids[0]})
			}
			continue
		}
		if inserted[k.URL] {
			continue
		}
		inserted[k.URL] = true
		muts = append(muts, Mutation{Kind: Insert, Key: k, Fields: fields})
	}

	for _, ev := range result.Updated {
		ev.CollectionURL = coll
		k := ev.Key()
		ids := idx.byURL[urlKey{collection: coll, url: ev.URL}]
		if len(ids) == 0 {
			appLog.Debug("dropping update for unknown row", "collection", coll, "url", ev.URL)
			continue
		}
		fields := idx.fields.Encode(ev)
		if touched[ids[0]] || !differs(fields, idx.rows[ids[0]]) {
			continue
		}
		touched[ids[0]] = true
		muts = append(muts, Mutation{Kind: Update, Key: k, Fields: fields, RowID: ids[0]})
	}

	for _, ref := range result.Deleted {
		if ref.CollectionURL == "" {
			ref.CollectionURL = coll
		}
		ids := idx.objectRows(ref)
		if len(ids) == 0 {
			appLog.Debug("ignoring delete with no matching row", "collection", ref.CollectionURL, "url", ref.URL, "etag", ref.ETag)
			continue
		}
		for _, id := range ids {
			if touched[id] {
				continue
			}
			touched[id] = true
			muts = append(muts, Mutation{
				Kind:   Delete,
				Key:    idx.keys[id],
				Filter: db.Filter{"id": id},
				RowIDs: []string{id},
			})
		}
	}
	return muts
}

// objectRows returns the rows a delete notification removes: rows of the
// object (and its recurrence instances) whose etag matches, or every row
// of the object when the notification carries no etag.
func (idx *Index) objectRows(ref model.DeletedRef) []string {
	var ids []string
	for _, id := range idx.collectionRows(ref.CollectionURL) {
		k := idx.keys[id]
		if k.URL != ref.URL && model.BaseURL(k.URL) != ref.URL {
			continue
		}
		if ref.ETag != "" && k.ETag != ref.ETag {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
