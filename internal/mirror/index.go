package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/model"
)

// Store is the destination row store.
type Store interface {
	GetRows(ctx context.Context, filter db.Filter) ([]db.StoredRow, error)
	InsertRow(ctx context.Context, fields db.Row) (string, error)
	UpdateRow(ctx context.Context, fields db.Row, id string) error
	DeleteRows(ctx context.Context, filter db.Filter) (int64, error)
}

type urlKey struct {
	collection string
	url        string
}

// Index is a snapshot of the mirror keyed by identity triple. It is built
// once per run and kept current as mutations are applied.
type Index struct {
	fields FieldMap

	mu    sync.RWMutex
	rows  map[string]db.Row
	keys  map[string]model.Key
	byKey map[model.Key]string
	byURL map[urlKey][]string
}

// NewIndex builds an index from rows.
func NewIndex(fields FieldMap, rows []db.StoredRow) *Index {
	idx := &Index{
		fields: fields,
		rows:   make(map[string]db.Row, len(rows)),
		keys:   make(map[string]model.Key, len(rows)),
		byKey:  make(map[model.Key]string, len(rows)),
		byURL:  make(map[urlKey][]string, len(rows)),
	}
	for _, r := range rows {
		idx.put(r.ID, r.Fields)
	}
	return idx
}

// LoadIndex reads the whole mirror from store.
func LoadIndex(ctx context.Context, store Store, fields FieldMap) (*Index, error) {
	rows, err := store.GetRows(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror rows: %w", err)
	}
	return NewIndex(fields, rows), nil
}

// Len returns the number of indexed rows.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rows)
}

// Has reports whether a row with the given identity triple exists.
func (idx *Index) Has(k model.Key) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byKey[k]
	return ok
}

// KnownObjects returns the object URLs and etags the mirror holds for a
// collection. Recurrence instances collapse onto their object URL.
func (idx *Index) KnownObjects(collectionURL string) map[string]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	known := make(map[string]string)
	for _, k := range idx.keys {
		if k.CollectionURL != collectionURL {
			continue
		}
		base := model.BaseURL(k.URL)
		if _, ok := known[base]; !ok || base == k.URL {
			known[base] = k.ETag
		}
	}
	return known
}

// Collections returns the distinct collection URLs that own rows, sorted.
func (idx *Index) Collections() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]bool)
	var urls []string
	for _, k := range idx.keys {
		if k.CollectionURL == "" || seen[k.CollectionURL] {
			continue
		}
		seen[k.CollectionURL] = true
		urls = append(urls, k.CollectionURL)
	}
	sort.Strings(urls)
	return urls
}

// CollectionRows returns the ids of all rows of a collection, sorted.
func (idx *Index) CollectionRows(collectionURL string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.collectionRows(collectionURL)
}

func (idx *Index) collectionRows(collectionURL string) []string {
	var ids []string
	for id, k := range idx.keys {
		if k.CollectionURL == collectionURL {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (idx *Index) put(id string, fields db.Row) {
	k := idx.fields.key(fields)
	idx.rows[id] = fields
	idx.keys[id] = k
	idx.byKey[k] = id
	uk := urlKey{collection: k.CollectionURL, url: k.URL}
	idx.byURL[uk] = append(idx.byURL[uk], id)
	sort.Strings(idx.byURL[uk])
}

func (idx *Index) remove(id string) {
	k, ok := idx.keys[id]
	if !ok {
		return
	}
	delete(idx.rows, id)
	delete(idx.keys, id)
	if idx.byKey[k] == id {
		delete(idx.byKey, k)
	}

	uk := urlKey{collection: k.CollectionURL, url: k.URL}
	ids := idx.byURL[uk][:0]
	for _, other := range idx.byURL[uk] {
		if other != id {
			ids = append(ids, other)
		}
	}
	if len(ids) == 0 {
		delete(idx.byURL, uk)
	} else {
		idx.byURL[uk] = ids
	}
}

func (idx *Index) update(id string, fields db.Row) {
	merged := make(db.Row, len(fields))
	for c, v := range idx.rows[id] {
		merged[c] = v
	}
	for c, v := range fields {
		merged[c] = v
	}
	idx.remove(id)
	idx.put(id, merged)
}

// record reflects an applied mutation in the index.
func (idx *Index) record(m Mutation, insertedID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch m.Kind {
	case Insert:
		idx.put(insertedID, m.Fields)
	case Update:
		idx.update(m.RowID, m.Fields)
	case Delete:
		for _, id := range m.RowIDs {
			idx.remove(id)
		}
	}
}
