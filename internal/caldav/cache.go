package caldav

import (
	"context"
	"strings"
	"sync"

	"github.com/macjediwizard/calmirror/internal/model"
)

// CollectionLister lists remote collections.
type CollectionLister interface {
	ListCollections(ctx context.Context) ([]model.CollectionRef, error)
}

// CollectionCache holds the collection listing for a single sync pass.
// It loads lazily on first use and only reloads on Refresh; a new pass
// gets a new cache.
type CollectionCache struct {
	lister CollectionLister

	mu     sync.Mutex
	loaded bool
	refs   []model.CollectionRef
}

// NewCollectionCache creates an empty cache backed by lister.
func NewCollectionCache(lister CollectionLister) *CollectionCache {
	return &CollectionCache{lister: lister}
}

// Collections returns the cached listing, loading it if needed.
func (c *CollectionCache) Collections(ctx context.Context) ([]model.CollectionRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.refs, nil
	}
	return c.load(ctx)
}

// Refresh discards the cached listing and loads it again.
func (c *CollectionCache) Refresh(ctx context.Context) ([]model.CollectionRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded = false
	c.refs = nil
	return c.load(ctx)
}

// Lookup returns the cached collection that owns resourceURL: an exact
// collection URL or the longest collection URL prefixing it.
func (c *CollectionCache) Lookup(resourceURL string) (model.CollectionRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		best  model.CollectionRef
		found bool
	)
	for _, ref := range c.refs {
		prefix := strings.TrimSuffix(ref.URL, "/")
		if resourceURL != prefix && !strings.HasPrefix(resourceURL, prefix+"/") {
			continue
		}
		if !found || len(ref.URL) > len(best.URL) {
			best, found = ref, true
		}
	}
	return best, found
}

func (c *CollectionCache) load(ctx context.Context) ([]model.CollectionRef, error) {
	refs, err := c.lister.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	c.refs = refs
	c.loaded = true
	return refs, nil
}
