package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/samber/mo"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

// invalidCollectionTag marks collections the server cannot sync.
const invalidCollectionTag = "-1"

const collectionPropfind = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:prop>
    <D:displayname/>
    <D:resourcetype/>
    <CS:getctag/>
    <D:sync-token/>
  </D:prop>
</D:propfind>`

// CollectionDiff is the structural difference between two collection sets.
type CollectionDiff struct {
	Created   []model.CollectionRef
	Updated   []model.CollectionRef
	Deleted   []model.CollectionRef
	Unchanged []model.CollectionRef
}

type collectionProps struct {
	displayName string
	ctag        string
	syncToken   string
}

// ListCollections discovers the calendars of the current user together
// with their collection tag and sync token. Collections carrying the
// invalid tag sentinel are left out.
func (c *Client) ListCollections(ctx context.Context) ([]model.CollectionRef, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, listError("finding principal", err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, listError("finding home set", err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, listError("finding calendars", err)
	}

	props, err := c.collectionProps(ctx, homeSet)
	if err != nil {
		return nil, err
	}

	refs := make([]model.CollectionRef, 0, len(cals))
	for _, cal := range cals {
		p := props[collectionKey(cal.Path)]
		if p.ctag == invalidCollectionTag {
			appLog.Debug("skipping unsupported collection", "url", cal.Path)
			continue
		}

		name := cal.Name
		if name == "" {
			name = p.displayName
		}

		refs = append(refs, model.CollectionRef{
			URL:           cal.Path,
			DisplayName:   name,
			ChangeToken:   mo.EmptyableToOption(p.syncToken),
			CollectionTag: mo.EmptyableToOption(p.ctag),
		})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].URL < refs[j].URL })
	return refs, nil
}

// collectionProps fetches getctag and sync-token for every child of the
// calendar home set.
func (c *Client) collectionProps(ctx context.Context, homeSet string) (map[string]collectionProps, error) {
	status, body, err := c.do(ctx, "PROPFIND", homeSet, "1", collectionPropfind)
	if err != nil {
		return nil, err
	}
	if status != http.StatusMultiStatus {
		return nil, fmt.Errorf("%w: PROPFIND %s returned %d", ErrCollectionListParse, homeSet, status)
	}

	props, err := parseCollectionProps(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollectionListParse, err)
	}
	return props, nil
}

func parseCollectionProps(body []byte) (map[string]collectionProps, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("reading multistatus: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, errors.New("response is not a multistatus document")
	}

	out := make(map[string]collectionProps)
	for _, resp := range root.SelectElements("response") {
		href := resp.SelectElement("href")
		if href == nil {
			continue
		}

		var p collectionProps
		for _, ps := range resp.SelectElements("propstat") {
			if st := ps.SelectElement("status"); st != nil && !strings.Contains(st.Text(), " 200") {
				continue
			}
			prop := ps.SelectElement("prop")
			if prop == nil {
				continue
			}
			if e := prop.SelectElement("displayname"); e != nil {
				p.displayName = strings.TrimSpace(e.Text())
			}
			if e := prop.SelectElement("getctag"); e != nil {
				p.ctag = strings.TrimSpace(e.Text())
			}
			if e := prop.SelectElement("sync-token"); e != nil {
				p.syncToken = strings.TrimSpace(e.Text())
			}
		}
		out[collectionKey(href.Text())] = p
	}
	return out, nil
}

func collectionKey(href string) string {
	return strings.TrimSuffix(normalizeHref(href), "/")
}

func listError(action string, err error) error {
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	wrapped := unavailable(action, err)
	if errors.Is(wrapped, ErrSourceUnavailable) {
		return wrapped
	}
	return fmt.Errorf("%w: %s: %w", ErrCollectionListParse, action, err)
}

// DiffCollections compares the last known collections with the current
// remote listing. A collection is updated when its tag or token moved.
func DiffCollections(known, current []model.CollectionRef) CollectionDiff {
	var diff CollectionDiff

	knownByURL := make(map[string]model.CollectionRef, len(known))
	for _, k := range known {
		knownByURL[collectionKey(k.URL)] = k
	}

	seen := make(map[string]bool, len(current))
	for _, cur := range current {
		key := collectionKey(cur.URL)
		seen[key] = true

		prev, ok := knownByURL[key]
		switch {
		case !ok:
			diff.Created = append(diff.Created, cur)
		case prev.CollectionTag != cur.CollectionTag || prev.ChangeToken != cur.ChangeToken:
			diff.Updated = append(diff.Updated, cur)
		default:
			diff.Unchanged = append(diff.Unchanged, cur)
		}
	}

	for _, k := range known {
		if !seen[collectionKey(k.URL)] {
			diff.Deleted = append(diff.Deleted, k)
		}
	}

	return diff
}
