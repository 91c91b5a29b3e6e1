package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-webdav/caldav"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

const listingPropfind = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getcontenttype/>
    <D:resourcetype/>
  </D:prop>
</D:propfind>`

var fullCalendarData = caldav.CalendarCompRequest{
	Name:     "VCALENDAR",
	AllProps: true,
	AllComps: true,
}

// FetchAllObjects returns every object of a collection, bounded to tr when
// it is set. When the calendar-query fails for a reason other than the
// source being unreachable, objects are listed with PROPFIND and fetched
// one by one, which also keeps one broken object from hiding the others.
// The query sees raw statuses so a refused REPORT still gets that far; an
// outage then surfaces on the PROPFIND.
func (c *Client) FetchAllObjects(ctx context.Context, coll model.CollectionRef, tr *model.TimeRange) ([]model.RawObject, error) {
	objs, err := c.queryObjects(withRawStatus(ctx), coll.URL, tr)
	if err == nil {
		return objs, nil
	}
	if errors.Is(err, ErrSourceUnavailable) {
		return nil, err
	}

	appLog.Debug("calendar query failed, listing objects", "collection", coll.URL, "reason", err.Error())
	return c.listAndFetch(ctx, coll.URL)
}

func (c *Client) queryObjects(ctx context.Context, collPath string, tr *model.TimeRange) ([]model.RawObject, error) {
	eventFilter := caldav.CompFilter{Name: "VEVENT"}
	if tr != nil {
		eventFilter.Start = tr.Start
		eventFilter.End = tr.End
	}

	query := &caldav.CalendarQuery{
		CompRequest: fullCalendarData,
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{eventFilter},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, collPath, query)
	if err != nil {
		return nil, unavailable("querying calendar", err)
	}
	return toRawObjects(objects), nil
}

func (c *Client) listAndFetch(ctx context.Context, collPath string) ([]model.RawObject, error) {
	status, body, err := c.do(ctx, "PROPFIND", collPath, "1", listingPropfind)
	if err != nil {
		return nil, err
	}
	if status != http.StatusMultiStatus && status != http.StatusOK {
		return nil, fmt.Errorf("%w: PROPFIND %s returned %d", ErrInvalidResponse, collPath, status)
	}

	paths, err := parseObjectPaths(body, collPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return c.fetchEach(ctx, paths)
}

// fetchEach GETs every path. Missing objects are skipped; they were
// removed between the listing and the fetch.
func (c *Client) fetchEach(ctx context.Context, paths []string) ([]model.RawObject, error) {
	objs := make([]model.RawObject, 0, len(paths))
	for _, p := range paths {
		obj, err := c.FetchOneByURL(ctx, p)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				appLog.Debug("object vanished before fetch", "url", p)
				continue
			}
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// multiGet fetches full bodies for the given object paths.
func (c *Client) multiGet(ctx context.Context, collPath string, paths []string) ([]model.RawObject, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	multiGet := &caldav.CalendarMultiGet{
		Paths:       paths,
		CompRequest: fullCalendarData,
	}

	objects, err := c.caldavClient.MultiGetCalendar(withRawStatus(ctx), collPath, multiGet)
	if err == nil {
		return toRawObjects(objects), nil
	}

	err = unavailable("multiget", err)
	if errors.Is(err, ErrSourceUnavailable) {
		return nil, err
	}

	appLog.Debug("multiget failed, fetching objects one by one", "collection", collPath, "reason", err.Error())
	return c.fetchEach(ctx, paths)
}

func toRawObjects(objects []caldav.CalendarObject) []model.RawObject {
	out := make([]model.RawObject, 0, len(objects))
	for _, obj := range objects {
		raw := model.RawObject{
			URL:  normalizeHref(obj.Path),
			ETag: normalizeETag(obj.ETag),
		}
		if obj.Data != nil {
			data, err := encodeCalendar(obj.Data)
			if err != nil {
				appLog.Debug("failed to re-encode calendar data", "url", raw.URL, "reason", err.Error())
				raw.ReadErr = fmt.Errorf("re-encoding calendar data: %w", err)
			}
			raw.Data = data
		}
		out = append(out, raw)
	}
	return out
}

// parseObjectPaths extracts calendar object paths from a PROPFIND listing,
// leaving out the collection itself and sub-collections.
func parseObjectPaths(body []byte, collPath string) ([]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("reading multistatus: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, errors.New("response is not a multistatus document")
	}

	var paths []string
	for _, resp := range root.SelectElements("response") {
		href := resp.SelectElement("href")
		if href == nil {
			continue
		}
		p := normalizeHref(href.Text())
		if sameCollection(p, collPath) || strings.HasSuffix(p, "/") {
			continue
		}

		contentType := ""
		if e := resp.FindElement(".//getcontenttype"); e != nil {
			contentType = e.Text()
		}
		if strings.HasSuffix(p, ".ics") || strings.Contains(contentType, "calendar") {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
