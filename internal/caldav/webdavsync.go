package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/model"
)

// Changes is the result of a token-based diff. Created and Updated carry
// full bodies; Deleted carries the etag the caller last knew, if any.
type Changes struct {
	Created   []model.RawObject
	Updated   []model.RawObject
	Deleted   []model.RawObject
	SyncToken string
}

// syncEntry is one response of a sync-collection multistatus.
type syncEntry struct {
	Href    string
	ETag    string
	Deleted bool
}

// FetchChangedObjects runs an RFC 6578 sync-collection REPORT from token.
// known maps object paths already mirrored to their etag and is used to
// tell created objects from updated ones. Changed objects are re-fetched
// with a calendar-multiget since the report only carries etags.
func (c *Client) FetchChangedObjects(ctx context.Context, coll model.CollectionRef, token string, known map[string]string) (*Changes, error) {
	status, body, err := c.do(withRawStatus(ctx), "REPORT", coll.URL, "1", buildSyncCollectionRequest(token))
	if err != nil {
		return nil, err
	}

	if status != http.StatusMultiStatus {
		return nil, syncStatusError(status, body)
	}

	entries, newToken, err := parseSyncResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	changes := &Changes{SyncToken: newToken}
	var changedPaths []string
	for _, e := range entries {
		p := normalizeHref(e.Href)
		if sameCollection(p, coll.URL) || strings.HasSuffix(p, "/") {
			continue
		}
		if e.Deleted {
			changes.Deleted = append(changes.Deleted, model.RawObject{URL: p, ETag: known[p]})
			continue
		}
		changedPaths = append(changedPaths, p)
	}

	objs, err := c.multiGet(ctx, coll.URL, changedPaths)
	if err != nil {
		return nil, err
	}

	for _, obj := range objs {
		if _, ok := known[obj.URL]; ok {
			changes.Updated = append(changes.Updated, obj)
		} else {
			changes.Created = append(changes.Created, obj)
		}
	}

	appLog.Debug("sync-collection diff",
		"collection", coll.URL,
		"created", len(changes.Created),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted))

	return changes, nil
}

// syncStatusError maps a non-207 sync-collection reply. A rejected token is
// reported as ErrInvalidSyncToken; servers without the report as
// ErrSyncNotSupported. Both mean the caller should re-list the collection.
// A plain 500 is treated as a rejected token since some servers answer a
// stale token that way; the full listing that follows still fails if the
// server is really down.
func syncStatusError(status int, body []byte) error {
	text := string(body)
	switch {
	case strings.Contains(text, "valid-sync-token"):
		return fmt.Errorf("%w: status %d", ErrInvalidSyncToken, status)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: sync-collection returned %d", ErrSourceUnavailable, status)
	case status == http.StatusForbidden || status == http.StatusConflict ||
		status == http.StatusPreconditionFailed || status == http.StatusBadRequest ||
		status == http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrInvalidSyncToken, status)
	case status == http.StatusNotImplemented || status == http.StatusMethodNotAllowed ||
		status == http.StatusUnsupportedMediaType:
		return fmt.Errorf("%w: status %d", ErrSyncNotSupported, status)
	case status > http.StatusInternalServerError:
		return fmt.Errorf("%w: sync-collection returned %d", ErrSourceUnavailable, status)
	default:
		return fmt.Errorf("%w: sync-collection returned %d", ErrInvalidResponse, status)
	}
}

func buildSyncCollectionRequest(syncToken string) string {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	root := doc.CreateElement("D:sync-collection")
	root.CreateAttr("xmlns:D", "DAV:")

	tokenElem := root.CreateElement("D:sync-token")
	if syncToken != "" {
		tokenElem.SetText(syncToken)
	}
	root.CreateElement("D:sync-level").SetText("1")
	root.CreateElement("D:prop").CreateElement("D:getetag")

	out, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return out
}

func parseSyncResponse(body []byte) ([]syncEntry, string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, "", fmt.Errorf("reading multistatus: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, "", errors.New("response is not a multistatus document")
	}

	var token string
	if e := root.SelectElement("sync-token"); e != nil {
		token = strings.TrimSpace(e.Text())
	}

	var entries []syncEntry
	for _, resp := range root.SelectElements("response") {
		href := resp.SelectElement("href")
		if href == nil {
			continue
		}
		entry := syncEntry{Href: strings.TrimSpace(href.Text())}

		// A response-level 404 marks a removed member.
		if st := resp.SelectElement("status"); st != nil && strings.Contains(st.Text(), "404") {
			entry.Deleted = true
			entries = append(entries, entry)
			continue
		}

		for _, ps := range resp.SelectElements("propstat") {
			if st := ps.SelectElement("status"); st != nil && !strings.Contains(st.Text(), "200") {
				continue
			}
			if e := ps.FindElement("./prop/getetag"); e != nil {
				entry.ETag = normalizeETag(e.Text())
			}
		}
		entries = append(entries, entry)
	}

	return entries, token, nil
}
