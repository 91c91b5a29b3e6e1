// Package caldav is the remote source adapter: collection discovery,
// full and token-based object fetches, and direct object lookups.
package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/calmirror/internal/model"
)

var (
	ErrSourceUnavailable   = errors.New("calendar source unavailable")
	ErrCollectionListParse = errors.New("failed to parse collection list")
	ErrInvalidSyncToken    = errors.New("sync token rejected by server")
	ErrSyncNotSupported    = errors.New("sync-collection not supported")
	ErrObjectNotFound      = errors.New("calendar object not found")
	ErrInvalidResponse     = errors.New("invalid server response")
	ErrForeignURL          = errors.New("URL is not on the calendar server")
)

const (
	defaultTimeout = 30 * time.Second
	defaultRPS     = 10
	defaultBurst   = 20
	minTLSVersion  = tls.VersionTLS12
)

// Client talks to one CalDAV account.
type Client struct {
	baseURL      string
	endpoint     *url.URL
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	timeout   time.Duration
	rps       float64
	burst     int
	transport http.RoundTripper
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRateLimit caps outbound requests per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *clientOptions) {
		o.rps = rps
		if burst > 0 {
			o.burst = burst
		}
	}
}

// WithTransport replaces the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) {
		o.transport = rt
	}
}

// NewClient creates a new CalDAV client.
func NewClient(baseURL, username, password string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrSourceUnavailable)
	}
	endpoint, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrSourceUnavailable, baseURL)
	}

	o := clientOptions{timeout: defaultTimeout, rps: defaultRPS, burst: defaultBurst}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.transport
	if base == nil {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	var limiter *rate.Limiter
	if o.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.rps), o.burst)
	}

	httpClient := &http.Client{
		Timeout:   o.timeout,
		Transport: &guardedTransport{base: base, limiter: limiter},
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrSourceUnavailable, err)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		endpoint:     endpoint,
		username:     username,
		password:     password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
	}, nil
}

// TestConnection checks that the server answers principal discovery.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return unavailable("finding principal", err)
	}
	return nil
}

// FetchOneByURL fetches a single object by path or absolute URL.
func (c *Client) FetchOneByURL(ctx context.Context, rawURL string) (model.RawObject, error) {
	target, err := c.buildURL(rawURL)
	if err != nil {
		return model.RawObject{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return model.RawObject{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", ical.MIMEType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.RawObject{}, unavailable("fetching object", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.RawObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, rawURL)
	case resp.StatusCode != http.StatusOK:
		return model.RawObject{}, fmt.Errorf("%w: unexpected status %d for %s", ErrInvalidResponse, resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.RawObject{}, unavailable("reading object", err)
	}

	return model.RawObject{
		URL:  normalizeHref(rawURL),
		ETag: normalizeETag(resp.Header.Get("ETag")),
		Data: string(body),
	}, nil
}

// buildURL constructs the full URL for a path. Absolute paths keep only
// the scheme and host of the base URL. Absolute URLs must point at the
// base URL's scheme and host, since requests carry the account credentials.
func (c *Client) buildURL(path string) (string, error) {
	if path == "" {
		return c.baseURL, nil
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err := url.Parse(path)
		if err != nil || !strings.EqualFold(u.Scheme, c.endpoint.Scheme) || !strings.EqualFold(u.Host, c.endpoint.Host) {
			return "", fmt.Errorf("%w: %s", ErrForeignURL, path)
		}
		return path, nil
	}

	if strings.HasPrefix(path, "/") {
		return c.endpoint.Scheme + "://" + c.endpoint.Host + path, nil
	}

	return c.baseURL + "/" + path, nil
}

// do sends a WebDAV request with basic auth and returns the body of a
// 207/200 response.
func (c *Client) do(ctx context.Context, method, path, depth, body string) (int, []byte, error) {
	target, err := c.buildURL(path)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	if depth != "" {
		req.Header.Set("Depth", depth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, unavailable(strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, unavailable("reading response", err)
	}
	return resp.StatusCode, data, nil
}

// normalizeHref reduces an href or URL to its decoded path.
func normalizeHref(href string) string {
	href = strings.TrimSpace(href)
	u, err := url.Parse(href)
	if err != nil || u.Path == "" {
		if decoded, err := url.PathUnescape(href); err == nil {
			return decoded
		}
		return href
	}
	return u.Path
}

// normalizeETag strips the quotes servers put around entity tags so that
// etags from headers, reports and go-webdav compare equal.
func normalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

func sameCollection(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// unavailable wraps transport level failures as ErrSourceUnavailable and
// passes everything else through with context.
func unavailable(action string, err error) error {
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

// encodeCalendar encodes a calendar object to iCalendar text.
func encodeCalendar(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}
