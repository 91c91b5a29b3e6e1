package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// guardedTransport throttles outbound requests and turns authentication
// and server failures into ErrSourceUnavailable before any XML decoding.
// Requests marked with withRawStatus get every status back unchanged.
type guardedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

type rawStatusKey struct{}

// withRawStatus marks requests whose caller interprets error statuses
// itself, such as sync-collection where 403 and 501 ask for a full sync.
func withRawStatus(ctx context.Context) context.Context {
	return context.WithValue(ctx, rawStatusKey{}, true)
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrSourceUnavailable, err)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if raw, _ := req.Context().Value(rawStatusKey{}).(bool); raw {
		return resp, nil
	}

	if sourceDown(resp.StatusCode) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrSourceUnavailable, req.Method, req.URL.Path, resp.StatusCode)
	}

	return resp, nil
}

// sourceDown reports statuses that mean the account cannot be read at all.
// 501 is left to the caller since it names an unsupported method.
func sourceDown(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusNotImplemented:
		return false
	}
	return status >= http.StatusInternalServerError
}
