package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(method string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	return c, w
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		c, w := newTestContext(http.MethodGet)
		SecurityHeaders()(c)

		want := map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Referrer-Policy":         "no-referrer",
			"Cache-Control":           "no-store",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		}
		for header, value := range want {
			if got := w.Header().Get(header); got != value {
				t.Errorf("%s = %q, want %q", header, got, value)
			}
		}
		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		c, w := newTestContext(http.MethodGet)
		c.Request.Header.Set("X-Forwarded-Proto", "https")
		SecurityHeaders()(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := RateLimiter(10, 10)
		for i := 0; i < 5; i++ {
			c, _ := newTestContext(http.MethodGet)
			limiter(c)
			if c.IsAborted() {
				t.Errorf("request %d should not be aborted", i)
			}
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := RateLimiter(1, 1)

		c1, _ := newTestContext(http.MethodGet)
		limiter(c1)
		if c1.IsAborted() {
			t.Error("first request should not be aborted")
		}

		c2, w2 := newTestContext(http.MethodGet)
		limiter(c2)
		if !c2.IsAborted() {
			t.Error("second request should be rate limited")
		}
		if w2.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", w2.Code)
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		wantAbort   bool
	}{
		{"GET without content-type", http.MethodGet, "", false},
		{"GET with text content-type", http.MethodGet, "text/plain", false},
		{"POST with JSON", http.MethodPost, "application/json", false},
		{"POST with JSON charset", http.MethodPost, "application/json; charset=utf-8", false},
		{"POST without content-type", http.MethodPost, "", false},
		{"POST with text", http.MethodPost, "text/plain", true},
		{"PUT with XML", http.MethodPut, "application/xml", true},
		{"DELETE with text", http.MethodDelete, "text/plain", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, w := newTestContext(tc.method)
			if tc.contentType != "" {
				c.Request.Header.Set("Content-Type", tc.contentType)
			}
			RequireJSONContentType()(c)

			if c.IsAborted() != tc.wantAbort {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tc.wantAbort)
			}
			if tc.wantAbort && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected status 415, got %d", w.Code)
			}
		})
	}
}

func TestOptionalBasicAuth(t *testing.T) {
	newRouter := func(user, pass string) *gin.Engine {
		r := gin.New()
		r.Use(OptionalBasicAuth(user, pass))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}

	t.Run("open when no credentials are configured", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter("", "").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})

	t.Run("rejects missing credentials", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter("admin", "secret").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("admin", "nope")
		w := httptest.NewRecorder()
		newRouter("admin", "secret").ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("accepts valid credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("admin", "secret")
		w := httptest.NewRecorder()
		newRouter("admin", "secret").ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})
}
