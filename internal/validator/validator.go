// Package validator checks CalDAV and webhook endpoints before use.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidCalDAV    = errors.New("invalid CalDAV endpoint")
	ErrInternalHost     = errors.New("internal hosts are not allowed")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Validator provides URL and endpoint validation.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
	timeout         time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows connections to private IP addresses, for
// CalDAV servers on the same Docker network.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		v.timeout = d
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{timeout: defaultTimeout}

	for _, opt := range opts {
		opt(v)
	}

	v.client = v.createHTTPClient()
	return v
}

// HTTPClient returns a client that refuses private addresses unless the
// validator allows them and stops after a few redirects.
func (v *Validator) HTTPClient() *http.Client {
	return v.client
}

func (v *Validator) createHTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext:           v.dialWithIPCheck,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   v.timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

func (v *Validator) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}
	if v.allowPrivateIPs {
		return dialer.DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed: %w", err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return nil, ErrPrivateIP
		}
	}

	// Dial the address that was checked so a second lookup cannot differ.
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), portOf(addr)))
}

func portOf(addr string) string {
	_, port, _ := net.SplitHostPort(addr)
	return port
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	return nil
}

// ValidateWebhookURL checks that a webhook target is HTTPS and does not
// name a local or private host.
func (v *Validator) ValidateWebhookURL(rawURL string) error {
	if err := v.ValidateURL(rawURL, true); err != nil {
		return err
	}
	if v.allowPrivateIPs {
		return nil
	}

	parsed, _ := url.Parse(rawURL)
	host := strings.ToLower(parsed.Hostname())

	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: %s", ErrInternalHost, host)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return ErrPrivateIP
	}
	return nil
}

// ValidateCalDAVEndpoint validates a CalDAV endpoint by checking its
// OPTIONS response for a DAV header.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if err := v.ValidateURL(endpointURL, false); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidCalDAV, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	// Some servers answer OPTIONS on a principal URL with 401 before auth.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized:
	default:
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrInvalidCalDAV, resp.StatusCode)
	}

	if resp.Header.Get("DAV") == "" && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: missing DAV header", ErrInvalidCalDAV)
	}

	return nil
}
