// Package notify runs the configured error action when normalization,
// reconciliation or the remote source fails.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	appLog "github.com/macjediwizard/calmirror/internal/log"
	"github.com/macjediwizard/calmirror/internal/validator"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ErrInvalidConfig is returned by ValidateConfig.
var ErrInvalidConfig = errors.New("invalid notification config")

// maxInputBytes bounds the raw input attached to an alert.
const maxInputBytes = 16 * 1024

// Action selects what happens when a failure is reported.
type Action string

const (
	ActionNone    Action = ""
	ActionLog     Action = "log"
	ActionWebhook Action = "webhook"
	ActionEmail   Action = "email"
)

// ParseAction maps a config string to an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionNone, ActionLog, ActionWebhook, ActionEmail:
		return a, nil
	default:
		return ActionNone, fmt.Errorf("%w: unknown error action %q", ErrInvalidConfig, s)
	}
}

// Kind classifies a failure.
type Kind string

const (
	KindObjectParse       Kind = "object_parse"
	KindMirrorWrite       Kind = "mirror_write"
	KindSourceUnavailable Kind = "source_unavailable"
	KindCollectionList    Kind = "collection_list"
	KindCollection        Kind = "collection"
	KindRecovery          Kind = "recovery"
)

// Failure is one reported failure together with its offending input.
type Failure struct {
	Kind          Kind
	CollectionURL string
	ObjectURL     string
	Message       string
	Input         string
	Timestamp     time.Time
}

func (f Failure) key() string {
	return string(f.Kind) + "|" + f.CollectionURL + "|" + f.ObjectURL
}

// Config holds notification configuration.
type Config struct {
	Action Action

	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// CooldownPeriod suppresses repeats of the same failure.
	CooldownPeriod time.Duration
}

// Notifier dispatches failures to the configured action.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu          sync.Mutex
	lastAlerted map[string]time.Time
	failing     map[string]bool // collections with an unrecovered failure

	wg sync.WaitGroup
}

// New creates a Notifier. client may be nil to use a 30s default client.
func New(cfg *Config, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{
		cfg:         cfg,
		httpClient:  client,
		lastAlerted: make(map[string]time.Time),
		failing:     make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config, v *validator.Validator) error {
	switch cfg.Action {
	case ActionWebhook:
		if cfg.WebhookURL == "" {
			return fmt.Errorf("%w: webhook URL is required for the webhook action", ErrInvalidConfig)
		}
		if err := v.ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("%w: webhook URL: %w", ErrInvalidConfig, err)
		}
	case ActionEmail:
		if cfg.SMTPHost == "" {
			return fmt.Errorf("%w: SMTP host is required for the email action", ErrInvalidConfig)
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("%w: SMTP port must be between 1 and 65535", ErrInvalidConfig)
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("%w: invalid SMTP from address", ErrInvalidConfig)
		}
		if len(cfg.SMTPTo) == 0 {
			return fmt.Errorf("%w: at least one SMTP recipient is required", ErrInvalidConfig)
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("%w: invalid SMTP recipient address: %s", ErrInvalidConfig, to)
			}
		}
	}

	if cfg.Action != ActionNone && cfg.CooldownPeriod < 0 {
		return fmt.Errorf("%w: cooldown period cannot be negative", ErrInvalidConfig)
	}
	return nil
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func truncateInput(s string) string {
	if len(s) > maxInputBytes {
		return s[:maxInputBytes]
	}
	return s
}

// IsEnabled reports whether an action is configured.
func (n *Notifier) IsEnabled() bool {
	return n != nil && n.cfg.Action != ActionNone
}

// Notify reports a failure. Repeats of the same failure within the
// cooldown are suppressed. It returns whether the action was run.
func (n *Notifier) Notify(ctx context.Context, f Failure) bool {
	if !n.IsEnabled() {
		return false
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	n.mu.Lock()
	if f.CollectionURL != "" {
		n.failing[f.CollectionURL] = true
	}
	if last, ok := n.lastAlerted[f.key()]; ok && time.Since(last) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		appLog.Debug("alert suppressed by cooldown", "kind", string(f.Kind), "collection", f.CollectionURL, "url", f.ObjectURL)
		return false
	}
	n.lastAlerted[f.key()] = f.Timestamp
	n.mu.Unlock()

	n.dispatch(context.WithoutCancel(ctx), f)
	return true
}

// Recovered reports that a collection synced cleanly. A recovery alert is
// sent only when the collection had failed before.
func (n *Notifier) Recovered(ctx context.Context, collectionURL string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasFailing := n.failing[collectionURL]
	delete(n.failing, collectionURL)
	for k := range n.lastAlerted {
		if strings.Contains(k, "|"+collectionURL+"|") {
			delete(n.lastAlerted, k)
		}
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.dispatch(context.WithoutCancel(ctx), Failure{
		Kind:          KindRecovery,
		CollectionURL: collectionURL,
		Message:       fmt.Sprintf("Collection %s has recovered", collectionURL),
		Timestamp:     time.Now(),
	})
	return true
}

// Wait blocks until dispatched alerts have been sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(ctx context.Context, f Failure) {
	switch n.cfg.Action {
	case ActionLog:
		appLog.Info("error action",
			"kind", string(f.Kind),
			"collection", f.CollectionURL,
			"url", f.ObjectURL,
			"message", f.Message,
			"input_bytes", len(f.Input))
	case ActionWebhook:
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.sendWebhook(ctx, f); err != nil {
				appLog.Error("webhook alert failed", err, "kind", string(f.Kind))
			}
		}()
	case ActionEmail:
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.sendEmail(f); err != nil {
				appLog.Error("email alert failed", err, "kind", string(f.Kind))
			}
		}()
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	Kind          string `json:"kind"`
	CollectionURL string `json:"collection_url,omitempty"`
	ObjectURL     string `json:"object_url,omitempty"`
	Message       string `json:"message"`
	Input         string `json:"input,omitempty"`
	Timestamp     string `json:"timestamp"`
	// Slack-compatible text
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, f Failure) error {
	emoji := ":x:"
	if f.Kind == KindRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		Kind:          string(f.Kind),
		CollectionURL: f.CollectionURL,
		ObjectURL:     f.ObjectURL,
		Message:       f.Message,
		Input:         truncateInput(f.Input),
		Timestamp:     f.Timestamp.UTC().Format(time.RFC3339),
		Text:          fmt.Sprintf("%s *%s*\n%s", emoji, f.Kind, f.Message),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	appLog.Debug("webhook alert sent", "kind", string(f.Kind))
	return nil
}

func buildEmail(from string, to []string, f Failure) []byte {
	subject := fmt.Sprintf("[calmirror] %s: %s", f.Kind, sanitizeForEmail(f.Message))

	var body strings.Builder
	fmt.Fprintf(&body, "Kind: %s\n", f.Kind)
	fmt.Fprintf(&body, "Collection: %s\n", sanitizeForEmail(f.CollectionURL))
	fmt.Fprintf(&body, "Object: %s\n", sanitizeForEmail(f.ObjectURL))
	fmt.Fprintf(&body, "Time: %s\n\n", f.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\n", sanitizeForEmail(f.Message))
	if f.Input != "" {
		fmt.Fprintf(&body, "\nInput:\n%s\n", truncateInput(f.Input))
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, body.String())
	return []byte(msg)
}

func (n *Notifier) sendEmail(f Failure) error {
	msg := buildEmail(n.cfg.SMTPFrom, n.cfg.SMTPTo, f)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, msg)
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, n.cfg.SMTPTo, msg)
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	appLog.Debug("email alert sent", "recipients", len(n.cfg.SMTPTo), "kind", string(f.Kind))
	return nil
}

// sendEmailTLS sends email over implicit TLS (port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(n.cfg.SMTPFrom); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range n.cfg.SMTPTo {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}
