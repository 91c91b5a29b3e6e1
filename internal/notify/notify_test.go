package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calmirror/internal/validator"
)

func TestParseAction(t *testing.T) {
	testCases := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"", ActionNone, false},
		{"log", ActionLog, false},
		{" Webhook ", ActionWebhook, false},
		{"EMAIL", ActionEmail, false},
		{"pager", ActionNone, true},
	}

	for _, tc := range testCases {
		got, err := ParseAction(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseAction(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseAction(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	v := validator.New()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{}, false},
		{"log", Config{Action: ActionLog}, false},
		{"webhook missing url", Config{Action: ActionWebhook}, true},
		{"webhook http", Config{Action: ActionWebhook, WebhookURL: "http://hooks.example.com"}, true},
		{"webhook private", Config{Action: ActionWebhook, WebhookURL: "https://10.0.0.1/x"}, true},
		{"webhook ok", Config{Action: ActionWebhook, WebhookURL: "https://hooks.example.com/x"}, false},
		{"email missing host", Config{Action: ActionEmail, SMTPPort: 25, SMTPFrom: "a@example.com", SMTPTo: []string{"b@example.com"}}, true},
		{"email bad port", Config{Action: ActionEmail, SMTPHost: "smtp", SMTPPort: 0, SMTPFrom: "a@example.com", SMTPTo: []string{"b@example.com"}}, true},
		{"email bad from", Config{Action: ActionEmail, SMTPHost: "smtp", SMTPPort: 25, SMTPFrom: "nope", SMTPTo: []string{"b@example.com"}}, true},
		{"email no recipients", Config{Action: ActionEmail, SMTPHost: "smtp", SMTPPort: 25, SMTPFrom: "a@example.com"}, true},
		{"email ok", Config{Action: ActionEmail, SMTPHost: "smtp", SMTPPort: 587, SMTPFrom: "a@example.com", SMTPTo: []string{"b@example.com"}}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfig(&tc.cfg, v)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (r *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestNotifyWebhook(t *testing.T) {
	rec := &webhookRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	n := New(&Config{Action: ActionWebhook, WebhookURL: server.URL, CooldownPeriod: time.Hour}, server.Client())

	failure := Failure{
		Kind:          KindObjectParse,
		CollectionURL: "/cal/work/",
		ObjectURL:     "/cal/work/bad.ics",
		Message:       "missing DTSTART",
		Input:         "BEGIN:VCALENDAR",
	}

	if !n.Notify(context.Background(), failure) {
		t.Fatal("expected first alert to be sent")
	}
	if n.Notify(context.Background(), failure) {
		t.Error("expected repeat to be suppressed by cooldown")
	}
	n.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 webhook, got %d", len(rec.payloads))
	}
	p := rec.payloads[0]
	if p.Kind != "object_parse" || p.ObjectURL != "/cal/work/bad.ics" || p.Input != "BEGIN:VCALENDAR" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestRecovered(t *testing.T) {
	rec := &webhookRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	n := New(&Config{Action: ActionWebhook, WebhookURL: server.URL, CooldownPeriod: time.Hour}, server.Client())
	ctx := context.Background()

	if n.Recovered(ctx, "/cal/work/") {
		t.Error("collection that never failed should not send a recovery")
	}

	n.Notify(ctx, Failure{Kind: KindMirrorWrite, CollectionURL: "/cal/work/", Message: "disk full"})
	if !n.Recovered(ctx, "/cal/work/") {
		t.Error("expected recovery alert")
	}
	if !n.Notify(ctx, Failure{Kind: KindMirrorWrite, CollectionURL: "/cal/work/", Message: "disk full"}) {
		t.Error("recovery should reset the cooldown")
	}
	n.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	kinds := map[string]int{}
	for _, p := range rec.payloads {
		kinds[p.Kind]++
	}
	if kinds["recovery"] != 1 || kinds["mirror_write"] != 2 {
		t.Errorf("unexpected payloads %+v", rec.payloads)
	}
}

func TestNotifyDisabled(t *testing.T) {
	var n *Notifier
	if n.Notify(context.Background(), Failure{Kind: KindCollection}) {
		t.Error("nil notifier should not send")
	}

	n = New(&Config{}, nil)
	if n.IsEnabled() || n.Notify(context.Background(), Failure{Kind: KindCollection}) {
		t.Error("notifier without action should not send")
	}
}

func TestBuildEmail(t *testing.T) {
	msg := string(buildEmail("from@example.com", []string{"a@example.com", "b@example.com"}, Failure{
		Kind:      KindObjectParse,
		Message:   "bad\r\nBcc: evil@example.com",
		ObjectURL: "/cal/a.ics",
		Input:     "BEGIN:VCALENDAR",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	if !strings.Contains(msg, "To: a@example.com, b@example.com\r\n") {
		t.Error("missing recipients header")
	}
	if strings.Contains(msg, "\r\nBcc:") {
		t.Error("header injection not sanitized")
	}
	if !strings.Contains(msg, "Input:\nBEGIN:VCALENDAR") {
		t.Error("missing raw input")
	}
}

func TestTruncateInput(t *testing.T) {
	long := strings.Repeat("x", maxInputBytes+10)
	if got := truncateInput(long); len(got) != maxInputBytes {
		t.Errorf("expected %d bytes, got %d", maxInputBytes, len(got))
	}
	if truncateInput("short") != "short" {
		t.Error("short input should be unchanged")
	}
}
