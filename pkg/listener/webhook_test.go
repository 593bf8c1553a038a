package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const testSecret = "s3cret"

type captureSubmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSubmitter) Submit(_ context.Context, ev Event, ack AckFunc) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if ack != nil {
		ack(nil)
	}
	return nil
}

func (c *captureSubmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func postWebhook(t *testing.T, h http.Handler, body, signature, delivery string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(headerEvent, "issues")
	if signature != "" {
		req.Header.Set(headerSignature, signature)
	}
	if delivery != "" {
		req.Header.Set(headerDelivery, delivery)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_Responses(t *testing.T) {
	valid := `{"action":"opened","issue":{"number":42}}`

	tests := []struct {
		name       string
		body       string
		signature  string
		wantStatus int
		wantSubmit bool
	}{
		{"valid", valid, SignatureHeader(testSecret, []byte(valid)), http.StatusAccepted, true},
		{"missing signature", valid, "", http.StatusUnauthorized, false},
		{"wrong secret", valid, SignatureHeader("other", []byte(valid)), http.StatusUnauthorized, false},
		{"wrong scheme", valid, "sha1=abcd", http.StatusUnauthorized, false},
		{"tampered body", valid, SignatureHeader(testSecret, []byte(valid+" ")), http.StatusUnauthorized, false},
		{"malformed json", `{"issue":`, SignatureHeader(testSecret, []byte(`{"issue":`)), http.StatusBadRequest, false},
		{"no work item", `{"action":"opened"}`, SignatureHeader(testSecret, []byte(`{"action":"opened"}`)), http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &captureSubmitter{}
			srv, err := NewWebhookServer(WebhookConfig{Secret: testSecret}, sub, nil)
			if err != nil {
				t.Fatalf("NewWebhookServer() error = %v", err)
			}

			rec := postWebhook(t, srv.Handler(), tt.body, tt.signature, "d-1")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := sub.count() == 1; got != tt.wantSubmit {
				t.Errorf("submitted = %v, want %v", got, tt.wantSubmit)
			}
		})
	}
}

func TestWebhook_EventFields(t *testing.T) {
	sub := &captureSubmitter{}
	srv, err := NewWebhookServer(WebhookConfig{Secret: testSecret}, sub, nil)
	if err != nil {
		t.Fatalf("NewWebhookServer() error = %v", err)
	}

	body := `{"action":"created","issue":{"number":9},"comment":{"body":"/cogworks approve"}}`
	rec := postWebhook(t, srv.Handler(), body, SignatureHeader(testSecret, []byte(body)), "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	ev := sub.events[0]
	if ev.SessionKey != 9 || ev.Kind != "issues" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.DedupKey) != 64 {
		t.Errorf("dedup key without delivery header = %q, want body digest", ev.DedupKey)
	}
}

func TestWebhook_MethodAndHealth(t *testing.T) {
	srv, _ := NewWebhookServer(WebhookConfig{Secret: testSecret}, &captureSubmitter{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /webhook = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d", rec.Code)
	}
}

func TestWebhook_BadSignatureNeverReachesDispatcher(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h)
	srv, _ := NewWebhookServer(WebhookConfig{Secret: testSecret}, d, nil)

	body := `{"action":"opened","issue":{"number":5}}`
	rec := postWebhook(t, srv.Handler(), body, SignatureHeader("wrong", []byte(body)), "d-5")
	closeDispatcher(t, d)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := h.events(5); len(got) != 0 {
		t.Errorf("handler saw %v", got)
	}
}

func TestNewWebhookServer_RequiresSecret(t *testing.T) {
	if _, err := NewWebhookServer(WebhookConfig{}, &captureSubmitter{}, nil); err == nil {
		t.Error("expected error without secret")
	}
}
