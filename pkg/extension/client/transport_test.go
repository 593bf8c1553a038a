package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/extension/protocol"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

func TestHTTPTransport_Call(t *testing.T) {
	srv := httptest.NewServer(newService(v(1, 2)))
	defer srv.Close()

	c := newTestClient(t, v(1, 0))
	if err := c.Register(Registration{Name: "reviewer", Transport: TransportHTTP, Endpoint: srv.URL + "/"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	caps, err := c.Negotiate(context.Background(), "reviewer")
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if caps.Version != v(1, 2) {
		t.Errorf("version = %s, want 1.2", caps.Version)
	}

	resp, err := c.Call(context.Background(), "reviewer", "echo", json.RawMessage(`{"n":1}`), time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(resp.Result) != `{"n":1}` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestHTTPTransport_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    string
		wantCode  string
		retryable bool
		after     time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: "3", wantCode: pipeline.CodeRateLimited, retryable: true, after: 3 * time.Second},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantCode: pipeline.CodeUnavailable, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantCode: pipeline.CodeRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			conn, err := HTTPDialer(srv.Client()).Dial(context.Background(), Registration{Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			msg, _ := protocol.NewMessage(protocol.MessageTypeHello, "1", &protocol.HelloMessage{Version: v(1, 0)})

			_, err = conn.Exchange(context.Background(), msg)
			perr, ok := pipeline.AsError(err)
			if !ok {
				t.Fatalf("Exchange() error = %v, want *pipeline.Error", err)
			}
			if perr.Code != tt.wantCode || perr.Policy.Retryable != tt.retryable {
				t.Errorf("error = %s %s, want %s retryable=%v", perr.Code, perr.Policy, tt.wantCode, tt.retryable)
			}
			if tt.after > 0 && (perr.Policy.After == nil || *perr.Policy.After != tt.after) {
				t.Errorf("after = %v, want %s", perr.Policy.After, tt.after)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{in: "", wantOK: false},
		{in: "5", want: 5 * time.Second, wantOK: true},
		{in: now.Add(10 * time.Second).Format(http.TimeFormat), want: 10 * time.Second, wantOK: true},
		{in: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, wantOK: true},
		{in: "soon", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := retryAfter(tt.in, now)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("retryAfter(%q) = %s, %v; want %s, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
