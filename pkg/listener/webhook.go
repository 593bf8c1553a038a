package listener

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cogworks/cogworks/pkg/telemetry"
)

const (
	// MaxWebhookBody is the largest accepted webhook payload.
	MaxWebhookBody = 1 << 20

	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"

	sourceWebhook = "webhook"
)

// Submitter admits a parsed event. Both *Dispatcher and a queue forwarder
// satisfy it.
type Submitter interface {
	Submit(ctx context.Context, ev Event, ack AckFunc) error
}

// QueueSubmitter forwards events into a durable queue instead of handling
// them in process.
type QueueSubmitter struct {
	Queue Queue
}

// Submit enqueues ev and acknowledges once it is durable.
func (q QueueSubmitter) Submit(ctx context.Context, ev Event, ack AckFunc) error {
	err := q.Queue.Enqueue(ctx, ev)
	if ack != nil {
		ack(err)
	}
	return err
}

// WebhookConfig configures a WebhookServer.
type WebhookConfig struct {
	Listen string
	Secret string
}

// WebhookServer is the push backend. It verifies the HMAC signature of
// every request before parsing it and submits valid events.
type WebhookServer struct {
	cfg     WebhookConfig
	target  Submitter
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	server  *http.Server
}

// NewWebhookServer creates a webhook server submitting to target.
func NewWebhookServer(cfg WebhookConfig, target Submitter, t *telemetry.Telemetry) (*WebhookServer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if target == nil {
		return nil, errors.New("webhook target is required")
	}
	w := &WebhookServer{
		cfg:    cfg,
		target: target,
		logger: telemetry.Nop(),
	}
	if t != nil {
		if t.Logger != nil {
			w.logger = t.Logger.NewComponentLogger("webhook")
		}
		w.metrics = t.Metrics
	}
	return w, nil
}

// Handler returns the HTTP routes of the server.
func (w *WebhookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", w.handleWebhook)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (w *WebhookServer) ListenAndServe(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.cfg.Listen,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Infof("Webhook listening on %s", w.cfg.Listen)
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	}
}

func (w *WebhookServer) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, MaxWebhookBody))
	if err != nil {
		w.reject(rw, r, http.StatusRequestEntityTooLarge, "body_too_large", err)
		return
	}

	if err := VerifySignature(w.cfg.Secret, body, r.Header.Get(headerSignature)); err != nil {
		w.reject(rw, r, http.StatusUnauthorized, "signature_invalid", err)
		return
	}

	ev, err := ParseEvent(sourceWebhook, r.Header.Get(headerEvent), r.Header.Get(headerDelivery), body)
	if err != nil {
		w.reject(rw, r, http.StatusBadRequest, "malformed_payload", err)
		return
	}

	if err := w.target.Submit(r.Context(), ev, nil); err != nil {
		w.logger.WithWorkItem(ev.SessionKey.String()).WithError(err).Error("Failed to submit webhook event")
		http.Error(rw, "unavailable", http.StatusServiceUnavailable)
		return
	}

	w.metrics.RecordEventIngested(sourceWebhook, ev.Kind)
	w.logger.WithWorkItem(ev.SessionKey.String()).
		WithField("delivery", ev.DedupKey).
		Debugf("Accepted %s event", ev.Kind)

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "accepted", "delivery": ev.DedupKey})
}

func (w *WebhookServer) reject(rw http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	w.metrics.RecordEventRejected(sourceWebhook, reason)
	w.logger.WithError(err).
		WithField("remote", r.RemoteAddr).
		WithField("delivery", r.Header.Get(headerDelivery)).
		Warnf("Rejected webhook request: %s", reason)
	http.Error(rw, reason, status)
}

// VerifySignature checks an X-Hub-Signature-256 header value against an
// HMAC-SHA256 of body.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errors.New("missing signature")
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errors.New("unsupported signature scheme")
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !hmac.Equal(Sign(secret, body), got) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature as GitHub sends it.
func SignatureHeader(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}
