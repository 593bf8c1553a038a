package stores

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/cost"
	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/listener"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// TestWebhookBadSignatureLeavesNoRunState drives the push path end to end:
// webhook server, dispatcher, signal handler and executor over SQLite.
func TestWebhookBadSignatureLeavesNoRunState(t *testing.T) {
	const secret = "s3cret"
	ctx := context.Background()
	store := setupTestStore(t)

	graph, err := engine.BuildGraph("ingest",
		[]engine.NodeSpec{{ID: "plan", Capability: "plan"}}, nil)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	retry, err := cost.NewRetryEngine(3, pipeline.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRetryEngine() error = %v", err)
	}

	var ran atomic.Int32
	exec, err := engine.NewExecutor(graph, resolver{
		"plan": engine.NodeFunc(func(rc *engine.RunContext, in engine.NodeInput) (*engine.NodeOutput, error) {
			ran.Add(1)
			return &engine.NodeOutput{}, nil
		}),
	}, store, engine.Config{
		ApprovalTimeout: time.Minute,
		Budget:          pipeline.MustCostBudget(10),
		Retry:           retry,
	})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	}()

	handler := listener.NewSignalHandler(listener.Classifier{}, exec, nil)
	dispatcher := listener.NewDispatcher(handler)
	srv, err := listener.NewWebhookServer(listener.WebhookConfig{Secret: secret}, dispatcher, nil)
	if err != nil {
		t.Fatalf("NewWebhookServer() error = %v", err)
	}

	post := func(body, signature, delivery string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("X-GitHub-Event", "issues")
		req.Header.Set("X-GitHub-Delivery", delivery)
		req.Header.Set("X-Hub-Signature-256", signature)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	forged := `{"action":"opened","issue":{"number":42}}`
	if code := post(forged, listener.SignatureHeader("wrong", []byte(forged)), "d-1"); code != http.StatusUnauthorized {
		t.Fatalf("forged webhook status = %d, want %d", code, http.StatusUnauthorized)
	}

	// A correctly signed event for another work item shows the path is live.
	signed := `{"action":"opened","issue":{"number":43}}`
	if code := post(signed, listener.SignatureHeader(secret, []byte(signed)), "d-2"); code != http.StatusAccepted {
		t.Fatalf("signed webhook status = %d, want %d", code, http.StatusAccepted)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		t.Fatalf("dispatcher Close() error = %v", err)
	}

	runs, err := store.ListRuns(ctx, 42, 10)
	if err != nil {
		t.Fatalf("ListRuns(42) error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("forged webhook created %d runs", len(runs))
	}
	var items int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE id = 42`).Scan(&items); err != nil {
		t.Fatalf("count work items: %v", err)
	}
	if items != 0 {
		t.Errorf("forged webhook created a work item row")
	}

	runs, err = store.ListRuns(ctx, 43, 10)
	if err != nil {
		t.Fatalf("ListRuns(43) error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("signed webhook created %d runs, want 1", len(runs))
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if _, err := exec.WaitSettled(waitCtx, runs[0].ID); err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	if ran.Load() != 1 {
		t.Errorf("node ran %d times, want 1", ran.Load())
	}
}
