package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSnapshot(wi pipeline.WorkItemID, state engine.RunState, at time.Time) *engine.RunSnapshot {
	return &engine.RunSnapshot{
		ID:          pipeline.NewRunID(),
		WorkItem:    wi,
		Pipeline:    "default",
		State:       state,
		Budget:      pipeline.MustCostBudget(10),
		Accumulated: pipeline.MustTokenCost(0.5),
		Trigger:     json.RawMessage(`{"action":"opened"}`),
		Attempts:    map[pipeline.NodeID]int{"plan": 1},
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests that migrations apply and are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	for _, table := range []string{"work_items", "runs", "outcomes", "queue_messages"} {
		var name string
		err := store.DB().QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := newSnapshot(7, engine.RunStateRunning, now)
	run.InFlight = []pipeline.NodeID{"build"}
	run.Approvals = map[pipeline.NodeID]engine.PendingApproval{
		"review": {Node: "review", RequestedAt: now, Deadline: now.Add(time.Hour)},
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.ID != run.ID || got.WorkItem != 7 || got.State != engine.RunStateRunning {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.Accumulated.Float64() != 0.5 {
		t.Errorf("accumulated = %v, want 0.5", got.Accumulated)
	}
	if got.Budget.Float64() != 10 {
		t.Errorf("budget = %v, want 10", got.Budget)
	}
	if len(got.InFlight) != 1 || got.InFlight[0] != "build" {
		t.Errorf("in flight = %v", got.InFlight)
	}
	if a, ok := got.Approvals["review"]; !ok || !a.Deadline.Equal(now.Add(time.Hour)) {
		t.Errorf("approvals = %+v", got.Approvals)
	}

	if _, err := store.GetRun(ctx, pipeline.NewRunID()); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("GetRun(unknown) error = %v, want ErrRunNotFound", err)
	}
}

func TestCreateRun_OneActivePerWorkItem(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := newSnapshot(9, engine.RunStatePending, now)
	if err := store.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	second := newSnapshot(9, engine.RunStatePending, now)
	if err := store.CreateRun(ctx, second); !errors.Is(err, engine.ErrRunActive) {
		t.Fatalf("second CreateRun() error = %v, want ErrRunActive", err)
	}

	// Another work item is unaffected.
	if err := store.CreateRun(ctx, newSnapshot(10, engine.RunStatePending, now)); err != nil {
		t.Fatalf("CreateRun(other work item) error = %v", err)
	}

	finished := now.Add(time.Minute)
	first.State = engine.RunStateCompleted
	first.UpdatedAt = finished
	first.FinishedAt = &finished
	if err := store.SaveRun(ctx, first); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	if err := store.CreateRun(ctx, second); err != nil {
		t.Fatalf("CreateRun() after completion error = %v", err)
	}
}

func TestSaveRun_UnknownRun(t *testing.T) {
	store := setupTestStore(t)
	run := newSnapshot(1, engine.RunStateRunning, time.Now())
	if err := store.SaveRun(context.Background(), run); !errors.Is(err, engine.ErrRunNotFound) {
		t.Fatalf("SaveRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestOutcomesAreAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := newSnapshot(3, engine.RunStateRunning, now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	outcomes := []engine.NodeOutcome{
		{
			Node: "plan", Attempt: 1, Status: engine.NodeStatusFailed, WillRetry: true,
			Error: pipeline.NewTransientError("upstream timeout", nil),
		},
		{Node: "plan", Attempt: 2, Status: engine.NodeStatusSucceeded, Output: json.RawMessage(`{"steps":2}`)},
		{Node: "build", Attempt: 1, Status: engine.NodeStatusSucceeded, Cost: pipeline.MustTokenCost(1.25)},
	}
	for _, o := range outcomes {
		if err := store.AppendOutcome(ctx, run.ID, o); err != nil {
			t.Fatalf("AppendOutcome() error = %v", err)
		}
	}

	// SaveRun never rewrites the log, even when the snapshot carries one.
	run.Outcomes = outcomes[:1]
	run.State = engine.RunStateRunning
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if len(got.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(got.Outcomes))
	}
	if got.Outcomes[0].Error == nil || !pipeline.IsTransient(got.Outcomes[0].Error) {
		t.Errorf("first outcome error = %v, want transient", got.Outcomes[0].Error)
	}
	if string(got.Outcomes[1].Output) != `{"steps":2}` {
		t.Errorf("second outcome output = %s", got.Outcomes[1].Output)
	}
	if got.Outcomes[2].Node != "build" || got.Outcomes[2].Cost.Float64() != 1.25 {
		t.Errorf("third outcome = %+v", got.Outcomes[2])
	}

	err = store.AppendOutcome(ctx, pipeline.NewRunID(), outcomes[0])
	if !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("AppendOutcome(unknown run) error = %v, want ErrRunNotFound", err)
	}
}

func TestActiveRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	running := newSnapshot(1, engine.RunStateRunning, base)
	waiting := newSnapshot(2, engine.RunStateAwaitingApproval, base.Add(time.Second))
	done := newSnapshot(3, engine.RunStateHalted, base.Add(2*time.Second))
	for _, r := range []*engine.RunSnapshot{running, waiting, done} {
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	active, err := store.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns() error = %v", err)
	}
	if len(active) != 2 || active[0].ID != running.ID || active[1].ID != waiting.ID {
		t.Fatalf("ListActiveRuns() = %d runs, want running then waiting", len(active))
	}

	got, err := store.ActiveRun(ctx, 2)
	if err != nil {
		t.Fatalf("ActiveRun() error = %v", err)
	}
	if got.ID != waiting.ID {
		t.Errorf("ActiveRun() = %s, want %s", got.ID, waiting.ID)
	}

	if _, err := store.ActiveRun(ctx, 3); !errors.Is(err, engine.ErrNoActiveRun) {
		t.Errorf("ActiveRun(halted) error = %v, want ErrNoActiveRun", err)
	}
	if _, err := store.ActiveRun(ctx, 99); !errors.Is(err, engine.ErrNoActiveRun) {
		t.Errorf("ActiveRun(unknown) error = %v, want ErrNoActiveRun", err)
	}

	history, err := store.ListRuns(ctx, 3, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(history) != 1 || history[0].State != engine.RunStateHalted {
		t.Errorf("ListRuns() = %+v", history)
	}
}

func TestWorkItemHoldAndSummary(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	wi, err := store.GetWorkItem(ctx, 42)
	if err != nil {
		t.Fatalf("GetWorkItem(unknown) error = %v", err)
	}
	if wi.ID != 42 || wi.Held || wi.CurrentRun != nil {
		t.Errorf("unknown work item = %+v, want zero values", wi)
	}

	first := newSnapshot(42, engine.RunStateFailed, now)
	first.Accumulated = pipeline.MustTokenCost(2)
	second := newSnapshot(42, engine.RunStateRunning, now.Add(time.Minute))
	second.Accumulated = pipeline.MustTokenCost(1.5)
	for _, r := range []*engine.RunSnapshot{first, second} {
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	if err := store.SetHeld(ctx, 42, true, "injection detected in issue body"); err != nil {
		t.Fatalf("SetHeld() error = %v", err)
	}
	wi, err = store.GetWorkItem(ctx, 42)
	if err != nil {
		t.Fatalf("GetWorkItem() error = %v", err)
	}
	if !wi.Held || wi.HeldReason != "injection detected in issue body" {
		t.Errorf("hold = %v %q", wi.Held, wi.HeldReason)
	}
	if wi.CurrentRun == nil || *wi.CurrentRun != second.ID || wi.State != engine.RunStateRunning {
		t.Errorf("current run = %v (%s), want %s", wi.CurrentRun, wi.State, second.ID)
	}
	if wi.Accumulated.Float64() != 3.5 {
		t.Errorf("accumulated = %v, want 3.5", wi.Accumulated)
	}

	if err := store.SetHeld(ctx, 42, false, "ignored"); err != nil {
		t.Fatalf("SetHeld(false) error = %v", err)
	}
	wi, _ = store.GetWorkItem(ctx, 42)
	if wi.Held || wi.HeldReason != "" {
		t.Errorf("released hold = %v %q", wi.Held, wi.HeldReason)
	}

	// Holding a work item that never ran creates it.
	if err := store.SetHeld(ctx, 77, true, "manual"); err != nil {
		t.Fatalf("SetHeld(new) error = %v", err)
	}
	wi, _ = store.GetWorkItem(ctx, 77)
	if !wi.Held {
		t.Error("new work item not held")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogworks.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		s, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		if err := s.Init(ctx); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		return s
	}

	first := open()
	run := newSnapshot(5, engine.RunStateAwaitingApproval, time.Now().UTC())
	if err := first.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := first.AppendOutcome(ctx, run.ID, engine.NodeOutcome{Node: "plan", Attempt: 1, Status: engine.NodeStatusSucceeded}); err != nil {
		t.Fatalf("AppendOutcome() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := open()
	defer second.Close()
	got, err := second.ActiveRun(ctx, 5)
	if err != nil {
		t.Fatalf("ActiveRun() after reopen error = %v", err)
	}
	if got.ID != run.ID || len(got.Outcomes) != 1 {
		t.Errorf("reopened run = %s with %d outcomes", got.ID, len(got.Outcomes))
	}
}
