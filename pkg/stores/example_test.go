package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ActiveRun shows that a work item admits one active run.
func ExampleSQLiteStore_ActiveRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	run := &engine.RunSnapshot{
		ID:        pipeline.NewRunID(),
		WorkItem:  1234,
		Pipeline:  "default",
		State:     engine.RunStateRunning,
		Budget:    pipeline.MustCostBudget(5),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	dup := *run
	dup.ID = pipeline.NewRunID()
	fmt.Println(store.CreateRun(ctx, &dup))

	active, _ := store.ActiveRun(ctx, 1234)
	fmt.Println(active.State)
	// Output:
	// work item already has an active run
	// running
}

// ExampleSQLiteQueue shows session-ordered leasing.
func ExampleSQLiteQueue() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	q := stores.NewSQLiteQueue(store.DB(), stores.QueueConfig{}, nil)
	_ = q.Enqueue(ctx, listenerEvent(7, "first"))
	_ = q.Enqueue(ctx, listenerEvent(7, "second"))

	batch, _ := q.Receive(ctx, "worker", 10, time.Minute)
	fmt.Println(len(batch), batch[0].Event.DedupKey)

	_ = q.Ack(ctx, batch[0].ID, "worker")
	batch, _ = q.Receive(ctx, "worker", 10, time.Minute)
	fmt.Println(len(batch), batch[0].Event.DedupKey)
	// Output:
	// 1 first
	// 1 second
}
