package engine

import (
	"errors"
)

// Sentinel errors returned by the Executor and RunStore.
var (
	// ErrRunActive is returned when a work item already has an active run.
	ErrRunActive = errors.New("work item already has an active run")

	// ErrWorkItemHeld is returned when a work item is held for
	// content-safety review and must be released first.
	ErrWorkItemHeld = errors.New("work item is held pending review")

	// ErrRunNotFound is returned when no run matches.
	ErrRunNotFound = errors.New("run not found")

	// ErrNoActiveRun is returned when a signal targets a work item without
	// an active run.
	ErrNoActiveRun = errors.New("work item has no active run")

	// ErrNoPendingApproval is returned when an approval or rejection targets
	// a run with no matching human gate waiting.
	ErrNoPendingApproval = errors.New("no pending approval")

	// ErrRunFinished is returned when a signal reaches a run that has
	// already reached a terminal state.
	ErrRunFinished = errors.New("run already finished")

	// ErrExecutorClosed is returned after Shutdown.
	ErrExecutorClosed = errors.New("executor is shut down")
)

// errShutdown is the cancellation cause given to nodes when the executor
// suspends a run for process shutdown. Outcomes produced under it are not
// recorded, so the nodes run again on Resume.
var errShutdown = errors.New("executor shutting down")
