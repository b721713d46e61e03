package manager

import "errors"

var (
	// ErrTaskNotFound is returned when a task record does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a task is submitted under an
	// existing ID.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrNoRunningExecutors is returned when the orchestration strategy has
	// no live executor to target.
	ErrNoRunningExecutors = errors.New("no running executors available")

	// ErrUnknownCollector is returned when a task names a collector that is
	// not registered.
	ErrUnknownCollector = errors.New("unknown collector")

	// ErrInvalidTaskID is returned when a submitted task ID contains a
	// character reserved by the assignment key format.
	ErrInvalidTaskID = errors.New("task ID must not contain '.'")
)
