package model

import "fmt"

// AssignmentState represents the execution state of one task-to-executor
// assignment. The only forward path for a non-recovered assignment is
// Assigned -> Executing -> Executed.
type AssignmentState string

const (
	AssignmentAssigned  AssignmentState = "assigned"
	AssignmentExecuting AssignmentState = "executing"
	AssignmentExecuted  AssignmentState = "executed"
)

// Assignment pairs one task with one executor. Assignments are created when
// the orchestration strategy targets an executor and deleted when that
// executor's contribution is finished; deletion is the sole completion
// signal observed by the executor side.
type Assignment struct {
	ExecutorID string          `json:"executor_id"`
	TaskID     string          `json:"task_id"`
	State      AssignmentState `json:"state"`

	// Recovered is set when this assignment replaces one whose original
	// executor is presumed dead.
	Recovered bool `json:"recovered"`
}

// Key returns the store key for an executor/task pair.
func (a *Assignment) Key() string {
	return AssignmentKey(a.ExecutorID, a.TaskID)
}

// AssignmentKey builds the composite store key for an executor/task pair.
func AssignmentKey(executorID, taskID string) string {
	return fmt.Sprintf("%s.%s", executorID, taskID)
}
