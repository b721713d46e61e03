package model

import (
	"time"
)

// Result represents one executor's contribution to a task.
type Result struct {
	Value []byte    `json:"value,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// IsError reports whether the contribution is a failure.
func (r Result) IsError() bool {
	return r.Error != ""
}

// TaskRecord is the persisted state of one submitted task. The record is
// created once at submission and mutated only through atomic procedures
// against its key in the tasks bucket.
type TaskRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`

	// CronSpec marks the recurring variant. A recurring task re-fetches its
	// body on every resumption and never completes on its own.
	CronSpec string `json:"cron_spec,omitempty"`

	// Collector is the registered name of the collector used to combine
	// contributed results into the final result.
	Collector string `json:"collector,omitempty"`

	// Completed is monotonic false -> true. Once set, late contributions are
	// recorded but no longer authoritative.
	Completed   bool              `json:"completed"`
	FinalResult []byte            `json:"final_result,omitempty"`
	Results     map[string]Result `json:"results,omitempty"`

	Plan ExecutionPlan `json:"plan"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SetResult records a contribution for an executor. Contributions arriving
// after completion are kept for inspection but never change the outcome.
func (t *TaskRecord) SetResult(executorID string, result Result) {
	if t.Results == nil {
		t.Results = make(map[string]Result)
	}
	t.Results[executorID] = result
}

// IsRecurring reports whether the task is the recurring/cron variant.
func (t *TaskRecord) IsRecurring() bool {
	return t.CronSpec != ""
}
