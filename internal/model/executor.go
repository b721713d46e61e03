package model

import "time"

// ExecutorState represents the lifecycle state of a registered executor.
// States move monotonically toward Closing, except Rejecting which reverts
// to Running once local capacity recovers.
type ExecutorState string

const (
	ExecutorRunning           ExecutorState = "running"
	ExecutorClosingGracefully ExecutorState = "closing_gracefully"
	ExecutorClosing           ExecutorState = "closing"
	ExecutorRejecting         ExecutorState = "rejecting"
)

// ExecutorInfo is the per-executor liveness and statistics record. It is
// created first-writer-wins when a Registration starts and refreshed by that
// Registration's heartbeat.
type ExecutorInfo struct {
	ID          string        `json:"id"`
	State       ExecutorState `json:"state"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`

	TotalMemory uint64  `json:"total_memory"`
	FreeMemory  uint64  `json:"free_memory"`
	CPUPercent  float64 `json:"cpu_percent"`

	TasksCompleted  int64 `json:"tasks_completed"`
	TasksFailed     int64 `json:"tasks_failed"`
	TasksInProgress int64 `json:"tasks_in_progress"`
}

// IsLive reports whether the executor heartbeat is fresh enough to be
// considered alive at the given instant.
func (e *ExecutorInfo) IsLive(now time.Time, timeout time.Duration) bool {
	return now.Sub(e.HeartbeatAt) <= timeout
}
