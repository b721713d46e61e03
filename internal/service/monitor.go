package service

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/model"
)

// sweep is the membership monitor pass: it recovers assignments from dead
// or closing executors, completes graceful closes once an executor's work
// has drained, and retires assignment records whose contribution finished
// without local cleanup.
func (s *Service) sweep() {
	tasks, assignments, executors := s.coordinator.Buckets()

	now := time.Now()
	keys, err := executors.Keys()
	if err != nil {
		s.logger.Error("Monitor failed to list executors", zap.Error(err))
		return
	}

	for _, executorID := range keys {
		value, err := executors.Get(executorID)
		if err != nil {
			continue
		}
		var info model.ExecutorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			s.logger.Error("Monitor failed to decode executor info",
				zap.String("executor_id", executorID), zap.Error(err))
			continue
		}

		switch {
		case info.State == model.ExecutorClosing:
			s.recoverExecutor(executorID)

		case !info.IsLive(now, s.config.LivenessTimeout):
			s.logger.Warn("Executor presumed dead",
				zap.String("executor_id", executorID),
				zap.Time("heartbeat_at", info.HeartbeatAt))
			s.recoverExecutor(executorID)

		case info.State == model.ExecutorClosingGracefully:
			if s.remainingAssignments(executorID) == 0 {
				// retiring the info record tells the registration its work
				// has drained and it may close
				s.logger.Info("Graceful close complete",
					zap.String("executor_id", executorID))
				if err := executors.Remove(executorID); err != nil {
					s.logger.Error("Failed to retire executor info",
						zap.String("executor_id", executorID), zap.Error(err))
				}
			}
		}
	}

	// retire assignments whose contribution is already finished; covers
	// executors that died between marking executed and cleaning up
	assignmentKeys, err := assignments.Keys()
	if err != nil {
		return
	}
	for _, key := range assignmentKeys {
		executorID, taskID, ok := splitAssignmentKey(key)
		if !ok {
			continue
		}
		if err := s.coordinator.Acquire(taskID).FinishAssignment(executorID); err != nil {
			s.logger.Debug("Monitor could not retire assignment",
				zap.String("key", key), zap.Error(err))
		}
	}

	// re-arrange incomplete tasks whose plan lost its contributors, so work
	// orphaned by rejection or failed recovery finds an owner once capacity
	// or membership returns
	taskKeys, err := tasks.Keys()
	if err != nil {
		return
	}
	for _, taskID := range taskKeys {
		mgr := s.coordinator.Acquire(taskID)
		rec, err := mgr.Get()
		if err != nil || rec.Completed {
			continue
		}
		want := rec.Plan.Count
		if want <= 0 {
			want = 1
		}
		if rec.Plan.ContributingCount() >= want {
			continue
		}
		if err := mgr.NotifyExecutionStrategy(false); err != nil {
			s.logger.Error("Failed to re-arrange orphaned task",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// recoverExecutor moves every assignment of a dead or closing executor to
// another executor and retires the executor info record. Replacements are
// marked recovered.
func (s *Service) recoverExecutor(executorID string) {
	_, assignments, executors := s.coordinator.Buckets()

	keys, err := assignments.Keys()
	if err != nil {
		s.logger.Error("Failed to list assignments for recovery",
			zap.String("executor_id", executorID), zap.Error(err))
		return
	}

	prefix := executorID + "."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		taskID := strings.TrimPrefix(key, prefix)

		if err := s.coordinator.Acquire(taskID).Reassign(executorID, true); err != nil {
			s.logger.Error("Failed to recover assignment",
				zap.String("key", key), zap.Error(err))
		} else {
			s.logger.Info("Recovered assignment from executor",
				zap.String("executor_id", executorID),
				zap.String("task_id", taskID))
		}
	}

	if err := executors.Remove(executorID); err != nil {
		s.logger.Error("Failed to remove executor info",
			zap.String("executor_id", executorID), zap.Error(err))
	}
}

func (s *Service) remainingAssignments(executorID string) int {
	_, assignments, _ := s.coordinator.Buckets()
	keys, err := assignments.Keys()
	if err != nil {
		return -1
	}
	count := 0
	prefix := executorID + "."
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

// splitAssignmentKey recovers the executor/task pair from a composite
// assignment key. Executor IDs never contain a dot, so the first dot is
// always the separator.
func splitAssignmentKey(key string) (executorID, taskID string, ok bool) {
	i := strings.Index(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
