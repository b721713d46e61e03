package manager

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/model"
	"github.com/gurunrao/taskmesh/internal/store"
)

// PlanUpdate is the outcome of an atomic invocation against a task record.
// The invoking process uses it to reconcile assignment records with the
// updated plan.
type PlanUpdate struct {
	// Found is false when the task record no longer exists.
	Found bool

	// Prior is the plan action a SetAction step observed before mutating.
	Prior model.Action

	// Plan is a snapshot of the plan after all steps ran.
	Plan model.ExecutionPlan

	// Completed reports whether the task is complete after the invocation.
	Completed bool

	// Removed lists executors whose assignments must be retired.
	Removed []string
}

// step is one mutation applied to a task record inside an atomic
// invocation. Steps compose into a chain that runs as a single invocation.
type step func(rec *model.TaskRecord, update *PlanUpdate)

// stepUpdateResult stores a contributed result under an executor ID.
func stepUpdateResult(executorID string, result model.Result) step {
	return func(rec *model.TaskRecord, update *PlanUpdate) {
		rec.SetResult(executorID, result)
	}
}

// stepSetAction is a compare-and-swap on one executor's plan action. When
// the current action is in the expected set (or no expectation is given)
// the action becomes next; otherwise the step is a no-op. The prior action
// is recorded on the update either way.
func stepSetAction(executorID string, expected []model.Action, next model.Action) step {
	return func(rec *model.TaskRecord, update *PlanUpdate) {
		prior, _ := rec.Plan.Action(executorID)
		update.Prior = prior

		if len(expected) > 0 {
			matched := false
			for _, want := range expected {
				if prior == want {
					matched = true
					break
				}
			}
			if !matched {
				return
			}
		}
		rec.Plan.SetAction(executorID, next)
	}
}

// stepCompleteContribution marks an executor's contribution complete, but
// only while the plan still targets it: a late completion from an executor
// that was reassigned away must not rejoin the plan.
func stepCompleteContribution(executorID string) step {
	return func(rec *model.TaskRecord, update *PlanUpdate) {
		if _, targeted := rec.Plan.Action(executorID); targeted {
			rec.Plan.SetAction(executorID, model.ActionCompleted)
		}
	}
}

// stepNotifyStrategy re-invokes the orchestration strategy against the
// current plan so contributions lost to rejection or executor death move to
// another executor.
func (c *Coordinator) stepNotifyStrategy(candidates []string, recover bool) step {
	return func(rec *model.TaskRecord, update *PlanUpdate) {
		_, removed := c.strategy.Arrange(&rec.Plan, candidates, recover)
		update.Removed = append(update.Removed, removed...)
	}
}

// invokeTask runs a chain of steps as one atomic invocation against a task
// record, then applies the implicit finalize step: when every targeted
// executor has completed, the record is marked complete and the contributed
// results are combined through the task's collector.
func (c *Coordinator) invokeTask(taskID string, steps ...step) (*PlanUpdate, error) {
	result, err := c.tasks.Invoke(taskID, func(entry *store.Entry) (interface{}, error) {
		update := &PlanUpdate{}
		if !entry.Exists() {
			return update, nil
		}

		var rec model.TaskRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode task record %s: %w", taskID, err)
		}
		update.Found = true

		for _, s := range steps {
			s(&rec, update)
		}
		c.finalize(&rec, update)

		update.Plan = rec.Plan
		update.Completed = rec.Completed

		encoded, err := json.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task record %s: %w", taskID, err)
		}
		entry.SetValue(encoded)
		return update, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*PlanUpdate), nil
}

// finalize completes the task once the plan is satisfied, combining the
// contributions into the final result.
func (c *Coordinator) finalize(rec *model.TaskRecord, update *PlanUpdate) {
	if rec.Completed || !rec.Plan.IsSatisfied() {
		return
	}

	final, err := c.aggregate(rec)
	if err != nil {
		c.logger.Warn("Failed to aggregate contributed results",
			zap.String("task_id", rec.ID),
			zap.Error(err))
	} else {
		rec.FinalResult = final
	}

	now := time.Now()
	rec.Completed = true
	rec.CompletedAt = &now
}

// aggregate folds the contributed results through the task's collector in
// deterministic executor-ID order. Only results from executors the plan
// still targets participate; stale contributions from reassigned-away
// executors stay recorded but never shape the final result.
func (c *Coordinator) aggregate(rec *model.TaskRecord) ([]byte, error) {
	name := rec.Collector
	if name == "" {
		name = defaultCollector
	}
	collector, ok := c.registry.Collector(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, name)
	}

	ids := make([]string, 0, len(rec.Results))
	for id := range rec.Results {
		if _, targeted := rec.Plan.Action(id); !targeted {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	acc := collector.Supply()
	for _, id := range ids {
		acc = collector.Accumulate(acc, rec.Results[id])
	}
	return collector.Finish(acc)
}

// SetAssignmentState is a compare-and-swap on an assignment record's state.
// The assignment key is its own atomic domain, independent of the task
// record. Returns the prior state, or ok == false when the record no longer
// exists (the assignment was already retired).
func (c *Coordinator) SetAssignmentState(executorID, taskID string,
	expected, next model.AssignmentState) (model.AssignmentState, bool, error) {

	type casResult struct {
		prior model.AssignmentState
		found bool
	}

	key := model.AssignmentKey(executorID, taskID)
	result, err := c.assignments.Invoke(key, func(entry *store.Entry) (interface{}, error) {
		if !entry.Exists() {
			return casResult{}, nil
		}

		var assignment model.Assignment
		if err := json.Unmarshal(entry.Value, &assignment); err != nil {
			return nil, fmt.Errorf("failed to decode assignment %s: %w", key, err)
		}

		prior := assignment.State
		if assignment.State == expected {
			assignment.State = next
			encoded, err := json.Marshal(&assignment)
			if err != nil {
				return nil, fmt.Errorf("failed to encode assignment %s: %w", key, err)
			}
			entry.SetValue(encoded)
		}
		return casResult{prior: prior, found: true}, nil
	})
	if err != nil {
		return "", false, err
	}

	cas := result.(casResult)
	return cas.prior, cas.found, nil
}
