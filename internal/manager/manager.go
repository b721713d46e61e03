package manager

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/model"
	"github.com/gurunrao/taskmesh/internal/store"
	"github.com/gurunrao/taskmesh/internal/task"
)

// Coordination store bucket names.
const (
	TasksBucket       = "tasks"
	AssignmentsBucket = "assignments"
	ExecutorsBucket   = "executors"
	PropertiesBucket  = "taskprops"
)

const defaultCollector = task.CollectorLast

// Coordinator owns the task-side half of the protocol: atomic procedures
// against task and assignment records, the orchestration strategy, and the
// reconciliation that materializes plans into assignment records.
type Coordinator struct {
	logger   *zap.Logger
	registry *task.Registry
	strategy Strategy

	tasks       store.Bucket
	assignments store.Bucket
	executors   store.Bucket
	properties  store.Bucket

	// executors whose heartbeat is older than this are not candidates
	livenessTimeout time.Duration
}

// NewCoordinator binds the coordination buckets and wires the strategy.
func NewCoordinator(st store.Store, registry *task.Registry, strategy Strategy,
	livenessTimeout time.Duration, logger *zap.Logger) (*Coordinator, error) {

	if strategy == nil {
		strategy = AnyOf{}
	}
	if livenessTimeout <= 0 {
		livenessTimeout = 15 * time.Second
	}

	c := &Coordinator{
		logger:          logger.Named("task-manager"),
		registry:        registry,
		strategy:        strategy,
		livenessTimeout: livenessTimeout,
	}

	for _, bucket := range []struct {
		name string
		dst  *store.Bucket
	}{
		{TasksBucket, &c.tasks},
		{AssignmentsBucket, &c.assignments},
		{ExecutorsBucket, &c.executors},
		{PropertiesBucket, &c.properties},
	} {
		b, err := st.Bucket(bucket.name)
		if err != nil {
			return nil, fmt.Errorf("failed to bind bucket %s: %w", bucket.name, err)
		}
		*bucket.dst = b
	}

	return c, nil
}

// Buckets exposes the bound coordination buckets to the executor runtime.
func (c *Coordinator) Buckets() (tasks, assignments, executors store.Bucket) {
	return c.tasks, c.assignments, c.executors
}

// SubmitOptions describes one task submission.
type SubmitOptions struct {
	ID        string // generated when empty
	Type      string // registered handler name
	Payload   []byte
	CronSpec  string // non-empty marks the recurring variant
	Collector string // registered collector name, defaults to "last"
	Executors int    // number of contributing executors, defaults to 1
}

// Submit writes a new task record, lets the orchestration strategy populate
// its execution plan, and materializes the resulting assignments.
func (c *Coordinator) Submit(opts SubmitOptions) (*TaskManager, error) {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	// assignment keys are <executorID>.<taskID>; a dot in the ID would make
	// them ambiguous
	if strings.Contains(opts.ID, ".") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTaskID, opts.ID)
	}
	if opts.Collector == "" {
		opts.Collector = defaultCollector
	}
	if _, ok := c.registry.Collector(opts.Collector); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, opts.Collector)
	}
	if opts.CronSpec != "" {
		if err := task.ValidateCronSpec(opts.CronSpec); err != nil {
			return nil, err
		}
	}

	candidates, err := c.RunningExecutors()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoRunningExecutors
	}

	rec := model.TaskRecord{
		ID:        opts.ID,
		Type:      opts.Type,
		Payload:   opts.Payload,
		CronSpec:  opts.CronSpec,
		Collector: opts.Collector,
		Plan:      model.ExecutionPlan{Count: opts.Executors},
		CreatedAt: time.Now(),
	}
	c.strategy.Arrange(&rec.Plan, candidates, false)
	if len(rec.Plan.Actions) == 0 {
		return nil, ErrNoRunningExecutors
	}

	encoded, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task record: %w", err)
	}
	existing, err := c.tasks.PutIfAbsent(rec.ID, encoded)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, rec.ID)
	}

	c.logger.Info("Task submitted",
		zap.String("task_id", rec.ID),
		zap.String("type", rec.Type),
		zap.Strings("executors", rec.Plan.Executors()))

	c.reconcile(rec.ID, &PlanUpdate{Found: true, Plan: rec.Plan})
	return c.Acquire(rec.ID), nil
}

// Acquire returns the manager handle for a task ID.
func (c *Coordinator) Acquire(taskID string) *TaskManager {
	return &TaskManager{coordinator: c, taskID: taskID}
}

// RunningExecutors lists executors in the running state with a live
// heartbeat, the candidate set for the orchestration strategy.
func (c *Coordinator) RunningExecutors() ([]string, error) {
	keys, err := c.executors.Keys()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var running []string
	for _, key := range keys {
		value, err := c.executors.Get(key)
		if err != nil {
			continue
		}
		var info model.ExecutorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			continue
		}
		if info.State == model.ExecutorRunning && info.IsLive(now, c.livenessTimeout) {
			running = append(running, info.ID)
		}
	}
	return running, nil
}

// reconcile materializes a plan update: assignment records are created for
// newly targeted executors and retired for executors whose contribution is
// finished. Task and assignment keys are separate atomic domains, so a
// moment of inconsistency between them is expected and tolerated.
func (c *Coordinator) reconcile(taskID string, update *PlanUpdate) {
	if !update.Found {
		return
	}

	for executorID, action := range update.Plan.Actions {
		if action != model.ActionAssign && action != model.ActionRecover {
			continue
		}
		assignment := model.Assignment{
			ExecutorID: executorID,
			TaskID:     taskID,
			State:      model.AssignmentAssigned,
			Recovered:  action == model.ActionRecover,
		}
		encoded, err := json.Marshal(&assignment)
		if err != nil {
			c.logger.Error("Failed to encode assignment",
				zap.String("key", assignment.Key()),
				zap.Error(err))
			continue
		}
		if _, err := c.assignments.PutIfAbsent(assignment.Key(), encoded); err != nil {
			c.logger.Error("Failed to create assignment",
				zap.String("key", assignment.Key()),
				zap.Error(err))
		}
	}

	for _, executorID := range update.Removed {
		key := model.AssignmentKey(executorID, taskID)
		if err := c.assignments.Remove(key); err != nil {
			c.logger.Error("Failed to retire assignment",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// TaskManager is the per-task handle for the atomic procedures of the
// protocol. All mutations run as single atomic invocations against the
// task's record.
type TaskManager struct {
	coordinator *Coordinator
	taskID      string
}

// TaskID returns the ID of the managed task.
func (m *TaskManager) TaskID() string { return m.taskID }

// Get returns the current task record.
func (m *TaskManager) Get() (*model.TaskRecord, error) {
	value, err := m.coordinator.tasks.Get(m.taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var rec model.TaskRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode task record %s: %w", m.taskID, err)
	}
	return &rec, nil
}

// UpdateContributedResult stores a result under an executor ID; when
// complete is set and the plan still targets the executor, its plan action
// also moves to completed, as one atomic unit.
func (m *TaskManager) UpdateContributedResult(executorID string, result model.Result, complete bool) error {
	steps := []step{stepUpdateResult(executorID, result)}
	if complete {
		steps = append(steps, stepCompleteContribution(executorID))
	}

	update, err := m.coordinator.invokeTask(m.taskID, steps...)
	if err != nil {
		return err
	}
	m.coordinator.reconcile(m.taskID, update)
	return nil
}

// SetAction is a compare-and-swap on one executor's plan action. The prior
// action is returned whether or not the swap applied.
func (m *TaskManager) SetAction(executorID string, expected []model.Action, next model.Action) (model.Action, error) {
	update, err := m.coordinator.invokeTask(m.taskID, stepSetAction(executorID, expected, next))
	if err != nil {
		return "", err
	}
	m.coordinator.reconcile(m.taskID, update)
	return update.Prior, nil
}

// NotifyExecutionStrategy re-invokes the orchestration strategy against the
// current plan and task state.
func (m *TaskManager) NotifyExecutionStrategy(recover bool) error {
	candidates, err := m.coordinator.RunningExecutors()
	if err != nil {
		return err
	}
	update, err := m.coordinator.invokeTask(m.taskID, m.coordinator.stepNotifyStrategy(candidates, recover))
	if err != nil {
		return err
	}
	m.coordinator.reconcile(m.taskID, update)
	return nil
}

// Reassign atomically chains the reassign compare-and-swap with a strategy
// recomputation, moving the executor's share of the work elsewhere.
func (m *TaskManager) Reassign(executorID string, recover bool) error {
	candidates, err := m.coordinator.RunningExecutors()
	if err != nil {
		return err
	}
	update, err := m.coordinator.invokeTask(m.taskID,
		stepSetAction(executorID, []model.Action{model.ActionAssign, model.ActionRecover}, model.ActionReassign),
		m.coordinator.stepNotifyStrategy(candidates, recover),
	)
	if err != nil {
		return err
	}
	m.coordinator.reconcile(m.taskID, update)
	return nil
}

// FinishAssignment retires the executor's assignment record once the plan
// shows its contribution is finished. Deleting the assignment is the sole
// completion signal the executor side observes.
func (m *TaskManager) FinishAssignment(executorID string) error {
	rec, err := m.Get()
	if err != nil && err != ErrTaskNotFound {
		return err
	}

	finished := true
	if rec != nil && !rec.Completed {
		if action, targeted := rec.Plan.Action(executorID); targeted && action != model.ActionCompleted {
			finished = false
		}
	}
	if !finished {
		return nil
	}
	return m.coordinator.assignments.Remove(model.AssignmentKey(executorID, m.taskID))
}

// Cancel completes the task without a result and retires every live
// assignment. Bodies already executing run to completion; their late
// contributions are recorded as stale.
func (m *TaskManager) Cancel() error {
	update, err := m.coordinator.invokeTask(m.taskID, func(rec *model.TaskRecord, update *PlanUpdate) {
		if rec.Completed {
			return
		}
		now := time.Now()
		rec.Completed = true
		rec.CompletedAt = &now
		update.Removed = append(update.Removed, rec.Plan.Executors()...)
	})
	if err != nil {
		return err
	}
	if !update.Found {
		return ErrTaskNotFound
	}
	m.coordinator.reconcile(m.taskID, update)
	return nil
}

// IsCompleted reports cluster-wide completion. A vanished record counts as
// completed.
func (m *TaskManager) IsCompleted() (bool, error) {
	rec, err := m.Get()
	if err == ErrTaskNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Completed, nil
}

// Properties returns the task's persisted key/value bag.
func (m *TaskManager) Properties() task.Properties {
	return &clusterProperties{bucket: m.coordinator.properties, taskID: m.taskID}
}

// clusterProperties stores the property bag as one JSON object per task in
// the properties bucket.
type clusterProperties struct {
	bucket store.Bucket
	taskID string
}

func (p *clusterProperties) Get(key string) (string, bool, error) {
	value, err := p.bucket.Get(p.taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	var bag map[string]string
	if err := json.Unmarshal(value, &bag); err != nil {
		return "", false, fmt.Errorf("failed to decode properties for task %s: %w", p.taskID, err)
	}
	v, ok := bag[key]
	return v, ok, nil
}

func (p *clusterProperties) Set(key, value string) error {
	_, err := p.bucket.Invoke(p.taskID, func(entry *store.Entry) (interface{}, error) {
		bag := map[string]string{}
		if entry.Exists() {
			if err := json.Unmarshal(entry.Value, &bag); err != nil {
				return nil, fmt.Errorf("failed to decode properties for task %s: %w", p.taskID, err)
			}
		}
		bag[key] = value
		encoded, err := json.Marshal(bag)
		if err != nil {
			return nil, err
		}
		entry.SetValue(encoded)
		return nil, nil
	})
	return err
}
