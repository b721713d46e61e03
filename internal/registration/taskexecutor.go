package registration

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/journal"
	"github.com/gurunrao/taskmesh/internal/manager"
	"github.com/gurunrao/taskmesh/internal/model"
	"github.com/gurunrao/taskmesh/internal/task"
)

// taskExecutor is one unit of local work for an assigned task. It survives
// across yields of the same invocation chain; the body's call stack does
// not.
type taskExecutor struct {
	r         *Registration
	taskID    string
	recovered bool

	// yields counts cooperative suspensions of this unit. Run invocations
	// of one unit never overlap, so plain fields suffice.
	yields int

	// body projection cached from the last full fetch
	fetched  bool
	taskType string
	payload  []byte
	cronSpec string

	// properties are fetched lazily and cached per invocation
	propsMu sync.Mutex
	props   task.Properties

	logger *zap.Logger
}

func newTaskExecutor(r *Registration, taskID string, recovered bool) *taskExecutor {
	return &taskExecutor{
		r:         r,
		taskID:    taskID,
		recovered: recovered,
		logger:    r.logger.With(zap.String("task_id", taskID)),
	}
}

// Run drives one invocation of the task through the execution state
// machine: local-tracking check, record projection fetch, assignment
// compare-and-swap, body execution, status update and local cleanup.
func (te *taskExecutor) Run() {
	// superseded units abort silently
	if _, tracked := te.r.inFlight.Load(te.taskID); !tracked {
		te.logger.Debug("Skipping execution, no longer tracked locally")
		return
	}

	te.propsMu.Lock()
	te.props = nil
	te.propsMu.Unlock()

	mgr := te.r.deps.Coordinator.Acquire(te.taskID)

	needStatusUpdate := false
	needCleanup := false

	present, completed, err := te.fetchProjection(mgr)
	if err != nil {
		te.logger.Error("Failed to fetch task record", zap.Error(err))
		return
	}

	switch {
	case !present:
		// the record vanished; nothing left to write
		te.logger.Debug("Skipping execution, task no longer exists")
		needCleanup = true

	case completed:
		te.logger.Debug("Skipping execution, task already completed")
		needStatusUpdate = true
		needCleanup = true

	default:
		prior, found, casErr := te.r.deps.Coordinator.SetAssignmentState(
			te.r.id, te.taskID, model.AssignmentAssigned, model.AssignmentExecuting)
		switch {
		case casErr != nil:
			te.logger.Error("Failed to update assignment state", zap.Error(casErr))
			return

		case !found:
			// the assignment was already retired, treat as superseded
			needCleanup = true

		case prior == model.AssignmentAssigned,
			te.isResuming() && prior == model.AssignmentExecuting:
			needStatusUpdate, needCleanup = te.execute(mgr)

		default:
			// another actor with this identity, likely a stale recovered
			// unit racing a fresh one, already handled this pairing
			te.logger.Debug("Skipping execution, assignment state unexpected",
				zap.String("state", string(prior)))
			needCleanup = true
		}
	}

	if needStatusUpdate {
		_, found, casErr := te.r.deps.Coordinator.SetAssignmentState(
			te.r.id, te.taskID, model.AssignmentExecuting, model.AssignmentExecuted)
		if casErr != nil {
			if te.r.shutdownCalled.Load() || te.r.closeCalled.Load() {
				te.logger.Debug("Ignoring assignment update failure during shutdown",
					zap.Error(casErr))
			} else {
				te.logger.Error("Failed to mark assignment executed", zap.Error(casErr))
			}
		}
		if found {
			if err := mgr.FinishAssignment(te.r.id); err != nil {
				te.logger.Error("Failed to retire assignment", zap.Error(err))
			}
		}
	}

	if needCleanup {
		te.r.inFlight.Delete(te.taskID)
	}
}

// fetchProjection reads the minimal projection of the task record required
// for this invocation: when resuming a non-recurring task whose body is
// already cached, only the completion flag matters; otherwise the body is
// (re)fetched along with it.
func (te *taskExecutor) fetchProjection(mgr *manager.TaskManager) (present, completed bool, err error) {
	rec, err := mgr.Get()
	if err == manager.ErrTaskNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	if !te.fetched || !te.isResuming() || rec.IsRecurring() {
		te.fetched = true
		te.taskType = rec.Type
		te.payload = rec.Payload
		te.cronSpec = rec.CronSpec
	}
	return true, rec.Completed, nil
}

// execute runs the task body and classifies its outcome. Returns whether
// the assignment state needs updating and whether local resources need
// cleanup.
func (te *taskExecutor) execute(mgr *manager.TaskManager) (needStatusUpdate, needCleanup bool) {
	if te.isResuming() {
		te.logger.Debug("Resuming task")
	} else {
		te.logger.Debug("Executing task")
	}
	te.r.journal(te.taskID, journal.EventStarted, "")

	handler, ok := te.r.deps.Registry.Handler(te.taskType)

	var outcome task.Outcome
	if !ok {
		outcome = task.Fail(fmt.Errorf("%w: %s", ErrUnknownTaskType, te.taskType))
	} else {
		outcome = te.invokeBody(handler)
	}

	// a recurring task re-arms itself: each completed run becomes a partial
	// contribution and the unit yields until the next cron fire
	if done, isDone := outcome.(task.Done); isDone && te.cronSpec != "" {
		te.setResult(model.Result{Value: done.Value, At: time.Now()}, false)
		delay, err := task.NextFireDelay(te.cronSpec, time.Now())
		if err != nil {
			outcome = task.Fail(err)
		} else {
			outcome = task.YieldFor(delay)
		}
	}

	switch o := outcome.(type) {
	case task.Done:
		te.setResult(model.Result{Value: o.Value, At: time.Now()}, true)
		te.r.journal(te.taskID, journal.EventCompleted, "")
		return true, true

	case task.Yield:
		te.yields++
		te.r.journal(te.taskID, journal.EventYielded, o.Delay.String())
		te.logger.Debug("Task yielded", zap.Duration("resume_in", o.Delay))

		if !te.r.deps.Scheduler.Schedule(o.Delay, func() { te.r.executeTask(te) }) {
			// timer facility already closed; drop local tracking so the
			// unit does not leak
			te.logger.Warn("Could not schedule task resumption, scheduler closed")
			return false, true
		}
		return false, false

	case task.Failed:
		te.setResult(model.Result{Error: o.Err.Error(), At: time.Now()}, true)
		te.r.journal(te.taskID, journal.EventFailed, o.Err.Error())
		return true, true

	default:
		te.setResult(model.Result{Error: fmt.Sprintf("unsupported outcome %T", outcome), At: time.Now()}, true)
		return true, true
	}
}

// invokeBody runs the handler, converting a panic into a failure outcome.
func (te *taskExecutor) invokeBody(handler task.Handler) (outcome task.Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = task.Fail(fmt.Errorf("task body panic: %v", recovered))
		}
	}()
	return handler.Execute(te)
}

// setResult reports a contribution for this executor, optionally marking
// the contribution complete in the same atomic unit.
func (te *taskExecutor) setResult(result model.Result, complete bool) {
	mgr := te.r.deps.Coordinator.Acquire(te.taskID)
	if err := mgr.UpdateContributedResult(te.r.id, result, complete); err != nil {
		te.logger.Error("Failed to update contributed result", zap.Error(err))
	}
}

// ----- task.Context ------------------------------------------------------

func (te *taskExecutor) TaskID() string { return te.taskID }

func (te *taskExecutor) ExecutorID() string { return te.r.id }

func (te *taskExecutor) Payload() []byte { return te.payload }

func (te *taskExecutor) SetResult(value []byte) error {
	mgr := te.r.deps.Coordinator.Acquire(te.taskID)
	return mgr.UpdateContributedResult(te.r.id, model.Result{Value: value, At: time.Now()}, false)
}

func (te *taskExecutor) IsDone() bool {
	mgr := te.r.deps.Coordinator.Acquire(te.taskID)
	done, err := mgr.IsCompleted()
	if err != nil {
		// a record we cannot read anymore counts as done
		return true
	}
	return done
}

func (te *taskExecutor) IsResuming() bool { return te.isResuming() }

func (te *taskExecutor) isResuming() bool { return te.yields > 0 || te.recovered }

func (te *taskExecutor) Properties() (task.Properties, error) {
	te.propsMu.Lock()
	defer te.propsMu.Unlock()
	if te.props == nil {
		mgr := te.r.deps.Coordinator.Acquire(te.taskID)
		te.props = mgr.Properties()
	}
	return te.props, nil
}
