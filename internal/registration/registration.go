package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/journal"
	"github.com/gurunrao/taskmesh/internal/manager"
	"github.com/gurunrao/taskmesh/internal/model"
	"github.com/gurunrao/taskmesh/internal/store"
	"github.com/gurunrao/taskmesh/internal/task"
)

const (
	// heartbeatInterval is the delay between executor info refreshes.
	heartbeatInterval = 5 * time.Second

	// touchInterval drives the graceful-close touch timer, whose sole
	// purpose is to keep triggering the remaining-assignment check.
	touchInterval = time.Second
)

var (
	// ErrAlreadyRegistered is returned when an executor ID is already
	// registered with the local service.
	ErrAlreadyRegistered = errors.New("executor already registered")

	// ErrUnknownTaskType is reported as a contribution failure when no
	// handler is registered for a task's type.
	ErrUnknownTaskType = errors.New("no handler registered for task type")

	// ErrInvalidExecutorID is returned when an executor ID contains a
	// character reserved by the assignment key format.
	ErrInvalidExecutorID = errors.New("executor ID must not contain '.'")
)

// Pool is the local worker facility a Registration submits task executions
// to. Submit returns an error when the pool refuses the unit.
type Pool interface {
	Submit(fn func()) error
	IsShutdown() bool
	HasCapacity() bool
}

// Scheduler fires delayed callbacks without blocking worker goroutines.
// Schedule reports false when the facility is already closed.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) bool
	Every(interval time.Duration, fn func()) (cancel func())
}

// Deregistrar removes a registration from its owning service.
type Deregistrar interface {
	Deregister(executorID string)
}

// Deps wires a Registration to the facilities owned by the coordinating
// service.
type Deps struct {
	Coordinator *manager.Coordinator
	Registry    *task.Registry
	Assignments store.Bucket
	Executors   store.Bucket
	Pool        Pool
	Scheduler   Scheduler
	Service     Deregistrar
	Journal     *journal.Journal // optional
	Logger      *zap.Logger
}

// Registration is the executor-local runtime turning assignment records
// targeted at one executor ID into local execution.
type Registration struct {
	id   string
	deps Deps

	logger *zap.Logger

	// inFlight maps task ID to its taskExecutor; the only concurrently
	// mutated local structure, touched from notification and worker
	// goroutines alike.
	inFlight sync.Map

	completed  atomic.Int64
	failed     atomic.Int64
	inProgress atomic.Int64

	shutdownCalled atomic.Bool
	closeCalled    atomic.Bool

	view      *store.View
	infoWatch store.Subscription

	stopHeartbeat func()
	stopTouch     func()
	timerMu       sync.Mutex
}

// New constructs a Registration for an executor ID. Start must be called
// before the registration observes assignments.
func New(executorID string, deps Deps) *Registration {
	return &Registration{
		id:     executorID,
		deps:   deps,
		logger: deps.Logger.Named("registration").With(zap.String("executor_id", executorID)),
	}
}

// ID returns the executor ID.
func (r *Registration) ID() string { return r.id }

// TasksCompleted returns the local completed-task counter.
func (r *Registration) TasksCompleted() int64 { return r.completed.Load() }

// TasksFailed returns the local failed-task counter.
func (r *Registration) TasksFailed() int64 { return r.failed.Load() }

// TasksInProgress returns the local in-progress counter.
func (r *Registration) TasksInProgress() int64 { return r.inProgress.Load() }

// Start subscribes the registration to its assignments, registers the
// executor info record (first writer wins) and begins heartbeating.
func (r *Registration) Start() error {
	// assignment keys are <executorID>.<taskID>; a dotted executor ID would
	// make the key split and the view prefix ambiguous
	if strings.Contains(r.id, ".") {
		return fmt.Errorf("%w: %s", ErrInvalidExecutorID, r.id)
	}

	prefix := r.id + "."
	view, err := r.deps.Assignments.View(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}, r)
	if err != nil {
		return fmt.Errorf("failed to subscribe to assignments: %w", err)
	}
	r.view = view

	// deletion of our own info record is an external request to shut down
	infoWatch, err := r.deps.Executors.WatchKey(r.id, infoListener{r})
	if err != nil {
		view.Release()
		return fmt.Errorf("failed to watch executor info: %w", err)
	}
	r.infoWatch = infoWatch

	info := r.collectInfo(model.ExecutorRunning)
	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode executor info: %w", err)
	}
	existing, err := r.deps.Executors.PutIfAbsent(r.id, encoded)
	if err != nil {
		return fmt.Errorf("failed to register executor info: %w", err)
	}

	if existing == nil {
		r.timerMu.Lock()
		r.stopHeartbeat = r.deps.Scheduler.Every(heartbeatInterval, r.heartbeat)
		r.timerMu.Unlock()
		r.logger.Info("Executor registered")
	} else {
		// an info record already exists under this identity; there is no
		// guard against a second registration elsewhere, so keep going but
		// leave the heartbeat to the original owner
		r.logger.Warn("Executor info already present for this identity")
	}

	return nil
}

// OnInserted handles a new assignment targeted at this executor.
func (r *Registration) OnInserted(event store.Event) {
	assignment, err := decodeAssignment(event.Value)
	if err != nil {
		r.logger.Error("Failed to decode inserted assignment",
			zap.String("key", event.Key), zap.Error(err))
		return
	}

	te := newTaskExecutor(r, assignment.TaskID, assignment.Recovered)
	if _, loaded := r.inFlight.LoadOrStore(assignment.TaskID, te); loaded {
		// a task should never be reassigned to an executor already running
		// it; keep the running unit and drop the new insert
		r.logger.Warn("Insert event for task already executing locally",
			zap.String("task_id", assignment.TaskID))
		return
	}

	r.inProgress.Add(1)
	r.executeTask(te)
}

// OnUpdated is a no-op: assignment updates are only ever self-authored.
func (r *Registration) OnUpdated(event store.Event) {
	r.logger.Debug("Assignment updated", zap.String("key", event.Key))
}

// OnDeleted retires local bookkeeping for an assignment. Deletion is the
// sole completion signal, so the counters move here and nowhere else.
func (r *Registration) OnDeleted(event store.Event) {
	assignment, err := decodeAssignment(event.Prev)
	if err != nil {
		r.logger.Error("Failed to decode deleted assignment",
			zap.String("key", event.Key), zap.Error(err))
		return
	}

	r.inFlight.Delete(assignment.TaskID)
	r.completed.Add(1)
	r.inProgress.Add(-1)

	r.logger.Debug("Assignment retired", zap.String("task_id", assignment.TaskID))
}

// executeTask submits a unit to the worker pool, handling rejection by
// reporting a failure contribution and moving the work to another executor.
func (r *Registration) executeTask(te *taskExecutor) {
	err := r.deps.Pool.Submit(te.Run)
	if err == nil {
		return
	}

	r.logger.Info("Task rejected by local worker pool",
		zap.String("task_id", te.taskID), zap.Error(err))
	r.journal(te.taskID, journal.EventRejected, err.Error())

	// record the failure without completing the contribution, so the
	// reassignment below can hand the work to another executor
	te.setResult(model.Result{Error: err.Error(), At: time.Now()}, false)
	r.failed.Add(1)

	// flag the executor as rejecting before recomputing the plan, so the
	// strategy does not hand the task straight back
	r.setInfoState(model.ExecutorRejecting, model.ExecutorRunning)

	mgr := r.deps.Coordinator.Acquire(te.taskID)
	if rerr := mgr.Reassign(r.id, false); rerr != nil {
		r.logger.Error("Failed to reassign rejected task",
			zap.String("task_id", te.taskID), zap.Error(rerr))
	}

	if r.deps.Pool.IsShutdown() {
		r.logger.Info("Worker pool is shut down, deregistering executor")
		r.deps.Service.Deregister(r.id)
	}
}

// Shutdown gracefully closes the executor. Assignments already in flight
// are not cancelled; the touch timer keeps the executor info fresh so the
// membership monitor can retire the executor once its work drains.
func (r *Registration) Shutdown() {
	if !r.shutdownCalled.CompareAndSwap(false, true) {
		return
	}
	r.logger.Info("Graceful shutdown requested")

	r.setInfoState(model.ExecutorClosingGracefully,
		model.ExecutorRunning, model.ExecutorRejecting)

	r.timerMu.Lock()
	r.stopTouch = r.deps.Scheduler.Every(touchInterval, r.touch)
	r.timerMu.Unlock()
}

// Close hard-closes the registration: timers are cancelled, the info state
// moves to closing on a dedicated goroutine (never on a goroutine the
// store's notification delivery may be blocking), the assignment view is
// released and the registration deregisters from its service.
func (r *Registration) Close() {
	if !r.closeCalled.CompareAndSwap(false, true) {
		return
	}
	r.logger.Info("Closing registration")

	r.timerMu.Lock()
	if r.stopHeartbeat != nil {
		r.stopHeartbeat()
	}
	if r.stopTouch != nil {
		r.stopTouch()
	}
	r.timerMu.Unlock()

	go func() {
		if r.infoWatch != nil {
			r.infoWatch.Close()
		}
		r.setInfoState(model.ExecutorClosing)
	}()

	if r.view != nil {
		r.view.Release()
	}

	// deregister in case the close was not initiated by the owning service
	r.deps.Service.Deregister(r.id)
}

// heartbeat refreshes the executor info record with liveness and local
// statistics, and runs the capacity-recovery check for the rejecting state.
func (r *Registration) heartbeat() {
	_, err := r.deps.Executors.Invoke(r.id, func(entry *store.Entry) (interface{}, error) {
		if !entry.Exists() {
			return nil, nil
		}
		var info model.ExecutorInfo
		if err := json.Unmarshal(entry.Value, &info); err != nil {
			return nil, err
		}

		fresh := r.collectInfo(info.State)
		fresh.State = info.State
		if info.State == model.ExecutorRejecting && r.deps.Pool.HasCapacity() {
			fresh.State = model.ExecutorRunning
		}

		encoded, err := json.Marshal(fresh)
		if err != nil {
			return nil, err
		}
		entry.SetValue(encoded)
		return nil, nil
	})
	if err != nil {
		r.logger.Error("Failed to update executor info", zap.Error(err))
	}
}

// touch refreshes only the heartbeat timestamp during graceful close.
func (r *Registration) touch() {
	_, err := r.deps.Executors.Invoke(r.id, func(entry *store.Entry) (interface{}, error) {
		if !entry.Exists() {
			return nil, nil
		}
		var info model.ExecutorInfo
		if err := json.Unmarshal(entry.Value, &info); err != nil {
			return nil, err
		}
		info.HeartbeatAt = time.Now()
		encoded, err := json.Marshal(&info)
		if err != nil {
			return nil, err
		}
		entry.SetValue(encoded)
		return nil, nil
	})
	if err != nil {
		r.logger.Error("Failed to touch executor info", zap.Error(err))
	}
}

// collectInfo snapshots local runtime statistics into an executor info
// record.
func (r *Registration) collectInfo(state model.ExecutorState) *model.ExecutorInfo {
	info := &model.ExecutorInfo{
		ID:              r.id,
		State:           state,
		HeartbeatAt:     time.Now(),
		TasksCompleted:  r.completed.Load(),
		TasksFailed:     r.failed.Load(),
		TasksInProgress: r.inProgress.Load(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
		info.FreeMemory = vm.Available
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}
	return info
}

// setInfoState is a compare-and-swap on the executor info state. Without an
// expected set the state is set unconditionally.
func (r *Registration) setInfoState(next model.ExecutorState, expected ...model.ExecutorState) {
	_, err := r.deps.Executors.Invoke(r.id, func(entry *store.Entry) (interface{}, error) {
		if !entry.Exists() {
			return nil, nil
		}
		var info model.ExecutorInfo
		if err := json.Unmarshal(entry.Value, &info); err != nil {
			return nil, err
		}
		if len(expected) > 0 {
			matched := false
			for _, want := range expected {
				if info.State == want {
					matched = true
					break
				}
			}
			if !matched {
				return nil, nil
			}
		}
		info.State = next
		encoded, err := json.Marshal(&info)
		if err != nil {
			return nil, err
		}
		entry.SetValue(encoded)
		return nil, nil
	})
	if err != nil {
		r.logger.Error("Failed to set executor state",
			zap.String("state", string(next)), zap.Error(err))
	}
}

func (r *Registration) journal(taskID string, event journal.Event, detail string) {
	if r.deps.Journal == nil {
		return
	}
	if err := r.deps.Journal.Record(taskID, r.id, event, detail); err != nil {
		r.logger.Warn("Failed to journal execution event",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// infoListener turns deletion of the executor's own info record into a
// local close.
type infoListener struct {
	r *Registration
}

func (l infoListener) OnInserted(store.Event) {}
func (l infoListener) OnUpdated(store.Event)  {}

func (l infoListener) OnDeleted(store.Event) {
	l.r.logger.Info("Executor info deleted externally, closing")
	l.r.Close()
}

func decodeAssignment(value []byte) (*model.Assignment, error) {
	if value == nil {
		return nil, errors.New("missing assignment payload")
	}
	var assignment model.Assignment
	if err := json.Unmarshal(value, &assignment); err != nil {
		return nil, err
	}
	return &assignment, nil
}
