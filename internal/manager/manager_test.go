package manager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/model"
	"github.com/gurunrao/taskmesh/internal/store"
	"github.com/gurunrao/taskmesh/internal/task"
	"github.com/gurunrao/taskmesh/internal/testutil"
)

func putExecutor(t *testing.T, executors store.Bucket, id string, state model.ExecutorState, heartbeat time.Time) {
	t.Helper()
	info := model.ExecutorInfo{ID: id, State: state, HeartbeatAt: heartbeat}
	encoded, err := json.Marshal(&info)
	require.NoError(t, err)
	require.NoError(t, executors.Put(id, encoded))
}

func TestCoordinator(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	registry := task.NewRegistry()
	coordinator, err := NewCoordinator(store.NewNATSStore(js, zap.NewNop()),
		registry, AnyOf{}, 15*time.Second, zap.NewNop())
	require.NoError(t, err)

	_, assignments, executors := coordinator.Buckets()

	t.Run("Submit Requires Running Executor", func(t *testing.T) {
		_, err := coordinator.Submit(SubmitOptions{Type: "echo"})
		assert.ErrorIs(t, err, ErrNoRunningExecutors)
	})

	putExecutor(t, executors, "exec-1", model.ExecutorRunning, time.Now())

	t.Run("Running Executors Filter State And Liveness", func(t *testing.T) {
		putExecutor(t, executors, "exec-stale", model.ExecutorRunning, time.Now().Add(-time.Minute))
		putExecutor(t, executors, "exec-closing", model.ExecutorClosing, time.Now())
		defer func() {
			require.NoError(t, executors.Remove("exec-stale"))
			require.NoError(t, executors.Remove("exec-closing"))
		}()

		running, err := coordinator.RunningExecutors()
		require.NoError(t, err)
		assert.Equal(t, []string{"exec-1"}, running)
	})

	t.Run("Submit Creates Record And Assignment", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{
			ID:      "task-submit",
			Type:    "echo",
			Payload: []byte(`"hello"`),
		})
		require.NoError(t, err)

		rec, err := mgr.Get()
		require.NoError(t, err)
		assert.Equal(t, "echo", rec.Type)
		assert.False(t, rec.Completed)

		action, targeted := rec.Plan.Action("exec-1")
		assert.True(t, targeted)
		assert.Equal(t, model.ActionAssign, action)

		value, err := assignments.Get(model.AssignmentKey("exec-1", "task-submit"))
		require.NoError(t, err)
		var assignment model.Assignment
		require.NoError(t, json.Unmarshal(value, &assignment))
		assert.Equal(t, model.AssignmentAssigned, assignment.State)
		assert.False(t, assignment.Recovered)
	})

	t.Run("Submit Rejects Duplicates", func(t *testing.T) {
		_, err := coordinator.Submit(SubmitOptions{ID: "task-submit", Type: "echo"})
		assert.ErrorIs(t, err, ErrDuplicateTask)
	})

	t.Run("Submit Rejects Dotted Task ID", func(t *testing.T) {
		_, err := coordinator.Submit(SubmitOptions{ID: "bad.task.id", Type: "echo"})
		assert.ErrorIs(t, err, ErrInvalidTaskID)
	})

	t.Run("Submit Validates Collector And Cron", func(t *testing.T) {
		_, err := coordinator.Submit(SubmitOptions{Type: "echo", Collector: "nope"})
		assert.ErrorIs(t, err, ErrUnknownCollector)

		_, err = coordinator.Submit(SubmitOptions{Type: "echo", CronSpec: "bogus"})
		assert.Error(t, err)
	})

	t.Run("Contribution Completes Task", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{ID: "task-complete", Type: "echo"})
		require.NoError(t, err)

		err = mgr.UpdateContributedResult("exec-1",
			model.Result{Value: []byte(`42`), At: time.Now()}, true)
		require.NoError(t, err)

		rec, err := mgr.Get()
		require.NoError(t, err)
		assert.True(t, rec.Completed)
		assert.NotNil(t, rec.CompletedAt)
		assert.Equal(t, []byte(`42`), rec.FinalResult)

		done, err := mgr.IsCompleted()
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("Partial Result Does Not Complete", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{ID: "task-partial", Type: "echo"})
		require.NoError(t, err)

		err = mgr.UpdateContributedResult("exec-1",
			model.Result{Value: []byte(`1`), At: time.Now()}, false)
		require.NoError(t, err)

		rec, err := mgr.Get()
		require.NoError(t, err)
		assert.False(t, rec.Completed)
		assert.Equal(t, []byte(`1`), rec.Results["exec-1"].Value)
	})

	t.Run("Set Action Compare And Swap", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{ID: "task-cas", Type: "echo"})
		require.NoError(t, err)

		prior, err := mgr.SetAction("exec-1",
			[]model.Action{model.ActionRecover}, model.ActionCompleted)
		require.NoError(t, err)
		assert.Equal(t, model.ActionAssign, prior, "swap must not apply on mismatch")

		rec, err := mgr.Get()
		require.NoError(t, err)
		action, _ := rec.Plan.Action("exec-1")
		assert.Equal(t, model.ActionAssign, action)

		prior, err = mgr.SetAction("exec-1",
			[]model.Action{model.ActionAssign}, model.ActionCompleted)
		require.NoError(t, err)
		assert.Equal(t, model.ActionAssign, prior)

		rec, err = mgr.Get()
		require.NoError(t, err)
		assert.True(t, rec.Completed)
	})

	t.Run("Reassign Moves Work", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{ID: "task-reassign", Type: "echo"})
		require.NoError(t, err)

		putExecutor(t, executors, "exec-2", model.ExecutorRunning, time.Now())
		defer func() {
			require.NoError(t, executors.Remove("exec-2"))
		}()

		require.NoError(t, mgr.Reassign("exec-1", true))

		rec, err := mgr.Get()
		require.NoError(t, err)
		_, targeted := rec.Plan.Action("exec-1")
		assert.False(t, targeted)
		action, targeted := rec.Plan.Action("exec-2")
		assert.True(t, targeted)
		assert.Equal(t, model.ActionRecover, action)

		// the old assignment is retired, the replacement carries the flag
		_, err = assignments.Get(model.AssignmentKey("exec-1", "task-reassign"))
		assert.ErrorIs(t, err, store.ErrNotFound)

		value, err := assignments.Get(model.AssignmentKey("exec-2", "task-reassign"))
		require.NoError(t, err)
		var assignment model.Assignment
		require.NoError(t, json.Unmarshal(value, &assignment))
		assert.True(t, assignment.Recovered)
	})

	t.Run("Late Completion After Reassignment Stays Stale", func(t *testing.T) {
		putExecutor(t, executors, "exec-2", model.ExecutorRunning, time.Now())
		defer func() {
			require.NoError(t, executors.Remove("exec-2"))
		}()

		mgr, err := coordinator.Submit(SubmitOptions{
			ID:        "task-late",
			Type:      "echo",
			Collector: task.CollectorList,
		})
		require.NoError(t, err)
		require.NoError(t, mgr.Reassign("exec-1", false))

		// exec-1 was reassigned away; its late completion must not rejoin
		// the plan or complete the task
		err = mgr.UpdateContributedResult("exec-1",
			model.Result{Value: []byte(`"stale"`), At: time.Now()}, true)
		require.NoError(t, err)

		rec, err := mgr.Get()
		require.NoError(t, err)
		assert.False(t, rec.Completed)
		_, targeted := rec.Plan.Action("exec-1")
		assert.False(t, targeted)
		assert.Equal(t, []byte(`"stale"`), rec.Results["exec-1"].Value)

		// the replacement completes; the stale contribution stays out of
		// the final result
		err = mgr.UpdateContributedResult("exec-2",
			model.Result{Value: []byte(`"fresh"`), At: time.Now()}, true)
		require.NoError(t, err)

		rec, err = mgr.Get()
		require.NoError(t, err)
		assert.True(t, rec.Completed)
		assert.JSONEq(t, `["fresh"]`, string(rec.FinalResult))
	})

	t.Run("Assignment State Compare And Swap", func(t *testing.T) {
		_, err := coordinator.Submit(SubmitOptions{ID: "task-astate", Type: "echo"})
		require.NoError(t, err)

		prior, found, err := coordinator.SetAssignmentState("exec-1", "task-astate",
			model.AssignmentAssigned, model.AssignmentExecuting)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, model.AssignmentAssigned, prior)

		// re-running the same swap observes the new state and does not apply
		prior, found, err = coordinator.SetAssignmentState("exec-1", "task-astate",
			model.AssignmentAssigned, model.AssignmentExecuting)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, model.AssignmentExecuting, prior)

		_, found, err = coordinator.SetAssignmentState("exec-1", "task-missing",
			model.AssignmentAssigned, model.AssignmentExecuting)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Finish Assignment", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{ID: "task-finish", Type: "echo"})
		require.NoError(t, err)
		key := model.AssignmentKey("exec-1", "task-finish")

		// contribution still pending, the assignment must stay
		require.NoError(t, mgr.FinishAssignment("exec-1"))
		_, err = assignments.Get(key)
		require.NoError(t, err)

		err = mgr.UpdateContributedResult("exec-1",
			model.Result{Value: []byte(`1`), At: time.Now()}, true)
		require.NoError(t, err)

		require.NoError(t, mgr.FinishAssignment("exec-1"))
		_, err = assignments.Get(key)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Cancel", func(t *testing.T) {
		mgr, err := coordinator.Submit(SubmitOptions{ID: "task-cancel", Type: "echo"})
		require.NoError(t, err)

		require.NoError(t, mgr.Cancel())

		rec, err := mgr.Get()
		require.NoError(t, err)
		assert.True(t, rec.Completed)
		assert.Nil(t, rec.FinalResult)

		_, err = assignments.Get(model.AssignmentKey("exec-1", "task-cancel"))
		assert.ErrorIs(t, err, store.ErrNotFound)

		// late contributions are recorded but never change the outcome
		err = mgr.UpdateContributedResult("exec-1",
			model.Result{Value: []byte(`"late"`), At: time.Now()}, false)
		require.NoError(t, err)
		rec, err = mgr.Get()
		require.NoError(t, err)
		assert.Nil(t, rec.FinalResult)
		assert.Equal(t, []byte(`"late"`), rec.Results["exec-1"].Value)

		assert.ErrorIs(t, coordinator.Acquire("task-missing").Cancel(), ErrTaskNotFound)
	})

	t.Run("Aggregates Through Collector", func(t *testing.T) {
		putExecutor(t, executors, "exec-2", model.ExecutorRunning, time.Now())
		defer func() {
			require.NoError(t, executors.Remove("exec-2"))
		}()

		mgr, err := coordinator.Submit(SubmitOptions{
			ID:        "task-collect",
			Type:      "echo",
			Collector: task.CollectorList,
			Executors: 2,
		})
		require.NoError(t, err)

		err = mgr.UpdateContributedResult("exec-2",
			model.Result{Value: []byte(`2`), At: time.Now()}, true)
		require.NoError(t, err)
		err = mgr.UpdateContributedResult("exec-1",
			model.Result{Value: []byte(`1`), At: time.Now()}, true)
		require.NoError(t, err)

		rec, err := mgr.Get()
		require.NoError(t, err)
		assert.True(t, rec.Completed)

		// contributions fold in executor-ID order regardless of arrival
		assert.JSONEq(t, `[1,2]`, string(rec.FinalResult))
	})

	t.Run("Vanished Record Counts Completed", func(t *testing.T) {
		mgr := coordinator.Acquire("task-missing")
		done, err := mgr.IsCompleted()
		require.NoError(t, err)
		assert.True(t, done)

		_, err = mgr.Get()
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("Properties", func(t *testing.T) {
		props := coordinator.Acquire("task-props").Properties()

		_, ok, err := props.Get("step")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, props.Set("step", "3"))
		value, ok, err := props.Get("step")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "3", value)
	})
}
