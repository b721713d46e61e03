package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gurunrao/taskmesh/internal/model"
)

func TestAnyOfArrange(t *testing.T) {
	strategy := AnyOf{}

	t.Run("Targets One Executor By Default", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		changed, removed := strategy.Arrange(&plan, []string{"exec-b", "exec-a"}, false)

		assert.True(t, changed)
		assert.Empty(t, removed)
		assert.Len(t, plan.Actions, 1)

		// candidates are taken in sorted order
		action, targeted := plan.Action("exec-a")
		assert.True(t, targeted)
		assert.Equal(t, model.ActionAssign, action)
	})

	t.Run("Targets Count Executors", func(t *testing.T) {
		plan := model.ExecutionPlan{Count: 2}
		changed, _ := strategy.Arrange(&plan, []string{"exec-a", "exec-b", "exec-c"}, false)

		assert.True(t, changed)
		assert.Len(t, plan.Actions, 2)
	})

	t.Run("Replaces Reassigned Executor", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		strategy.Arrange(&plan, []string{"exec-a"}, false)
		plan.SetAction("exec-a", model.ActionReassign)

		changed, removed := strategy.Arrange(&plan, []string{"exec-a", "exec-b"}, false)
		assert.True(t, changed)
		assert.Equal(t, []string{"exec-a"}, removed)

		_, targeted := plan.Action("exec-a")
		assert.False(t, targeted)
		action, targeted := plan.Action("exec-b")
		assert.True(t, targeted)
		assert.Equal(t, model.ActionAssign, action)
	})

	t.Run("Prefers Untried Candidates", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		strategy.Arrange(&plan, []string{"exec-a"}, false)
		plan.SetAction("exec-a", model.ActionReassign)

		// exec-b sorts after exec-a but has not tried the task yet
		changed, removed := strategy.Arrange(&plan, []string{"exec-a", "exec-b"}, false)
		assert.True(t, changed)
		assert.Equal(t, []string{"exec-a"}, removed)

		_, targeted := plan.Action("exec-a")
		assert.False(t, targeted)
		_, targeted = plan.Action("exec-b")
		assert.True(t, targeted)
	})

	t.Run("Returns To Attempted Executor When Alone", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		strategy.Arrange(&plan, []string{"exec-a"}, false)
		plan.SetAction("exec-a", model.ActionReassign)

		// exec-a already gave the task up but is the only candidate left;
		// re-targeting it beats orphaning the task
		changed, removed := strategy.Arrange(&plan, []string{"exec-a"}, false)
		assert.True(t, changed)
		assert.Empty(t, removed, "a re-targeted executor keeps its assignment")

		action, targeted := plan.Action("exec-a")
		assert.True(t, targeted)
		assert.Equal(t, model.ActionAssign, action)
	})

	t.Run("No Candidates Orphans The Plan", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		strategy.Arrange(&plan, []string{"exec-a"}, false)
		plan.SetAction("exec-a", model.ActionReassign)

		changed, removed := strategy.Arrange(&plan, nil, false)
		assert.True(t, changed)
		assert.Equal(t, []string{"exec-a"}, removed)
		assert.Empty(t, plan.Actions)
	})

	t.Run("Recover Marks Replacement", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		strategy.Arrange(&plan, []string{"exec-a"}, false)
		plan.SetAction("exec-a", model.ActionReassign)

		strategy.Arrange(&plan, []string{"exec-b"}, true)
		action, targeted := plan.Action("exec-b")
		assert.True(t, targeted)
		assert.Equal(t, model.ActionRecover, action)
	})

	t.Run("Stable When Satisfied", func(t *testing.T) {
		plan := model.ExecutionPlan{}
		strategy.Arrange(&plan, []string{"exec-a"}, false)

		changed, removed := strategy.Arrange(&plan, []string{"exec-a", "exec-b"}, false)
		assert.False(t, changed)
		assert.Empty(t, removed)
		assert.Len(t, plan.Actions, 1)
	})
}
