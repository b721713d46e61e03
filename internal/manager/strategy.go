package manager

import (
	"sort"

	"github.com/gurunrao/taskmesh/internal/model"
)

// Strategy decides which executors a task is assigned to. Arrange is run
// inside an atomic invocation against the task record whenever an
// executor's contribution status changes; it mutates the plan in place and
// reports the executors whose assignments must be retired.
type Strategy interface {
	Arrange(plan *model.ExecutionPlan, candidates []string, recover bool) (changed bool, removed []string)
}

// AnyOf targets plan.Count executors, replacing any executor awaiting
// reassignment with an untried candidate; when only already-tried
// candidates remain they are targeted again rather than leaving the task
// without an owner. When recover is set, replacements are marked for
// recovery so their assignments carry the recovered flag.
type AnyOf struct{}

// Arrange implements Strategy.
func (AnyOf) Arrange(plan *model.ExecutionPlan, candidates []string, recover bool) (bool, []string) {
	changed := false
	var removed []string

	// retire executors that gave the task up or are presumed dead
	for _, id := range plan.Executors() {
		if action, _ := plan.Action(id); action == model.ActionReassign {
			plan.Remove(id)
			removed = append(removed, id)
			changed = true
		}
	}

	want := plan.Count
	if want <= 0 {
		want = 1
	}

	action := model.ActionAssign
	if recover {
		action = model.ActionRecover
	}

	// deterministic candidate order keeps concurrent recomputation stable
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	for _, id := range sorted {
		if plan.ContributingCount() >= want {
			break
		}
		if _, targeted := plan.Action(id); targeted || plan.HasAttempted(id) {
			continue
		}
		plan.SetAction(id, action)
		changed = true
	}

	// every candidate was already tried: returning to one beats orphaning
	// the task
	for _, id := range sorted {
		if plan.ContributingCount() >= want {
			break
		}
		if _, targeted := plan.Action(id); targeted {
			continue
		}
		plan.SetAction(id, action)
		changed = true
	}

	// keep assignments for executors the second pass re-targeted
	kept := removed[:0]
	for _, id := range removed {
		if _, targeted := plan.Action(id); !targeted {
			kept = append(kept, id)
		}
	}

	return changed, kept
}
