package model

// Action is the pending action for one executor in an execution plan.
type Action string

const (
	ActionAssign    Action = "assign"
	ActionRecover   Action = "recover"
	ActionReassign  Action = "reassign"
	ActionCompleted Action = "completed"
)

// ExecutionPlan maps executor IDs to their pending action for a task. The
// plan is embedded in the TaskRecord and is only ever mutated as part of an
// atomic update of the owning record.
type ExecutionPlan struct {
	// Count is the number of executors that must contribute before the task
	// completes. Zero means one.
	Count int `json:"count,omitempty"`

	Actions map[string]Action `json:"actions,omitempty"`

	// Attempted records executors that were targeted at some point, so a
	// reassignment prefers executors that have not tried the task yet.
	Attempted map[string]bool `json:"attempted,omitempty"`
}

// Action returns the pending action for an executor and whether the executor
// is targeted by the plan at all.
func (p *ExecutionPlan) Action(executorID string) (Action, bool) {
	a, ok := p.Actions[executorID]
	return a, ok
}

// SetAction sets the pending action for an executor.
func (p *ExecutionPlan) SetAction(executorID string, action Action) {
	if p.Actions == nil {
		p.Actions = make(map[string]Action)
	}
	p.Actions[executorID] = action
	if p.Attempted == nil {
		p.Attempted = make(map[string]bool)
	}
	p.Attempted[executorID] = true
}

// Remove drops an executor from the plan. The executor stays in the
// attempted set.
func (p *ExecutionPlan) Remove(executorID string) {
	delete(p.Actions, executorID)
}

// HasAttempted reports whether an executor was ever targeted by the plan.
func (p *ExecutionPlan) HasAttempted(executorID string) bool {
	return p.Attempted[executorID]
}

// ContributingCount returns the number of executors the plan currently
// counts on (everything except those awaiting reassignment).
func (p *ExecutionPlan) ContributingCount() int {
	n := 0
	for _, a := range p.Actions {
		if a != ActionReassign {
			n++
		}
	}
	return n
}

// IsSatisfied reports whether every targeted executor has completed its
// contribution. An empty plan is never satisfied.
func (p *ExecutionPlan) IsSatisfied() bool {
	if len(p.Actions) == 0 {
		return false
	}
	for _, a := range p.Actions {
		if a != ActionCompleted {
			return false
		}
	}
	return true
}

// Executors returns the IDs of all executors currently targeted by the plan.
func (p *ExecutionPlan) Executors() []string {
	ids := make([]string, 0, len(p.Actions))
	for id := range p.Actions {
		ids = append(ids, id)
	}
	return ids
}
