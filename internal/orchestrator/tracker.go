package orchestrator

import "github.com/qwdingyu/testflow/internal/plan"

// tracker holds the state of every accepted task of one run. It is owned by
// the Execute loop and never touched by task goroutines.
type tracker struct {
	index   map[string]*plan.Task
	state   map[string]State
	success map[string]bool
}

func newTracker(v *plan.Validation) *tracker {
	tk := &tracker{
		index:   v.Index,
		state:   make(map[string]State, len(v.Tasks)),
		success: make(map[string]bool, len(v.Tasks)),
	}
	for key := range v.Index {
		tk.state[key] = StatePending
	}
	return tk
}

// readiness decides whether a pending task can start.
//
// It returns a skip reason when a dependency is missing or a required
// dependency ended without success. A fire-and-forget dependency only has
// to have finished, in any way. Otherwise ready is false until every
// dependency has finished.
func (tk *tracker) readiness(t *plan.Task) (ready bool, reason string) {
	for _, dep := range t.DependsOn {
		if _, ok := tk.index[plan.Key(dep)]; !ok {
			return false, ReasonDependencyNotFound + ": " + dep
		}
	}

	ready = true
	for _, dep := range t.DependsOn {
		key := plan.Key(dep)
		st := tk.state[key]
		if !st.Terminal() {
			ready = false
			continue
		}
		if tk.index[key].FireAndForget {
			continue
		}
		if st == StateSkipped || !tk.success[key] {
			return false, ReasonDependencyFailed + ": " + dep
		}
	}
	return ready, ""
}
