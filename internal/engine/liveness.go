package engine

import (
	"github.com/rendis/toolforge/internal/expressions"
	"github.com/rendis/toolforge/pkg/schema"
)

// liveness answers which variables are still needed by the remaining steps.
type liveness struct {
	// needed[i] holds the root names read by steps i..n-1.
	needed []map[string]struct{}
	// pinned[i] is true when some step in i..n-1 reads the whole store.
	pinned []bool
}

func newLiveness(steps []schema.PipelineStep) *liveness {
	n := len(steps)
	l := &liveness{
		needed: make([]map[string]struct{}, n+1),
		pinned: make([]bool, n+1),
	}
	l.needed[n] = map[string]struct{}{}
	for i := n - 1; i >= 0; i-- {
		set := make(map[string]struct{}, len(l.needed[i+1]))
		for name := range l.needed[i+1] {
			set[name] = struct{}{}
		}
		for _, path := range expressions.References(steps[i].Input) {
			set[expressions.RootName(path)] = struct{}{}
		}
		names, all := expressions.ConditionReferences(steps[i].Condition)
		for _, name := range names {
			set[name] = struct{}{}
		}
		l.needed[i] = set
		l.pinned[i] = l.pinned[i+1] || all
	}
	return l
}

// release drops every variable that no step from index next onward reads,
// returning the dropped names. keep is never dropped.
func (l *liveness) release(vars *Variables, next int, keep map[string]struct{}) []string {
	if l.pinned[next] {
		return nil
	}
	var dropped []string
	for _, name := range vars.Names() {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, ok := l.needed[next][name]; ok {
			continue
		}
		vars.Delete(name)
		dropped = append(dropped, name)
	}
	return dropped
}
