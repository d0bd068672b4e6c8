package engine

import (
	"context"
	"maps"
	"reflect"
	"slices"

	"github.com/rendis/toolforge/pkg/schema"
)

// Branch is an independent step list for RunBranches.
type Branch = schema.PipelineBranch

// BranchesResult holds every branch trace plus the merged store.
type BranchesResult struct {
	Branches  []*PipelineResult `json:"branches"`
	Variables *Variables        `json:"variables"`
}

// RunBranches executes independent step lists concurrently. Each branch runs
// on its own copy of initial, so no branch observes another's writes. Once
// all branches finish, their writes are merged onto initial; two branches
// writing different values to the same name is a CONFLICT. The first failed branch, in branch
// order, decides the returned error.
func (e *PipelineEngine) RunBranches(ctx context.Context, branches []Branch, initial map[string]any, opts ...RunOption) (*BranchesResult, error) {
	out := &BranchesResult{Branches: make([]*PipelineResult, len(branches))}
	seed := NewVariables(initial)

	jobs := make([]func(ctx context.Context) error, len(branches))
	for i, b := range branches {
		jobs[i] = func(ctx context.Context) error {
			res, err := e.Run(ctx, b.Steps, seed.Snapshot().Map(), opts...)
			out.Branches[i] = res
			return err
		}
	}
	errs := e.pool.RunAll(ctx, jobs)

	for i, err := range errs {
		if err != nil {
			fe := asForgeError(err)
			if fe.Details == nil {
				fe.Details = map[string]any{}
			}
			fe.Details["branch"] = branches[i].Name
			return out, fe
		}
	}

	merged, err := mergeBranches(seed, branches, out.Branches)
	if err != nil {
		return out, err
	}
	out.Variables = merged
	return out, nil
}

// mergeBranches applies each branch's new or changed variables onto base.
func mergeBranches(base *Variables, branches []Branch, results []*PipelineResult) (*Variables, error) {
	merged := base.Snapshot()
	baseline := base.Map()
	writers := make(map[string]string)

	for i, res := range results {
		final := res.Variables.Map()
		for _, name := range slices.Sorted(maps.Keys(final)) {
			val := final[name]
			if prev, ok := baseline[name]; ok && reflect.DeepEqual(prev, val) {
				continue
			}
			if owner, taken := writers[name]; taken {
				if written, _ := merged.Get(name); reflect.DeepEqual(written, val) {
					continue
				}
				return nil, schema.NewErrorf(schema.ErrCodeConflict,
					"variable %q written by branches %q and %q", name, owner, branches[i].Name).
					WithDetails(map[string]any{
						"variable": name,
						"branches": []string{owner, branches[i].Name},
					})
			}
			writers[name] = branches[i].Name
			merged.Set(name, val)
		}
	}
	return merged, nil
}
