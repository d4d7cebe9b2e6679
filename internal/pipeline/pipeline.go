// Package pipeline sequences the terminology pipeline stages for a run scope
// and is the seam where real stage logic plugs in. The sequencer owns
// cancellation checkpoints and progress reporting; stage bodies own the work.
package pipeline

import (
	"fmt"

	"termline/internal/domain"
	"termline/internal/runner"
)

// StageFunc is the body of one pipeline stage.
type StageFunc func(ec runner.Context) error

// Pipeline maps stage names to their bodies.
type Pipeline struct {
	stages map[string]StageFunc
}

// fullOrder is the stage sequence of a full run.
var fullOrder = []string{domain.ScopeExtract, domain.ScopeGenerate, domain.ScopeReview, domain.ScopeRefine}

func New(stages map[string]StageFunc) *Pipeline {
	return &Pipeline{stages: stages}
}

// Default builds the pipeline with the built-in stage bodies. These verify
// the workspace database and honor cancellation; substantive extraction and
// generation logic registers over them via New.
func Default() *Pipeline {
	stages := make(map[string]StageFunc, len(fullOrder))
	for _, name := range fullOrder {
		stages[name] = builtinStage(name)
	}
	return New(stages)
}

// StagesFor lists the stages a scope executes, in order.
func StagesFor(scope string) []string {
	if scope == domain.ScopeFull {
		return append([]string(nil), fullOrder...)
	}
	return []string{scope}
}

// Resolve returns the step logic for a scope, or nil when any stage in the
// scope has no registered body.
func (p *Pipeline) Resolve(scope string) runner.StepFunc {
	if !domain.ValidScope(scope) {
		return nil
	}
	names := StagesFor(scope)
	for _, name := range names {
		if p.stages[name] == nil {
			return nil
		}
	}
	return func(ec runner.Context) error {
		total := len(names)
		for i, name := range names {
			// Checkpoint between stages: a cancel observed here stops the
			// run before the next stage starts.
			if ec.IsCancelled() {
				return runner.ErrCancelled
			}
			ec.Log("info", "stage started", runner.WithStep(name), runner.WithProgress(i, total))
			if err := p.stages[name](ec); err != nil {
				return fmt.Errorf("stage %s: %w", name, err)
			}
			ec.Log("info", "stage finished", runner.WithStep(name), runner.WithProgress(i+1, total))
		}
		return nil
	}
}

func builtinStage(name string) StageFunc {
	return func(ec runner.Context) error {
		if ec.IsCancelled() {
			return runner.ErrCancelled
		}
		var total int
		if err := ec.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
			return fmt.Errorf("workspace check: %w", err)
		}
		ec.Log("debug", fmt.Sprintf("workspace holds %d runs on record", total), runner.WithStep(name))
		return nil
	}
}
