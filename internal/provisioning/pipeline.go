package provisioning

import (
	"fmt"
	"time"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/tenant"
)

// Step is one named unit of provisioning work.
type Step interface {
	// Name returns the step name recorded in events and failures.
	Name() string

	// Run executes the step and records its result in ctx.State.
	Run(ctx *Context) (StepResult, error)
}

// StepResult describes the resource a step created or found.
type StepResult struct {
	ID             string
	Name           string
	AlreadyExisted bool

	// Change holds tenant fields to persist once the step succeeds.
	Change tenant.Change
}

// StepError reports which step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Recorder persists tenant field changes as steps complete.
type Recorder func(ctx *Context, change tenant.Change) error

// RunSteps executes steps sequentially and stops at the first failure or
// when ctx.Gate refuses a step. A step that fails with an unknown outcome
// is re-run once.
func RunSteps(ctx *Context, steps []Step, record Recorder) error {
	for _, step := range steps {
		name := step.Name()
		if ctx.Gate != nil {
			if err := ctx.Gate(ctx); err != nil {
				return fmt.Errorf("before %s step: %w", name, err)
			}
		}
		start := time.Now()
		LogStepStart(ctx.Observer, name)

		res, err := step.Run(ctx)
		if compute.IsUnknown(err) {
			LogStepRetrying(ctx.Observer, name, err)
			res, err = step.Run(ctx)
		}
		if err != nil {
			LogStepFailed(ctx.Observer, name, err)
			return &StepError{Step: name, Err: err}
		}

		if record != nil && !res.Change.Empty() {
			if err := record(ctx, res.Change); err != nil {
				LogStepFailed(ctx.Observer, name, err)
				return &StepError{Step: name, Err: err}
			}
		}
		LogStepComplete(ctx.Observer, name, res, time.Since(start))
	}
	return nil
}
