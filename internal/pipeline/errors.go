package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAmbiguousLabelColumn is returned when label normalization is enabled
	// without a label_column and no single binary column can be chosen.
	ErrAmbiguousLabelColumn = errors.New("ambiguous label column")

	// ErrPipelineStepFailure is returned when a step meets data it cannot recover from.
	ErrPipelineStepFailure = errors.New("pipeline step failure")
)

// StepError names the step that failed. It matches ErrPipelineStepFailure
// unless Err is a more specific sentinel.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepFailure(step Step, format string, args ...any) error {
	return &StepError{Step: step, Err: fmt.Errorf("%w: "+format, append([]any{ErrPipelineStepFailure}, args...)...)}
}
