package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// StageResult is a successful stage execution: the fields the stage sets and
// how the attempt should be recorded. Skipped stages return Outcome skipped
// with an empty patch so downstream logic never mistakes "skipped" for
// "failed".
type StageResult struct {
	Patch   workflow.StagePatch
	Outcome string
	Detail  string
}

// StageFailure classifies an adapter error. Adapters decide whether a failure
// is retryable; only the orchestrator decides whether to actually retry.
type StageFailure struct {
	Stage     models.Stage
	Reason    string
	Retryable bool
	Err       error
}

func (f *StageFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", f.Stage, f.Reason, f.Err)
	}
	return fmt.Sprintf("stage %s: %s", f.Stage, f.Reason)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// Transient marks a failure worth retrying: provider timeout, 5xx, rate limit.
func Transient(stage models.Stage, reason string, err error) *StageFailure {
	return &StageFailure{Stage: stage, Reason: reason, Retryable: true, Err: err}
}

// Permanent marks a failure that retrying cannot fix: corrupt audio,
// unintelligible input, unsupported language.
func Permanent(stage models.Stage, reason string, err error) *StageFailure {
	return &StageFailure{Stage: stage, Reason: reason, Retryable: false, Err: err}
}

// Adapter wraps one external capability behind a uniform execute contract.
// Execute reads from the workflow and returns a patch restricted to the fields
// the stage owns; it never mutates the workflow itself.
type Adapter interface {
	Stage() models.Stage
	Execute(ctx context.Context, w *models.Workflow) (*StageResult, error)
}

// failureFor normalizes any adapter error into a StageFailure. Timeouts are
// retryable; anything unclassified is treated as permanent so a broken adapter
// cannot retry forever.
func failureFor(stage models.Stage, err error) *StageFailure {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(stage, "stage timed out", err)
	}
	return Permanent(stage, "stage failed", err)
}
