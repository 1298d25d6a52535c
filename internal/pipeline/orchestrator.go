package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// Publisher pushes a status snapshot to observers. Publishing is
// fire-and-forget and must never block stage execution.
type Publisher interface {
	Publish(ctx context.Context, snap models.StatusSnapshot)
}

// Scheduler queues a delayed re-run of the orchestrator for one workflow,
// used for backoff between retry attempts.
type Scheduler interface {
	ScheduleRun(ctx context.Context, id uuid.UUID, delay time.Duration) error
}

// Config bounds stage execution and the retry policy.
type Config struct {
	StageTimeout   time.Duration
	RetryBudget    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Orchestrator owns the workflow state machine. One Run call executes stages
// sequentially for a single workflow until it completes, fails, cancels, or
// parks itself waiting on a scheduled retry. The caller must hold the
// workflow's lease for the duration of the call.
type Orchestrator struct {
	store     workflow.Store
	adapters  map[models.Stage]Adapter
	publisher Publisher
	scheduler Scheduler
	cfg       Config
}

func NewOrchestrator(store workflow.Store, publisher Publisher, scheduler Scheduler, cfg Config, adapters ...Adapter) *Orchestrator {
	byStage := make(map[models.Stage]Adapter, len(adapters))
	for _, a := range adapters {
		byStage[a.Stage()] = a
	}
	return &Orchestrator{
		store:     store,
		adapters:  byStage,
		publisher: publisher,
		scheduler: scheduler,
		cfg:       cfg,
	}
}

// Run drives one workflow forward. It returns nil when the workflow reached a
// terminal state or a retry was scheduled; it returns an error only for
// infrastructure failures the caller should surface.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) error {
	for {
		w, err := o.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load workflow: %w", err)
		}
		if w.Status.Terminal() {
			return nil
		}

		// Cooperative cancellation: honored only at stage boundaries,
		// never mid-call.
		if w.CancelRequested {
			cancelled, err := o.store.MarkCancelled(ctx, id)
			if err != nil {
				return fmt.Errorf("mark cancelled: %w", err)
			}
			slog.Info("workflow cancelled", "workflow_id", id)
			o.publish(ctx, cancelled)
			return nil
		}

		stage, ok := workflow.StageForStatus(w.Status)
		if !ok {
			return fmt.Errorf("no stage for status %s", w.Status)
		}
		adapter, ok := o.adapters[stage]
		if !ok {
			return o.failStage(ctx, id, stage, nextAttempt(w, stage), time.Now().UTC(),
				fmt.Sprintf("no adapter registered for stage %s", stage))
		}

		w, err = o.store.BeginStage(ctx, id, stage)
		if err != nil {
			return fmt.Errorf("begin stage %s: %w", stage, err)
		}
		o.publish(ctx, w)

		// The attempt number keys the history dedupe, so it must never
		// collide with an attempt already recorded, including a failed one
		// that a later resume re-enters.
		attempt := nextAttempt(w, stage)
		retries := w.RetryCount(stage)
		started := time.Now().UTC()
		slog.Info("stage started", "workflow_id", id, "stage", stage, "attempt", attempt)

		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		result, execErr := adapter.Execute(stageCtx, w)
		cancel()

		if execErr != nil {
			if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
				// Shutdown, not a stage failure; the lease expires and
				// another worker picks the workflow up.
				return execErr
			}
			if done, err := o.handleFailure(ctx, id, stage, attempt, retries, started, execErr); done || err != nil {
				return err
			}
			continue
		}

		apply := workflow.StageApply{
			Stage:      stage,
			Attempt:    attempt,
			Outcome:    result.Outcome,
			Detail:     result.Detail,
			StartedAt:  started,
			EndedAt:    time.Now().UTC(),
			Patch:      result.Patch,
			NextStatus: nextStatus(stage),
		}
		w, err = o.store.AppendStageResult(ctx, id, apply)
		if err != nil {
			if errors.Is(err, workflow.ErrConsistency) {
				// Merge invariant violated: fatal, never swallowed.
				slog.Error("stage merge rejected", "workflow_id", id, "stage", stage, "error", err)
				return o.failStage(ctx, id, stage, attempt, started, err.Error())
			}
			return fmt.Errorf("append stage result: %w", err)
		}
		slog.Info("stage finished",
			"workflow_id", id,
			"stage", stage,
			"outcome", result.Outcome,
			"duration", time.Since(started),
		)
		o.publish(ctx, w)
	}
}

// handleFailure applies the retry policy. It reports done=true when the run
// should stop (retry scheduled or workflow failed). The budget counts attempts
// within the current episode: a manual resume grants a fresh budget.
func (o *Orchestrator) handleFailure(ctx context.Context, id uuid.UUID, stage models.Stage, attempt, retries int, started time.Time, execErr error) (bool, error) {
	failure := failureFor(stage, execErr)

	if failure.Retryable && retries+1 < o.cfg.RetryBudget {
		w, err := o.store.AppendStageResult(ctx, id, workflow.StageApply{
			Stage:     stage,
			Attempt:   attempt,
			Outcome:   models.OutcomeRetrying,
			Detail:    failure.Error(),
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
		})
		if err != nil {
			return false, fmt.Errorf("record retry: %w", err)
		}
		o.publish(ctx, w)

		delay := o.backoff(retries + 1)
		slog.Warn("stage retry scheduled",
			"workflow_id", id,
			"stage", stage,
			"attempt", attempt,
			"delay", delay,
			"error", execErr,
		)
		if err := o.scheduler.ScheduleRun(ctx, id, delay); err != nil {
			return false, fmt.Errorf("schedule retry: %w", err)
		}
		return true, nil
	}

	reason := failure.Error()
	if failure.Retryable {
		reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", retries+1, reason)
	}
	slog.Error("stage failed", "workflow_id", id, "stage", stage, "attempt", attempt, "error", execErr)
	return true, o.failStage(ctx, id, stage, attempt, started, reason)
}

func (o *Orchestrator) failStage(ctx context.Context, id uuid.UUID, stage models.Stage, attempt int, started time.Time, reason string) error {
	w, err := o.store.AppendStageResult(ctx, id, workflow.StageApply{
		Stage:     stage,
		Attempt:   attempt,
		Outcome:   models.OutcomeFailed,
		Detail:    reason,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record stage failure: %w", err)
	}
	o.publish(ctx, w)
	return nil
}

// nextAttempt is one past the highest attempt recorded for the stage.
func nextAttempt(w *models.Workflow, stage models.Stage) int {
	highest := 0
	for _, e := range w.StageHistory {
		if e.Stage == stage && e.Attempt > highest {
			highest = e.Attempt
		}
	}
	return highest + 1
}

// backoff grows exponentially from the base delay, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.RetryBaseDelay << (attempt - 1)
	if o.cfg.RetryMaxDelay > 0 && delay > o.cfg.RetryMaxDelay {
		delay = o.cfg.RetryMaxDelay
	}
	return delay
}

func (o *Orchestrator) publish(ctx context.Context, w *models.Workflow) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(ctx, w.Snapshot())
}

// nextStatus is the status the workflow advances to after a stage succeeds.
// Translation is always visited; the translate adapter records a skip when the
// source language already matches the target.
func nextStatus(stage models.Stage) models.Status {
	switch stage {
	case models.StageTranscribe:
		return models.StatusTranslating
	case models.StageTranslate:
		return models.StatusExtracting
	case models.StageExtract:
		return models.StatusGenerating
	case models.StageGenerate:
		return models.StatusCompleted
	}
	return models.StatusError
}
