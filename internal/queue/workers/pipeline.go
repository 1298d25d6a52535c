package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voicereport/voicereport/internal/pipeline"
	"github.com/voicereport/voicereport/internal/queue"
	"github.com/voicereport/voicereport/internal/workflow"
)

// PipelineWorker handles workflow:run tasks. It takes the workflow lease
// before handing control to the orchestrator, so two workers never execute
// stages for the same workflow concurrently.
type PipelineWorker struct {
	orchestrator *pipeline.Orchestrator
	lease        *workflow.Lease
}

func NewPipelineWorker(orc *pipeline.Orchestrator, lease *workflow.Lease) *PipelineWorker {
	return &PipelineWorker{orchestrator: orc, lease: lease}
}

func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.WorkflowRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	id, err := uuid.Parse(payload.WorkflowID)
	if err != nil {
		return fmt.Errorf("parse workflow ID: %w", err)
	}

	if err := w.lease.Acquire(ctx, id); err != nil {
		if errors.Is(err, workflow.ErrLeaseHeld) {
			// Another worker owns this workflow; it will finish or its
			// lease will expire. Not a failure.
			slog.Debug("workflow lease contended, skipping run", "workflow_id", id)
			return nil
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.lease.Release(releaseCtx, id); err != nil {
			slog.Warn("release workflow lease", "workflow_id", id, "error", err)
		}
	}()

	slog.Info("running workflow", "workflow_id", id)
	return w.orchestrator.Run(ctx, id)
}

// RecoverySweep re-enqueues every non-terminal workflow. Called on worker
// startup and periodically, so a restart never strands an in-flight workflow;
// the lease keeps duplicates harmless.
type RecoverySweep struct {
	store workflow.Store
	queue *queue.Client
}

func NewRecoverySweep(store workflow.Store, qc *queue.Client) *RecoverySweep {
	return &RecoverySweep{store: store, queue: qc}
}

func (r *RecoverySweep) Run(ctx context.Context, interval time.Duration) {
	r.sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *RecoverySweep) sweep(ctx context.Context) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		slog.Error("recovery sweep: list active workflows", "error", err)
		return
	}
	for _, w := range active {
		// Give normally-progressing workflows time before re-enqueueing.
		if time.Since(w.UpdatedAt) < 2*time.Minute {
			continue
		}
		if err := r.queue.EnqueueWorkflowRun(ctx, w.ID); err != nil {
			slog.Error("recovery sweep: enqueue workflow", "workflow_id", w.ID, "error", err)
		}
	}
}
