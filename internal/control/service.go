package control

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// Queue re-schedules the orchestrator for a resumed workflow.
type Queue interface {
	EnqueueWorkflowRun(ctx context.Context, id uuid.UUID) error
}

// Service is the cancellation/retry controller. It owns exactly two workflow
// mutations: the cooperative cancel flag and the resume transition.
type Service struct {
	store workflow.Store
	queue Queue
}

func NewService(store workflow.Store, queue Queue) *Service {
	return &Service{store: store, queue: queue}
}

// Cancel sets the cooperative cancel flag. The orchestrator honors it at the
// next stage boundary; an in-flight external call is not interrupted.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	w, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("cancellation requested", "workflow_id", id)
	return w, nil
}

// Resume clears a terminal error/cancelled state and re-schedules the
// orchestrator at the exact stage recorded as failed, never an earlier one.
// Already-persisted transcripts are reused, so expensive upstream stages are
// not repeated.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	w, err := s.store.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.queue.EnqueueWorkflowRun(ctx, id); err != nil {
		return nil, err
	}
	slog.Info("workflow resumed", "workflow_id", id, "status", w.Status)
	return w, nil
}
