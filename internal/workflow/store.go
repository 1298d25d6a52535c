package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voicereport/voicereport/internal/models"
)

var (
	// ErrNotFound is returned when no workflow exists for the given id.
	ErrNotFound = errors.New("workflow not found")
	// ErrConflict is returned on duplicate ingestion for the same session key
	// and on control requests that do not apply to the workflow's state.
	ErrConflict = errors.New("workflow conflict")
	// ErrConsistency is returned when a stage patch violates field ownership.
	// It is fatal for the workflow and never silently swallowed.
	ErrConsistency = errors.New("workflow consistency violation")
)

// CreateParams carries everything the ingestion gateway knows at creation time.
type CreateParams struct {
	SessionKey  string
	AudioRef    string
	AudioFormat string
	AudioSize   int64
}

// StageApply is one stage attempt's outcome handed to AppendStageResult.
// {Stage, Attempt} is the idempotency key: applying the same pair twice is a
// no-op on the second application.
type StageApply struct {
	Stage      models.Stage
	Attempt    int
	Outcome    string
	Detail     string
	StartedAt  time.Time
	EndedAt    time.Time
	Patch      StagePatch
	NextStatus models.Status
}

// Store is the single source of truth for workflow state. AppendStageResult is
// the sole mutation path for stage results and performs the merge atomically
// with respect to concurrent readers.
type Store interface {
	Create(ctx context.Context, params CreateParams) (*models.Workflow, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	List(ctx context.Context, limit, offset int) ([]models.Workflow, error)
	ListActive(ctx context.Context) ([]models.Workflow, error)

	BeginStage(ctx context.Context, id uuid.UUID, stage models.Stage) (*models.Workflow, error)
	AppendStageResult(ctx context.Context, id uuid.UUID, apply StageApply) (*models.Workflow, error)

	RequestCancel(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	Resume(ctx context.Context, id uuid.UUID) (*models.Workflow, error)

	ReplaceRecords(ctx context.Context, id uuid.UUID, records []models.ContactRecord) (*models.Workflow, error)
}
