package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicereport/voicereport/internal/models"
)

const workflowColumns = `id, session_key, status, audio_ref, audio_format, audio_size_bytes,
	language, transcript, translated_transcript, extracted_records, report,
	stage_history, retry_counts, cancel_requested, failed_stage, last_error,
	created_at, updated_at`

// PostgresStore persists workflows in Postgres. Every mutation loads the row
// FOR UPDATE inside a transaction, applies the merge on a copy, and writes the
// merged row back, so readers never observe a half-merged record.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*models.Workflow, error) {
	now := time.Now().UTC()
	w := &models.Workflow{
		ID:          uuid.New(),
		SessionKey:  params.SessionKey,
		Status:      models.StatusUploading,
		AudioRef:    params.AudioRef,
		AudioFormat: params.AudioFormat,
		AudioSize:   params.AudioSize,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO workflows (id, session_key, status, audio_ref, audio_format, audio_size_bytes,
			extracted_records, stage_history, retry_counts, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, '[]', '[]', '{}', $7, $7)`,
		w.ID, w.SessionKey, w.Status, w.AudioRef, w.AudioFormat, w.AudioSize, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: session %q already ingested", ErrConflict, params.SessionKey)
		}
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListActive returns workflows not yet in a terminal state, used by the
// recovery sweep after a worker restart.
func (s *PostgresStore) ListActive(ctx context.Context) ([]models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status NOT IN ($1, $2, $3) ORDER BY created_at`,
		models.StatusCompleted, models.StatusError, models.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func (s *PostgresStore) BeginStage(ctx context.Context, id uuid.UUID, stage models.Stage) (*models.Workflow, error) {
	return s.mutate(ctx, id, func(w *models.Workflow, now time.Time) error {
		return beginStage(w, stage, now)
	})
}

func (s *PostgresStore) AppendStageResult(ctx context.Context, id uuid.UUID, apply StageApply) (*models.Workflow, error) {
	return s.mutate(ctx, id, func(w *models.Workflow, now time.Time) error {
		_, err := applyStageResult(w, apply, now)
		return err
	})
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.mutate(ctx, id, func(w *models.Workflow, now time.Time) error {
		if w.Status.Terminal() {
			return fmt.Errorf("%w: %s workflow cannot be cancelled", ErrConflict, w.Status)
		}
		w.CancelRequested = true
		w.UpdatedAt = now
		return nil
	})
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.mutate(ctx, id, markCancelled)
}

func (s *PostgresStore) Resume(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.mutate(ctx, id, resume)
}

// ReplaceRecords applies a human edit to the extracted records. Only allowed
// once the pipeline no longer owns them (terminal workflow).
func (s *PostgresStore) ReplaceRecords(ctx context.Context, id uuid.UUID, records []models.ContactRecord) (*models.Workflow, error) {
	return s.mutate(ctx, id, func(w *models.Workflow, now time.Time) error {
		if !w.Status.Terminal() {
			return fmt.Errorf("%w: records are pipeline-owned until the workflow is terminal", ErrConflict)
		}
		edited := make([]models.ContactRecord, len(records))
		copy(edited, records)
		for i := range edited {
			edited[i].Source = models.SourceManual
		}
		w.ExtractedRecords = edited
		w.UpdatedAt = now
		return nil
	})
}

func (s *PostgresStore) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Workflow, time.Time) error) (*models.Workflow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, err
	}

	if err := fn(w, time.Now().UTC()); err != nil {
		return nil, err
	}

	records, err := json.Marshal(orEmpty(w.ExtractedRecords))
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	history, err := json.Marshal(orEmptyHistory(w.StageHistory))
	if err != nil {
		return nil, fmt.Errorf("marshal stage history: %w", err)
	}
	retries, err := json.Marshal(w.RetryCounts)
	if err != nil {
		return nil, fmt.Errorf("marshal retry counts: %w", err)
	}
	var report []byte
	if w.Report != nil {
		if report, err = json.Marshal(w.Report); err != nil {
			return nil, fmt.Errorf("marshal report: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE workflows SET status = $2, language = $3, transcript = $4,
			translated_transcript = $5, extracted_records = $6, report = $7,
			stage_history = $8, retry_counts = $9, cancel_requested = $10,
			failed_stage = $11, last_error = $12, updated_at = $13
		 WHERE id = $1`,
		w.ID, w.Status, w.Language, w.Transcript, w.TranslatedTranscript,
		records, report, history, retries, w.CancelRequested, w.FailedStage,
		w.LastError, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit workflow update: %w", err)
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		w          models.Workflow
		sessionKey *string
		records    []byte
		report     []byte
		history    []byte
		retries    []byte
	)
	err := row.Scan(&w.ID, &sessionKey, &w.Status, &w.AudioRef, &w.AudioFormat,
		&w.AudioSize, &w.Language, &w.Transcript, &w.TranslatedTranscript,
		&records, &report, &history, &retries, &w.CancelRequested,
		&w.FailedStage, &w.LastError, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if sessionKey != nil {
		w.SessionKey = *sessionKey
	}
	if len(records) > 0 {
		if err := json.Unmarshal(records, &w.ExtractedRecords); err != nil {
			return nil, fmt.Errorf("unmarshal records: %w", err)
		}
	}
	if len(report) > 0 {
		if err := json.Unmarshal(report, &w.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &w.StageHistory); err != nil {
			return nil, fmt.Errorf("unmarshal stage history: %w", err)
		}
	}
	if len(retries) > 0 {
		if err := json.Unmarshal(retries, &w.RetryCounts); err != nil {
			return nil, fmt.Errorf("unmarshal retry counts: %w", err)
		}
	}
	return &w, nil
}

func collectWorkflows(rows pgx.Rows) ([]models.Workflow, error) {
	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func orEmpty(records []models.ContactRecord) []models.ContactRecord {
	if records == nil {
		return []models.ContactRecord{}
	}
	return records
}

func orEmptyHistory(history []models.StageHistoryEntry) []models.StageHistoryEntry {
	if history == nil {
		return []models.StageHistoryEntry{}
	}
	return history
}
