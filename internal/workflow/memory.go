package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicereport/voicereport/internal/models"
)

// MemoryStore is an in-process Store used by tests and local development. It
// applies the same merge logic as the Postgres store and hands out deep copies
// so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*models.Workflow
	sessions  map[string]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[uuid.UUID]*models.Workflow),
		sessions:  make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Create(ctx context.Context, params CreateParams) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.SessionKey != "" {
		if _, exists := s.sessions[params.SessionKey]; exists {
			return nil, fmt.Errorf("%w: session %q already ingested", ErrConflict, params.SessionKey)
		}
	}

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
	s.workflows[w.ID] = w
	if params.SessionKey != "" {
		s.sessions[params.SessionKey] = w.ID
	}
	return cloneWorkflow(w), nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]models.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		all = append(all, *cloneWorkflow(w))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Workflow
	for _, w := range s.workflows {
		if !w.Status.Terminal() {
			out = append(out, *cloneWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) BeginStage(ctx context.Context, id uuid.UUID, stage models.Stage) (*models.Workflow, error) {
	return s.mutate(id, func(w *models.Workflow, now time.Time) error {
		return beginStage(w, stage, now)
	})
}

func (s *MemoryStore) AppendStageResult(ctx context.Context, id uuid.UUID, apply StageApply) (*models.Workflow, error) {
	return s.mutate(id, func(w *models.Workflow, now time.Time) error {
		_, err := applyStageResult(w, apply, now)
		return err
	})
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.mutate(id, func(w *models.Workflow, now time.Time) error {
		if w.Status.Terminal() {
			return fmt.Errorf("%w: %s workflow cannot be cancelled", ErrConflict, w.Status)
		}
		w.CancelRequested = true
		w.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.mutate(id, markCancelled)
}

func (s *MemoryStore) Resume(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.mutate(id, resume)
}

func (s *MemoryStore) ReplaceRecords(ctx context.Context, id uuid.UUID, records []models.ContactRecord) (*models.Workflow, error) {
	return s.mutate(id, func(w *models.Workflow, now time.Time) error {
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

func (s *MemoryStore) mutate(id uuid.UUID, fn func(*models.Workflow, time.Time) error) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Mutate a copy so a failed merge leaves the stored record untouched.
	next := cloneWorkflow(current)
	if err := fn(next, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.workflows[id] = next
	return cloneWorkflow(next), nil
}

func cloneWorkflow(w *models.Workflow) *models.Workflow {
	c := *w
	if w.ExtractedRecords != nil {
		c.ExtractedRecords = make([]models.ContactRecord, len(w.ExtractedRecords))
		copy(c.ExtractedRecords, w.ExtractedRecords)
	}
	if w.StageHistory != nil {
		c.StageHistory = make([]models.StageHistoryEntry, len(w.StageHistory))
		copy(c.StageHistory, w.StageHistory)
	}
	if w.RetryCounts != nil {
		c.RetryCounts = make(map[models.Stage]int, len(w.RetryCounts))
		for k, v := range w.RetryCounts {
			c.RetryCounts[k] = v
		}
	}
	if w.Report != nil {
		report := *w.Report
		c.Report = &report
	}
	return &c
}
