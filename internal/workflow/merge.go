package workflow

import (
	"fmt"
	"time"

	"github.com/voicereport/voicereport/internal/models"
)

// StagePatch carries the fields one stage attempt wants to set. Each stage owns
// a disjoint subset; the merge rejects writes outside that ownership so a later
// stage can never blind-overwrite an earlier stage's output.
type StagePatch struct {
	Transcript           *string
	Language             *string
	TranslatedTranscript *string
	Records              []models.ContactRecord
	ReplaceRecords       bool
	Report               *models.Report
}

// Empty reports whether the patch sets nothing.
func (p StagePatch) Empty() bool {
	return p.Transcript == nil && p.Language == nil && p.TranslatedTranscript == nil &&
		p.Records == nil && p.Report == nil
}

var statusOrder = map[models.Status]int{
	models.StatusCreated:      0,
	models.StatusUploading:    1,
	models.StatusTranscribing: 2,
	models.StatusTranslating:  3,
	models.StatusExtracting:   4,
	models.StatusGenerating:   5,
	models.StatusCompleted:    6,
}

// ProcessingStatus maps a stage to the status observers see while it runs.
func ProcessingStatus(stage models.Stage) models.Status {
	switch stage {
	case models.StageTranscribe:
		return models.StatusTranscribing
	case models.StageTranslate:
		return models.StatusTranslating
	case models.StageExtract:
		return models.StatusExtracting
	case models.StageGenerate:
		return models.StatusGenerating
	}
	return models.StatusError
}

// StageForStatus is the inverse of ProcessingStatus; uploading maps to the
// first stage so a freshly ingested workflow enters transcription.
func StageForStatus(status models.Status) (models.Stage, bool) {
	switch status {
	case models.StatusCreated, models.StatusUploading, models.StatusTranscribing:
		return models.StageTranscribe, true
	case models.StatusTranslating:
		return models.StageTranslate, true
	case models.StatusExtracting:
		return models.StageExtract, true
	case models.StatusGenerating:
		return models.StageGenerate, true
	}
	return "", false
}

// hasAttempt checks the {stage, attempt} idempotency key against history.
func hasAttempt(w *models.Workflow, stage models.Stage, attempt int) bool {
	for _, e := range w.StageHistory {
		if e.Stage == stage && e.Attempt == attempt {
			return true
		}
	}
	return false
}

// beginStage transitions the workflow into the stage's processing status.
// Transitions only move forward; re-entering the current processing status is
// allowed so a retried attempt is a no-op here.
func beginStage(w *models.Workflow, stage models.Stage, now time.Time) error {
	target := ProcessingStatus(stage)
	if w.Status == target {
		return nil
	}
	if w.Status.Terminal() {
		return fmt.Errorf("%w: cannot start %s from terminal status %s", ErrConflict, stage, w.Status)
	}
	if statusOrder[target] < statusOrder[w.Status] {
		return fmt.Errorf("%w: cannot move %s back to %s", ErrConflict, w.Status, target)
	}
	w.Status = target
	w.UpdatedAt = now
	return nil
}

// applyStageResult merges one stage attempt into the workflow. It returns
// false when the {stage, attempt} pair was already recorded (idempotent
// replay). The caller persists the mutated copy atomically.
func applyStageResult(w *models.Workflow, apply StageApply, now time.Time) (bool, error) {
	if hasAttempt(w, apply.Stage, apply.Attempt) {
		return false, nil
	}
	if w.Status.Terminal() {
		return false, fmt.Errorf("%w: stage result for %s on terminal workflow", ErrConflict, apply.Stage)
	}

	entry := models.StageHistoryEntry{
		Stage:     apply.Stage,
		Attempt:   apply.Attempt,
		Outcome:   apply.Outcome,
		Detail:    apply.Detail,
		StartedAt: apply.StartedAt,
		EndedAt:   apply.EndedAt,
	}

	switch apply.Outcome {
	case models.OutcomeSuccess, models.OutcomeSkipped:
		if err := mergePatch(w, apply.Stage, apply.Patch); err != nil {
			return false, err
		}
		if apply.NextStatus != "" {
			if apply.NextStatus != models.StatusCompleted && statusOrder[apply.NextStatus] < statusOrder[w.Status] {
				return false, fmt.Errorf("%w: cannot advance %s to %s", ErrConflict, w.Status, apply.NextStatus)
			}
			w.Status = apply.NextStatus
		}
		if w.RetryCounts != nil {
			delete(w.RetryCounts, apply.Stage)
		}
		w.FailedStage = ""
		w.LastError = ""

	case models.OutcomeRetrying:
		if w.RetryCounts == nil {
			w.RetryCounts = make(map[models.Stage]int)
		}
		// Counts retries within the current episode; a resume resets it so
		// the re-entered stage gets a fresh budget.
		w.RetryCounts[apply.Stage]++

	case models.OutcomeFailed:
		w.Status = models.StatusError
		w.FailedStage = apply.Stage
		w.LastError = apply.Detail

	default:
		return false, fmt.Errorf("unknown stage outcome %q", apply.Outcome)
	}

	w.StageHistory = append(w.StageHistory, entry)
	w.UpdatedAt = now
	return true, nil
}

// mergePatch enforces per-stage field ownership. Scalar fields are write-once
// and owned by exactly one stage; the record collection merges additively
// unless the patch explicitly asks for a full replace.
func mergePatch(w *models.Workflow, stage models.Stage, p StagePatch) error {
	if p.Transcript != nil || p.Language != nil {
		if stage != models.StageTranscribe {
			return fmt.Errorf("%w: stage %s may not set transcript", ErrConsistency, stage)
		}
		if w.Transcript != "" && p.Transcript != nil && *p.Transcript != w.Transcript {
			return fmt.Errorf("%w: transcript is write-once", ErrConsistency)
		}
		if p.Transcript != nil {
			w.Transcript = *p.Transcript
		}
		if p.Language != nil {
			if w.Language != "" && *p.Language != w.Language {
				return fmt.Errorf("%w: language is write-once", ErrConsistency)
			}
			w.Language = *p.Language
		}
	}

	if p.TranslatedTranscript != nil {
		if stage != models.StageTranslate {
			return fmt.Errorf("%w: stage %s may not set translated transcript", ErrConsistency, stage)
		}
		w.TranslatedTranscript = *p.TranslatedTranscript
	}

	if p.Records != nil {
		if stage != models.StageExtract {
			return fmt.Errorf("%w: stage %s may not set extracted records", ErrConsistency, stage)
		}
		records := make([]models.ContactRecord, len(p.Records))
		copy(records, p.Records)
		for i := range records {
			if records[i].Source == "" {
				records[i].Source = models.SourcePipeline
			}
		}
		if p.ReplaceRecords {
			w.ExtractedRecords = records
		} else {
			w.ExtractedRecords = append(w.ExtractedRecords, records...)
		}
	}

	if p.Report != nil {
		if stage != models.StageGenerate {
			return fmt.Errorf("%w: stage %s may not set the report", ErrConsistency, stage)
		}
		report := *p.Report
		w.Report = &report
	}

	return nil
}

// markCancelled finalizes a cooperative cancellation at a stage boundary. The
// stage that would have run next is recorded so resume can re-enter it.
func markCancelled(w *models.Workflow, now time.Time) error {
	if w.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel %s workflow", ErrConflict, w.Status)
	}
	if stage, ok := StageForStatus(w.Status); ok {
		w.FailedStage = stage
	}
	w.Status = models.StatusCancelled
	w.UpdatedAt = now
	return nil
}

// resume re-enters the exact stage recorded as failed or cancelled. Completed
// workflows and in-flight workflows are not resumable.
func resume(w *models.Workflow, now time.Time) error {
	if w.Status != models.StatusError && w.Status != models.StatusCancelled {
		return fmt.Errorf("%w: %s workflow is not resumable", ErrConflict, w.Status)
	}
	stage := w.FailedStage
	if stage == "" {
		stage = models.StageTranscribe
	}
	w.Status = ProcessingStatus(stage)
	w.CancelRequested = false
	w.LastError = ""
	if w.RetryCounts != nil {
		delete(w.RetryCounts, stage)
	}
	w.UpdatedAt = now
	return nil
}
