package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the workflow lifecycle state. Transitions only move forward through
// the pipeline or into one of the terminal states.
type Status string

const (
	StatusCreated      Status = "created"
	StatusUploading    Status = "uploading"
	StatusTranscribing Status = "transcribing"
	StatusTranslating  Status = "translating"
	StatusExtracting   Status = "extracting"
	StatusGenerating   Status = "generating"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further stage may run for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// ActiveStage maps an in-flight status to the stage it is executing.
func (s Status) ActiveStage() (Stage, bool) {
	switch s {
	case StatusTranscribing:
		return StageTranscribe, true
	case StatusTranslating:
		return StageTranslate, true
	case StatusExtracting:
		return StageExtract, true
	case StatusGenerating:
		return StageGenerate, true
	}
	return "", false
}

// Stage names one pipeline step. Each stage owns a disjoint set of workflow
// fields; the merge logic in the workflow package enforces that ownership.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageTranslate  Stage = "translate"
	StageExtract    Stage = "extract"
	StageGenerate   Stage = "generate"
)

// Stage history outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeSkipped  = "skipped"
	OutcomeRetrying = "retrying"
	OutcomeFailed   = "failed"
)

// StageHistoryEntry is one append-only audit record of a stage attempt.
// Entries are deduplicated on {Stage, Attempt} so an at-least-once execution
// never double-counts.
type StageHistoryEntry struct {
	Stage     Stage     `json:"stage"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Record sources distinguish pipeline output from human edits.
const (
	SourcePipeline = "pipeline"
	SourceManual   = "manual"
)

// ContactRecord is one entity extracted from a transcript.
type ContactRecord struct {
	Name          string   `json:"name"`
	Company       string   `json:"company,omitempty"`
	Position      string   `json:"position,omitempty"`
	Discussion    string   `json:"discussion,omitempty"`
	ContactType   string   `json:"contact_type"`   // prospective | existing
	PriorityLevel string   `json:"priority_level"` // high | medium | low
	ActionItems   []string `json:"action_items,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Source        string   `json:"source"` // pipeline | manual
}

// Report is the final normalized structure produced by the generate stage.
type Report struct {
	Title       string          `json:"title"`
	Language    string          `json:"language,omitempty"`
	Records     []ContactRecord `json:"records"`
	Highlights  []string        `json:"highlights,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Workflow is one end-to-end processing job for a single audio artifact.
//
// Mutation goes exclusively through the workflow store's AppendStageResult,
// except for the control flags (CancelRequested, resume) owned by the
// cancellation controller.
type Workflow struct {
	ID         uuid.UUID `json:"id"`
	SessionKey string    `json:"session_key,omitempty"`
	Status     Status    `json:"status"`

	AudioRef    string `json:"audio_ref,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	AudioSize   int64  `json:"audio_size_bytes,omitempty"`

	Language             string          `json:"language,omitempty"`
	Transcript           string          `json:"transcript,omitempty"`
	TranslatedTranscript string          `json:"translated_transcript,omitempty"`
	ExtractedRecords     []ContactRecord `json:"extracted_records,omitempty"`
	Report               *Report         `json:"report,omitempty"`

	StageHistory []StageHistoryEntry `json:"stage_history"`
	RetryCounts  map[Stage]int       `json:"retry_counts,omitempty"`

	CancelRequested bool   `json:"cancel_requested"`
	FailedStage     Stage  `json:"failed_stage,omitempty"`
	LastError       string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RetryCount returns the attempt counter for a stage, zero if unset.
func (w *Workflow) RetryCount(stage Stage) int {
	if w.RetryCounts == nil {
		return 0
	}
	return w.RetryCounts[stage]
}

// HistoryFor returns the history entries recorded for one stage, in order.
func (w *Workflow) HistoryFor(stage Stage) []StageHistoryEntry {
	var out []StageHistoryEntry
	for _, e := range w.StageHistory {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

// ProgressPercent derives a coarse completion percentage from status, used by
// the status snapshot payload.
func (w *Workflow) ProgressPercent() int {
	switch w.Status {
	case StatusCreated:
		return 0
	case StatusUploading:
		return 10
	case StatusTranscribing:
		return 25
	case StatusTranslating:
		return 50
	case StatusExtracting:
		return 70
	case StatusGenerating:
		return 90
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// StatusSnapshot is the shape pushed to observers and returned by the pull
// status endpoint. Partial results stay visible even after a later failure.
type StatusSnapshot struct {
	WorkflowID           uuid.UUID       `json:"workflow_id"`
	Status               Status          `json:"status"`
	Stage                Stage           `json:"stage,omitempty"`
	ProgressPercent      int             `json:"progress_percent"`
	Language             string          `json:"language,omitempty"`
	Transcript           string          `json:"transcript,omitempty"`
	TranslatedTranscript string          `json:"translated_transcript,omitempty"`
	ExtractedRecords     []ContactRecord `json:"extracted_records,omitempty"`
	Error                string          `json:"error,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Snapshot builds the observer-facing view of the workflow.
func (w *Workflow) Snapshot() StatusSnapshot {
	stage := w.FailedStage
	if active, ok := w.Status.ActiveStage(); ok {
		stage = active
	}
	return StatusSnapshot{
		WorkflowID:           w.ID,
		Status:               w.Status,
		Stage:                stage,
		ProgressPercent:      w.ProgressPercent(),
		Language:             w.Language,
		Transcript:           w.Transcript,
		TranslatedTranscript: w.TranslatedTranscript,
		ExtractedRecords:     w.ExtractedRecords,
		Error:                w.LastError,
		UpdatedAt:            w.UpdatedAt,
	}
}
