package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/voicereport/voicereport/internal/config"
	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/storage"
	"github.com/voicereport/voicereport/internal/workflow"
)

// ValidationError rejects bad input before any workflow exists. It is
// surfaced immediately and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

var formatExtensions = map[string]string{
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/wave":  "wav",
	"audio/mp4":   "m4a",
	"audio/x-m4a": "m4a",
	"audio/webm":  "webm",
	"audio/ogg":   "ogg",
	"audio/flac":  "flac",
}

// Queue schedules the first orchestrator run for a new workflow.
type Queue interface {
	EnqueueWorkflowRun(ctx context.Context, id uuid.UUID) error
}

// Service is the ingestion gateway: it validates the artifact, persists it,
// creates the workflow record and schedules the first stage.
type Service struct {
	store   workflow.Store
	storage storage.Storage
	queue   Queue
	cfg     config.IngestConfig
}

func NewService(store workflow.Store, blobs storage.Storage, queue Queue, cfg config.IngestConfig) *Service {
	return &Service{store: store, storage: blobs, queue: queue, cfg: cfg}
}

// Request is one ingestion call: either raw bytes (Data) or a pre-uploaded
// reference (AudioRef). SessionKey identifies the logical recording session;
// duplicate ingestion for the same key is a conflict, not a second workflow.
type Request struct {
	SessionKey  string
	ContentType string
	Size        int64
	Data        io.Reader
	AudioRef    string
}

// Ingest validates, persists and schedules. Validation happens before any
// side effect so an oversized artifact never leaves an orphan workflow row.
func (s *Service) Ingest(ctx context.Context, req Request) (*models.Workflow, error) {
	contentType := normalizeContentType(req.ContentType)
	ext, allowed := formatExtensions[contentType]
	if !allowed {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported audio format %q", req.ContentType)}
	}
	if req.Size <= 0 {
		return nil, &ValidationError{Reason: "audio size must be declared and positive"}
	}
	if req.Size > s.cfg.MaxSizeBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf(
			"audio size %d exceeds ceiling %d bytes", req.Size, s.cfg.MaxSizeBytes)}
	}
	if req.Data == nil && req.AudioRef == "" {
		return nil, &ValidationError{Reason: "audio bytes or a storage reference required"}
	}

	audioRef := req.AudioRef
	if req.Data != nil {
		audioRef = fmt.Sprintf("recordings/%s.%s", uuid.NewString(), ext)
		if err := s.storage.Upload(ctx, s.cfg.Bucket, audioRef, io.LimitReader(req.Data, s.cfg.MaxSizeBytes+1), contentType); err != nil {
			return nil, fmt.Errorf("persist audio artifact: %w", err)
		}
	}

	w, err := s.store.Create(ctx, workflow.CreateParams{
		SessionKey:  req.SessionKey,
		AudioRef:    audioRef,
		AudioFormat: contentType,
		AudioSize:   req.Size,
	})
	if err != nil {
		// The workflow owns the artifact only once creation succeeds.
		if req.Data != nil {
			if delErr := s.storage.Delete(ctx, s.cfg.Bucket, audioRef); delErr != nil {
				slog.Warn("orphaned audio artifact", "audio_ref", audioRef, "error", delErr)
			}
		}
		return nil, err
	}

	if err := s.queue.EnqueueWorkflowRun(ctx, w.ID); err != nil {
		return nil, fmt.Errorf("schedule first stage: %w", err)
	}

	slog.Info("workflow ingested",
		"workflow_id", w.ID,
		"session_key", req.SessionKey,
		"format", contentType,
		"size_bytes", req.Size,
	)
	return w, nil
}

func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(strings.ToLower(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
