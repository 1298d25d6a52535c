package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/storage"
	"github.com/voicereport/voicereport/internal/stt"
	"github.com/voicereport/voicereport/internal/workflow"
)

// TranscribeAdapter pulls the audio artifact from blob storage and runs it
// through the configured speech-to-text provider. Its patch owns transcript
// and language, both write-once.
type TranscribeAdapter struct {
	storage  storage.Storage
	bucket   string
	provider stt.Provider
}

func NewTranscribeAdapter(store storage.Storage, bucket string, provider stt.Provider) *TranscribeAdapter {
	return &TranscribeAdapter{storage: store, bucket: bucket, provider: provider}
}

func (a *TranscribeAdapter) Stage() models.Stage { return models.StageTranscribe }

func (a *TranscribeAdapter) Execute(ctx context.Context, w *models.Workflow) (*StageResult, error) {
	if w.AudioRef == "" {
		return nil, Permanent(a.Stage(), "workflow has no audio reference", nil)
	}

	// Fresh download per attempt; the reader's lifetime is scoped to this
	// stage execution.
	audio, err := a.storage.Download(ctx, a.bucket, w.AudioRef)
	if err != nil {
		return nil, Transient(a.Stage(), "download audio artifact", err)
	}
	defer audio.Close()

	resp, err := a.provider.Transcribe(ctx, stt.TranscriptionRequest{
		Audio:    audio,
		Filename: path.Base(w.AudioRef),
	})
	if err != nil {
		return nil, classifyProviderErr(a.Stage(), "transcription call", err)
	}

	transcript := strings.TrimSpace(resp.Text)
	if transcript == "" {
		return nil, Permanent(a.Stage(), "empty transcript: audio is silent or unintelligible", nil)
	}

	language := normalizeLanguage(resp.Language)
	return &StageResult{
		Patch: workflow.StagePatch{
			Transcript: &transcript,
			Language:   &language,
		},
		Outcome: models.OutcomeSuccess,
		Detail:  fmt.Sprintf("transcribed %.1fs of audio via %s", resp.Duration, a.provider.Name()),
	}, nil
}

// classifyProviderErr maps transport-level failures onto the retryable /
// permanent taxonomy. Timeouts, rate limits and 5xx are transient; a definite
// provider rejection of the input is not.
func classifyProviderErr(stage models.Stage, op string, err error) *StageFailure {
	var provErr *stt.ProviderError
	if errors.As(err, &provErr) {
		if provErr.Retryable() {
			return Transient(stage, op, err)
		}
		return Permanent(stage, op, err)
	}
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &urlErr) {
		return Transient(stage, op, err)
	}
	return Permanent(stage, op, err)
}
