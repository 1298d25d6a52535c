package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/stt"
)

type stubBlobs struct {
	data string
	err  error
}

func (s *stubBlobs) Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error {
	return nil
}

func (s *stubBlobs) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.data)), nil
}

func (s *stubBlobs) Delete(ctx context.Context, bucket, path string) error { return nil }

type stubSTT struct {
	resp *stt.TranscriptionResponse
	err  error
	last stt.TranscriptionRequest
}

func (p *stubSTT) Transcribe(ctx context.Context, req stt.TranscriptionRequest) (*stt.TranscriptionResponse, error) {
	p.last = req
	return p.resp, p.err
}

func (p *stubSTT) Name() string { return "stub" }

func TestTranscribeSetsTranscriptAndNormalizedLanguage(t *testing.T) {
	provider := &stubSTT{resp: &stt.TranscriptionResponse{Text: " hola equipo ", Language: "Spanish", Duration: 12.5}}
	a := NewTranscribeAdapter(&stubBlobs{data: "mp3"}, "recordings", provider)

	w := &models.Workflow{AudioRef: "recordings/a.mp3"}
	result, err := a.Execute(context.Background(), w)
	require.NoError(t, err)

	require.NotNil(t, result.Patch.Transcript)
	assert.Equal(t, "hola equipo", *result.Patch.Transcript)
	require.NotNil(t, result.Patch.Language)
	assert.Equal(t, "es", *result.Patch.Language)
	assert.Equal(t, "a.mp3", provider.last.Filename)
}

func TestTranscribeEmptyTranscriptIsPermanent(t *testing.T) {
	provider := &stubSTT{resp: &stt.TranscriptionResponse{Text: "   "}}
	a := NewTranscribeAdapter(&stubBlobs{data: "mp3"}, "recordings", provider)

	_, err := a.Execute(context.Background(), &models.Workflow{AudioRef: "recordings/a.mp3"})
	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	assert.False(t, sf.Retryable)
}

func TestTranscribeDownloadFailureIsTransient(t *testing.T) {
	a := NewTranscribeAdapter(&stubBlobs{err: errors.New("connection reset")}, "recordings", &stubSTT{})

	_, err := a.Execute(context.Background(), &models.Workflow{AudioRef: "recordings/a.mp3"})
	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	assert.True(t, sf.Retryable)
}

func TestTranscribeMissingAudioRefIsPermanent(t *testing.T) {
	a := NewTranscribeAdapter(&stubBlobs{}, "recordings", &stubSTT{})

	_, err := a.Execute(context.Background(), &models.Workflow{})
	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	assert.False(t, sf.Retryable)
}

func TestClassifyProviderErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limited", &stt.ProviderError{StatusCode: 429}, true},
		{"server error", &stt.ProviderError{StatusCode: 500}, true},
		{"rejected input", &stt.ProviderError{StatusCode: 422}, false},
		{"timeout", context.DeadlineExceeded, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := classifyProviderErr(models.StageTranscribe, "call", tt.err)
			assert.Equal(t, tt.retryable, failure.Retryable)
		})
	}
}
