package pipeline

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereport/voicereport/internal/llm"
	"github.com/voicereport/voicereport/internal/models"
)

func TestTranslateSkipsWhenLanguageMatchesTarget(t *testing.T) {
	gw := &fakeGateway{}
	a := NewTranslateAdapter(gw, "gpt-4o-mini", "en")

	// Whisper reports full names; skip must still trigger.
	for _, lang := range []string{"en", "english", "English", " EN "} {
		w := &models.Workflow{Transcript: "hello", Language: lang}
		result, err := a.Execute(context.Background(), w)
		require.NoError(t, err, "language %q", lang)
		assert.Equal(t, models.OutcomeSkipped, result.Outcome, "language %q", lang)
		assert.True(t, result.Patch.Empty(), "language %q", lang)
	}
	assert.Empty(t, gw.last.Messages)
}

func TestTranslateProducesTargetLanguagePatch(t *testing.T) {
	gw := &fakeGateway{resp: &llm.ChatResponse{Content: "hello team", Provider: "anthropic"}}
	a := NewTranslateAdapter(gw, "claude-sonnet", "en")

	w := &models.Workflow{Transcript: "hola equipo", Language: "es"}
	result, err := a.Execute(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	require.NotNil(t, result.Patch.TranslatedTranscript)
	assert.Equal(t, "hello team", *result.Patch.TranslatedTranscript)
	assert.Nil(t, result.Patch.Transcript)
	assert.Nil(t, result.Patch.Records)
}

func TestTranslateEmptyTranscriptIsPermanent(t *testing.T) {
	a := NewTranslateAdapter(&fakeGateway{}, "gpt-4o-mini", "en")

	_, err := a.Execute(context.Background(), &models.Workflow{Language: "es"})
	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	assert.False(t, sf.Retryable)
}

func TestClassifyLLMErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"timeout", context.DeadlineExceeded, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := classifyLLMErr(models.StageTranslate, "call", tt.err)
			assert.Equal(t, tt.retryable, failure.Retryable)
		})
	}
}

func TestFailureForClassification(t *testing.T) {
	sf := failureFor(models.StageExtract, Transient(models.StageExtract, "flaky", nil))
	assert.True(t, sf.Retryable)

	sf = failureFor(models.StageExtract, context.DeadlineExceeded)
	assert.True(t, sf.Retryable)

	// Unclassified errors never retry, so a broken adapter cannot loop.
	sf = failureFor(models.StageExtract, errors.New("panic-adjacent"))
	assert.False(t, sf.Retryable)
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "es", normalizeLanguage("Spanish"))
	assert.Equal(t, "es", normalizeLanguage("es"))
	assert.Equal(t, "zh", normalizeLanguage("mandarin"))
	assert.Equal(t, "en", normalizeLanguage(" ENGLISH "))
	assert.Equal(t, "sw", normalizeLanguage("sw"))
}
