package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/voicereport/voicereport/internal/llm"
	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// TranslateAdapter produces the target-language transcript via the LLM
// gateway. When the detected source language already matches the target the
// stage is skipped, but the skip is still recorded in stage history so
// downstream logic never mistakes "skipped" for "failed".
type TranslateAdapter struct {
	gateway    llm.Gateway
	model      string
	targetLang string
}

func NewTranslateAdapter(gw llm.Gateway, model, targetLang string) *TranslateAdapter {
	if targetLang == "" {
		targetLang = "en"
	}
	return &TranslateAdapter{gateway: gw, model: model, targetLang: normalizeLanguage(targetLang)}
}

func (a *TranslateAdapter) Stage() models.Stage { return models.StageTranslate }

func (a *TranslateAdapter) Execute(ctx context.Context, w *models.Workflow) (*StageResult, error) {
	if w.Transcript == "" {
		return nil, Permanent(a.Stage(), "no transcript to translate", nil)
	}

	if normalizeLanguage(w.Language) == a.targetLang {
		return &StageResult{
			Outcome: models.OutcomeSkipped,
			Detail:  fmt.Sprintf("source language %q already matches target", w.Language),
		}, nil
	}

	resp, err := a.gateway.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(
				"You are a professional translator. Translate the user's text to %s. "+
					"Preserve names, companies, and numbers exactly. Reply with the translation only.",
				languageName(a.targetLang))},
			{Role: "user", Content: w.Transcript},
		},
	})
	if err != nil {
		return nil, classifyLLMErr(a.Stage(), "translation call", err)
	}

	translated := strings.TrimSpace(resp.Content)
	if translated == "" {
		return nil, Transient(a.Stage(), "provider returned empty translation", nil)
	}

	return &StageResult{
		Patch:   workflow.StagePatch{TranslatedTranscript: &translated},
		Outcome: models.OutcomeSuccess,
		Detail:  fmt.Sprintf("translated %s -> %s via %s", w.Language, a.targetLang, resp.Provider),
	}, nil
}

func languageName(code string) string {
	for name, c := range languageCodes {
		if c == code {
			return strings.ToUpper(name[:1]) + name[1:]
		}
	}
	return code
}

// classifyLLMErr maps LLM gateway failures onto the retryable / permanent
// taxonomy: rate limits, 5xx and timeouts retry; 4xx rejections do not.
func classifyLLMErr(stage models.Stage, op string, err error) *StageFailure {
	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		if oaiErr.HTTPStatusCode == 429 || oaiErr.HTTPStatusCode >= 500 {
			return Transient(stage, op, err)
		}
		return Permanent(stage, op, err)
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		if anthErr.StatusCode == 429 || anthErr.StatusCode >= 500 {
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
