package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voicereport/voicereport/internal/llm"
	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

const extractSystemPrompt = `You extract contact records from a voice-note transcript.
Reply with a JSON array only, no prose. Each element:
{
  "name": "person's name",
  "company": "company if mentioned",
  "position": "role if mentioned",
  "discussion": "short summary of what was discussed",
  "contact_type": "prospective" or "existing",
  "priority_level": "high", "medium" or "low",
  "action_items": ["follow-up actions"],
  "tags": ["short keywords"]
}
If no contacts are mentioned, reply with [].`

// ExtractAdapter turns the transcript into structured contact records via the
// LLM gateway. Its patch carries only the records and merges additively, so
// an earlier stage's output (in particular the translated transcript) is
// never touched.
type ExtractAdapter struct {
	gateway llm.Gateway
	model   string
}

func NewExtractAdapter(gw llm.Gateway, model string) *ExtractAdapter {
	return &ExtractAdapter{gateway: gw, model: model}
}

func (a *ExtractAdapter) Stage() models.Stage { return models.StageExtract }

func (a *ExtractAdapter) Execute(ctx context.Context, w *models.Workflow) (*StageResult, error) {
	// Extraction works on the target-language text when translation ran.
	text := w.Transcript
	if w.TranslatedTranscript != "" {
		text = w.TranslatedTranscript
	}
	if text == "" {
		return nil, Permanent(a.Stage(), "no transcript available for extraction", nil)
	}

	resp, err := a.gateway.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return nil, classifyLLMErr(a.Stage(), "extraction call", err)
	}

	records, err := parseRecords(resp.Content)
	if err != nil {
		// A malformed completion is worth another attempt.
		return nil, Transient(a.Stage(), "parse extraction output", err)
	}

	return &StageResult{
		Patch: workflow.StagePatch{
			Records: records,
			// The extract stage owns the full record set for this run.
			ReplaceRecords: true,
		},
		Outcome: models.OutcomeSuccess,
		Detail:  fmt.Sprintf("extracted %d contact records via %s", len(records), resp.Provider),
	}, nil
}

// parseRecords decodes the model's JSON array, tolerating markdown fences and
// normalizing the enum fields.
func parseRecords(content string) ([]models.ContactRecord, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var records []models.ContactRecord
	if err := json.Unmarshal([]byte(content), &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	for i := range records {
		if records[i].Name == "" {
			return nil, fmt.Errorf("record %d missing name", i)
		}
		switch records[i].ContactType {
		case "prospective", "existing":
		default:
			records[i].ContactType = "prospective"
		}
		switch records[i].PriorityLevel {
		case "high", "medium", "low":
		default:
			records[i].PriorityLevel = "medium"
		}
		records[i].Source = models.SourcePipeline
	}
	return records, nil
}
