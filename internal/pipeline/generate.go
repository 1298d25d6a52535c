package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// GenerateAdapter assembles the final normalized report from the extracted
// records. It is the terminal stage: its success completes the workflow.
type GenerateAdapter struct{}

func NewGenerateAdapter() *GenerateAdapter { return &GenerateAdapter{} }

func (a *GenerateAdapter) Stage() models.Stage { return models.StageGenerate }

func (a *GenerateAdapter) Execute(ctx context.Context, w *models.Workflow) (*StageResult, error) {
	report := models.Report{
		Title:       reportTitle(w),
		Language:    w.Language,
		Records:     append([]models.ContactRecord(nil), w.ExtractedRecords...),
		Highlights:  highlights(w.ExtractedRecords),
		GeneratedAt: time.Now().UTC(),
	}

	return &StageResult{
		Patch:   workflow.StagePatch{Report: &report},
		Outcome: models.OutcomeSuccess,
		Detail:  fmt.Sprintf("assembled report with %d records", len(report.Records)),
	}, nil
}

func reportTitle(w *models.Workflow) string {
	return fmt.Sprintf("Contact report %s", w.CreatedAt.Format("2006-01-02"))
}

// highlights surfaces the high-priority follow-ups at the top of the report.
func highlights(records []models.ContactRecord) []string {
	var out []string
	for _, r := range records {
		if r.PriorityLevel != "high" {
			continue
		}
		for _, item := range r.ActionItems {
			out = append(out, fmt.Sprintf("%s: %s", r.Name, item))
		}
	}
	return out
}
