package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voicereport/voicereport/internal/models"
)

// Format selects the export rendering.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Render is a pure read-side transform of a completed workflow's records.
func Render(w *models.Workflow, format Format) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		data, err := renderCSV(w.ExtractedRecords)
		return data, "text/csv", err
	case FormatJSON:
		data, err := renderJSON(w)
		return data, "application/json", err
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}

func renderCSV(records []models.ContactRecord) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	header := []string{"name", "company", "position", "contact_type", "priority_level", "discussion", "action_items", "tags", "source"}
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.Name, r.Company, r.Position, r.ContactType, r.PriorityLevel,
			r.Discussion,
			strings.Join(r.ActionItems, "; "),
			strings.Join(r.Tags, "; "),
			r.Source,
		}
		if err := cw.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

func renderJSON(w *models.Workflow) ([]byte, error) {
	payload := struct {
		WorkflowID string                 `json:"workflow_id"`
		Report     *models.Report         `json:"report,omitempty"`
		Records    []models.ContactRecord `json:"records"`
	}{
		WorkflowID: w.ID.String(),
		Report:     w.Report,
		Records:    w.ExtractedRecords,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return data, nil
}
