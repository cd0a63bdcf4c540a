// Package export serializes a read-only snapshot of the prompt set.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"promptq/internal/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV, FormatText:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType returns the response content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

type promptRecord struct {
	ID            string `json:"id"`
	BatchID       string `json:"batchId"`
	BatchLabel    string `json:"batchLabel"`
	Text          string `json:"text"`
	MediaType     string `json:"mediaType"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	AttachedImage string `json:"attachedImage,omitempty"`
	MediaURL      string `json:"mediaUrl,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// Write serializes the snapshot to w. The batches slice supplies labels for
// the csv/json output; prompts referencing an unknown batch keep an empty
// label rather than failing the export.
func Write(w io.Writer, prompts []models.Prompt, batches []models.Batch, format Format) error {
	labels := make(map[string]string, len(batches))
	for _, b := range batches {
		labels[b.ID] = b.Label
	}

	switch format {
	case FormatJSON:
		return writeJSON(w, prompts, labels)
	case FormatCSV:
		return writeCSV(w, prompts, labels)
	case FormatText:
		return writeText(w, prompts)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func record(p models.Prompt, labels map[string]string) promptRecord {
	return promptRecord{
		ID:            p.ID,
		BatchID:       p.BatchID,
		BatchLabel:    labels[p.BatchID],
		Text:          p.Text,
		MediaType:     string(p.MediaType),
		Priority:      string(p.Priority),
		Status:        string(p.Status),
		AttachedImage: p.AttachedImage,
		MediaURL:      p.MediaURL,
		Error:         p.Error,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w io.Writer, prompts []models.Prompt, labels map[string]string) error {
	records := make([]promptRecord, 0, len(prompts))
	for _, p := range prompts {
		records = append(records, record(p, labels))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encoding json export: %w", err)
	}
	return nil
}

func writeCSV(w io.Writer, prompts []models.Prompt, labels map[string]string) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "batch", "text", "media_type", "priority", "status", "media_url", "error", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, p := range prompts {
		r := record(p, labels)
		row := []string{r.ID, r.BatchLabel, r.Text, r.MediaType, r.Priority, r.Status, r.MediaURL, r.Error, r.CreatedAt}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv export: %w", err)
	}
	return nil
}

func writeText(w io.Writer, prompts []models.Prompt) error {
	for _, p := range prompts {
		if _, err := fmt.Fprintln(w, p.Text); err != nil {
			return fmt.Errorf("writing text export: %w", err)
		}
	}
	return nil
}
