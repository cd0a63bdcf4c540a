// Package aggregate derives per-batch progress counts from a prompt
// snapshot. Counts are recomputed on every call rather than maintained
// incrementally: batches are UI-scale and a full scan cannot drift under
// concurrent writers.
package aggregate

import "promptq/internal/models"

type BatchCounts struct {
	PromptCount     int `json:"promptCount"`
	PendingCount    int `json:"pendingCount"`
	ProcessingCount int `json:"processingCount"`
	CompletedCount  int `json:"completedCount"`
	FailedCount     int `json:"failedCount"`
}

func (c *BatchCounts) add(p models.Prompt) {
	c.PromptCount++
	switch p.Status {
	case models.StatusProcessing:
		c.ProcessingCount++
	case models.StatusCompleted:
		c.CompletedCount++
	case models.StatusFailed:
		c.FailedCount++
	default:
		// pending and editing both count as awaiting processing, so the
		// four buckets always sum to PromptCount.
		c.PendingCount++
	}
}

// Counts scans the snapshot and returns the status breakdown for one batch.
func Counts(prompts []models.Prompt, batchID string) BatchCounts {
	var c BatchCounts
	for _, p := range prompts {
		if p.BatchID == batchID {
			c.add(p)
		}
	}
	return c
}

// Totals returns the status breakdown across every batch.
func Totals(prompts []models.Prompt) BatchCounts {
	var c BatchCounts
	for _, p := range prompts {
		c.add(p)
	}
	return c
}
