package aggregate

import (
	"testing"

	"promptq/internal/models"
)

func prompt(batchID string, status models.Status) models.Prompt {
	return models.Prompt{BatchID: batchID, Status: status}
}

func TestCounts(t *testing.T) {
	prompts := []models.Prompt{
		prompt("b1", models.StatusPending),
		prompt("b1", models.StatusProcessing),
		prompt("b1", models.StatusCompleted),
		prompt("b1", models.StatusCompleted),
		prompt("b1", models.StatusFailed),
		prompt("b1", models.StatusEditing),
		prompt("b2", models.StatusPending),
	}

	c := Counts(prompts, "b1")
	if c.PromptCount != 6 {
		t.Fatalf("PromptCount = %d, want 6", c.PromptCount)
	}
	// editing counts as awaiting processing
	if c.PendingCount != 2 {
		t.Fatalf("PendingCount = %d, want 2", c.PendingCount)
	}
	if c.ProcessingCount != 1 || c.CompletedCount != 2 || c.FailedCount != 1 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

// Every prompt lands in exactly one bucket: the four counts always sum to
// the total, whatever the status mix.
func TestCountsSumInvariant(t *testing.T) {
	statuses := []models.Status{
		models.StatusPending, models.StatusProcessing, models.StatusCompleted,
		models.StatusFailed, models.StatusEditing, models.Status("bogus"),
	}
	var prompts []models.Prompt
	for i, st := range statuses {
		for j := 0; j <= i; j++ {
			prompts = append(prompts, prompt("b", st))
		}
	}

	c := Counts(prompts, "b")
	sum := c.PendingCount + c.ProcessingCount + c.CompletedCount + c.FailedCount
	if sum != c.PromptCount {
		t.Fatalf("bucket sum %d != PromptCount %d", sum, c.PromptCount)
	}
	if c.PromptCount != len(prompts) {
		t.Fatalf("PromptCount = %d, want %d", c.PromptCount, len(prompts))
	}
}

func TestCountsIgnoresOtherBatches(t *testing.T) {
	prompts := []models.Prompt{
		prompt("b1", models.StatusPending),
		prompt("b2", models.StatusPending),
	}
	if c := Counts(prompts, "b1"); c.PromptCount != 1 {
		t.Fatalf("PromptCount = %d, want 1", c.PromptCount)
	}
	if c := Counts(prompts, "nope"); c.PromptCount != 0 {
		t.Fatalf("PromptCount = %d, want 0", c.PromptCount)
	}
}

func TestTotals(t *testing.T) {
	prompts := []models.Prompt{
		prompt("b1", models.StatusCompleted),
		prompt("b2", models.StatusFailed),
		prompt("b3", models.StatusPending),
	}
	c := Totals(prompts)
	if c.PromptCount != 3 || c.CompletedCount != 1 || c.FailedCount != 1 || c.PendingCount != 1 {
		t.Fatalf("unexpected totals: %+v", c)
	}
}
