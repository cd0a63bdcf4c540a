package queue

import "promptq/internal/models"

// Eligible reports whether a pending prompt may be dequeued right now. The
// worker uses it to exclude disabled and skipped prompts.
type Eligible func(id string) bool

// PickNext selects the prompt the worker should process next. The snapshot
// must be ordered the way the store lists it: batches in creation order,
// prompts by insertion order within their batch.
//
// The batch being drained is the first batch containing any eligible pending
// prompt. Within it, high priority wins over normal, and low is only chosen
// when nothing else in that batch is eligible; insertion order breaks ties
// inside a priority class. The policy is a pure function so the tie-break
// rules can be swapped without touching the worker.
func PickNext(prompts []models.Prompt, eligible Eligible) *models.Prompt {
	for i := 0; i < len(prompts); {
		batchID := prompts[i].BatchID
		var best *models.Prompt
		j := i
		for ; j < len(prompts) && prompts[j].BatchID == batchID; j++ {
			p := &prompts[j]
			if p.Status != models.StatusPending {
				continue
			}
			if eligible != nil && !eligible(p.ID) {
				continue
			}
			if best == nil || p.Priority.Rank() < best.Priority.Rank() {
				best = p
			}
		}
		if best != nil {
			return best
		}
		i = j
	}
	return nil
}
