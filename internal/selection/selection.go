// Package selection tracks which prompts are checked for bulk operations and
// which are excluded from automatic processing. The state is session-scoped:
// it lives in memory only and is rebuilt from scratch whenever the service
// restarts. It never touches the prompt store.
package selection

import "sync"

type Tracker struct {
	mu       sync.Mutex
	selected map[string]struct{}
	disabled map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		selected: make(map[string]struct{}),
		disabled: make(map[string]struct{}),
	}
}

func (t *Tracker) ToggleSelection(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.selected[id]; ok {
		delete(t.selected, id)
	} else {
		t.selected[id] = struct{}{}
	}
}

// ToggleEnabled inverts the disabled flag for a prompt. Enabled is the
// default: a prompt is enabled iff it is absent from the disabled set.
func (t *Tracker) ToggleEnabled(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.disabled[id]; ok {
		delete(t.disabled, id)
	} else {
		t.disabled[id] = struct{}{}
	}
}

func (t *Tracker) IsSelected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.selected[id]
	return ok
}

func (t *Tracker) IsEnabled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.disabled[id]
	return !ok
}

// SelectAll is a toggle: if every given id is already selected (and nothing
// else is), the selection is cleared; otherwise the selection becomes
// exactly the given set, never a partial union.
func (t *Tracker) SelectAll(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.selected) == len(ids) {
		all := true
		for _, id := range ids {
			if _, ok := t.selected[id]; !ok {
				all = false
				break
			}
		}
		if all {
			t.selected = make(map[string]struct{})
			return
		}
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	t.selected = next
}

func (t *Tracker) ClearSelection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selected = make(map[string]struct{})
}

// Selected returns a snapshot of the currently selected ids.
func (t *Tracker) Selected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.selected))
	for id := range t.selected {
		ids = append(ids, id)
	}
	return ids
}

// EnableAll removes the given ids from the disabled set.
func (t *Tracker) EnableAll(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.disabled, id)
	}
}

// DisableAll adds the given ids to the disabled set.
func (t *Tracker) DisableAll(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.disabled[id] = struct{}{}
	}
}

// Prune drops ids that no longer exist in the store, keeping session state
// consistent after deletes.
func (t *Tracker) Prune(existing map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.selected {
		if _, ok := existing[id]; !ok {
			delete(t.selected, id)
		}
	}
	for id := range t.disabled {
		if _, ok := existing[id]; !ok {
			delete(t.disabled, id)
		}
	}
}
