// Package bulk applies a single edit across a selection of prompts. The
// engine re-reads every record before writing it back and refuses to touch
// prompts whose status forbids editing, regardless of what the caller
// validated.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"promptq/internal/models"
	"promptq/internal/store"
)

// ErrInvalidEdit is returned when an edit fails validation before any
// prompt is touched.
var ErrInvalidEdit = errors.New("invalid bulk edit")

// Edit is one mutation applied uniformly to every editable prompt in a
// selection.
type Edit struct {
	Kind EditKind
	// Text is the replacement content for KindText.
	Text string
	// Search and Replace drive literal substring replacement for
	// KindSearchReplace. Replace may be empty, meaning deletion of the
	// matched text.
	Search  string
	Replace string
	// Priority is the value assigned by KindPriority.
	Priority models.Priority
}

type EditKind string

const (
	KindText          EditKind = "text"
	KindSearchReplace EditKind = "search-replace"
	KindPriority      EditKind = "priority"
)

// Result reports what a bulk application did.
type Result struct {
	Updated int
	// Skipped counts prompts left untouched because their status forbids
	// editing or because a search term did not match.
	Skipped int
	Missing int
}

// Validate enforces the dialog-level contract: a non-empty search term for
// search/replace and a non-empty value for text and priority edits.
func (e Edit) Validate() error {
	switch e.Kind {
	case KindText:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: text must not be empty", ErrInvalidEdit)
		}
	case KindSearchReplace:
		if e.Search == "" {
			return fmt.Errorf("%w: search term must not be empty", ErrInvalidEdit)
		}
	case KindPriority:
		switch e.Priority {
		case models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
		default:
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidEdit, e.Priority)
		}
	default:
		return fmt.Errorf("%w: unknown edit kind %q", ErrInvalidEdit, e.Kind)
	}
	return nil
}

type Engine struct {
	queries *store.Queries
	logger  zerolog.Logger
}

func NewEngine(queries *store.Queries, logger zerolog.Logger) *Engine {
	return &Engine{queries: queries, logger: logger}
}

// Apply runs the edit over every selected prompt. Each prompt is re-read
// immediately before writing, and the write itself is guarded on the status
// still being editable, so a concurrent worker transition is never
// clobbered; prompts that became processing or completed in the meantime
// are skipped, not failed.
func (e *Engine) Apply(ctx context.Context, ids []string, edit Edit) (Result, error) {
	if err := edit.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, id := range ids {
		p, err := e.queries.GetPrompt(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.Missing++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("bulk edit: %w", err)
		}

		if !p.Status.Editable() {
			e.logger.Debug().Str("prompt_id", id).Str("status", string(p.Status)).
				Msg("bulk edit skipping non-editable prompt")
			res.Skipped++
			continue
		}

		changed := apply(p, edit)
		if !changed {
			res.Skipped++
			continue
		}

		switch err := e.queries.UpdatePromptEditable(ctx, *p); {
		case errors.Is(err, store.ErrNotEditable):
			e.logger.Debug().Str("prompt_id", id).Msg("bulk edit lost race to the worker")
			res.Skipped++
		case errors.Is(err, store.ErrNotFound):
			res.Missing++
		case err != nil:
			return res, fmt.Errorf("bulk edit: %w", err)
		default:
			res.Updated++
		}
	}
	return res, nil
}

func apply(p *models.Prompt, edit Edit) bool {
	switch edit.Kind {
	case KindText:
		p.Text = edit.Text
		return true
	case KindSearchReplace:
		if !strings.Contains(p.Text, edit.Search) {
			return false
		}
		p.Text = strings.ReplaceAll(p.Text, edit.Search, edit.Replace)
		return true
	case KindPriority:
		p.Priority = edit.Priority
		return true
	}
	return false
}
