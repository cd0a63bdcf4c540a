package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"promptq/internal/aggregate"
	"promptq/internal/bulk"
	"promptq/internal/export"
	"promptq/internal/models"
	"promptq/internal/queue"
	"promptq/internal/store"
)

var (
	errBadRequest  = errors.New("bad request")
	errNotEditable = errors.New("prompt is not editable")
)

// defaultBatchLabel names the batch created implicitly when a prompt arrives
// without a target batch.
const defaultBatchLabel = "Queue"

type promptView struct {
	ID            string `json:"id"`
	BatchID       string `json:"batchId"`
	Text          string `json:"text"`
	MediaType     string `json:"mediaType"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	AttachedImage string `json:"attachedImage,omitempty"`
	MediaURL      string `json:"mediaUrl,omitempty"`
	Error         string `json:"error,omitempty"`
	Position      int    `json:"position"`
	Selected      bool   `json:"selected"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

type batchView struct {
	ID      string                `json:"id"`
	Label   string                `json:"label"`
	Counts  aggregate.BatchCounts `json:"counts"`
	Prompts []promptView          `json:"prompts"`
}

type queueView struct {
	Phase           string                `json:"phase"`
	CurrentPromptID string                `json:"currentPromptId,omitempty"`
	Totals          aggregate.BatchCounts `json:"totals"`
	Batches         []batchView           `json:"batches"`
}

func (s *Server) promptView(p models.Prompt) promptView {
	return promptView{
		ID:            p.ID,
		BatchID:       p.BatchID,
		Text:          p.Text,
		MediaType:     string(p.MediaType),
		Priority:      string(p.Priority),
		Status:        string(p.Status),
		AttachedImage: p.AttachedImage,
		MediaURL:      p.MediaURL,
		Error:         p.Error,
		Position:      p.Position,
		Selected:      s.tracker.IsSelected(p.ID),
		Enabled:       s.tracker.IsEnabled(p.ID),
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
}

// handleQueue is the single read endpoint UI contexts reload from: run
// state, every batch with derived counts, and the prompts themselves.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := s.queries.GetRunState(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	prompts, err := s.queries.ListPrompts(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	batches, err := s.queries.ListBatches(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	existing := make(map[string]struct{}, len(prompts))
	for _, p := range prompts {
		existing[p.ID] = struct{}{}
	}
	s.tracker.Prune(existing)

	view := queueView{
		Phase:           string(state.Phase),
		CurrentPromptID: state.CurrentPromptID,
		Totals:          aggregate.Totals(prompts),
		Batches:         make([]batchView, 0, len(batches)),
	}
	for _, b := range batches {
		bv := batchView{
			ID:     b.ID,
			Label:  b.Label,
			Counts: aggregate.Counts(prompts, b.ID),
		}
		for _, p := range prompts {
			if p.BatchID == b.ID {
				bv.Prompts = append(bv.Prompts, s.promptView(p))
			}
		}
		view.Batches = append(view.Batches, bv)
	}

	s.writeJSON(w, http.StatusOK, view)
}

// handleCommand forwards one queue command to the worker context. The
// delivery is fire-and-forget: the response only acknowledges that the
// command was handed off, and the client re-reads /api/queue afterwards.
func (s *Server) handleCommand(cmd queue.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.controller.Send(cmd); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"command": string(cmd)})
	}
}

type cleanCountsResponse struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

func (s *Server) handleCleanCounts(w http.ResponseWriter, r *http.Request) {
	completed, failed, err := s.controller.CleanCounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cleanCountsResponse{
		Completed: completed,
		Failed:    failed,
		Total:     completed + failed,
	})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Confirm int `json:"confirm"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	deleted, err := s.controller.Clean(r.Context(), req.Confirm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deleted > 0 {
		s.hub.Broadcast(EventPrompts)
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

type createPromptsRequest struct {
	Text      string   `json:"text"`
	Texts     []string `json:"texts"`
	BatchID   string   `json:"batchId"`
	BatchLbl  string   `json:"batchLabel"`
	MediaType string   `json:"mediaType"`
	Priority  string   `json:"priority"`
}

func (s *Server) handleCreatePrompts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decode[createPromptsRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	texts := req.Texts
	for _, line := range strings.Split(req.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			texts = append(texts, line)
		}
	}
	if len(texts) == 0 {
		s.writeError(w, fmt.Errorf("%w: no prompt text given", errBadRequest))
		return
	}

	mediaType := models.MediaType(req.MediaType)
	if mediaType == "" {
		mediaType = models.MediaImage
	}
	if mediaType != models.MediaImage && mediaType != models.MediaVideo {
		s.writeError(w, fmt.Errorf("%w: unknown media type %q", errBadRequest, req.MediaType))
		return
	}
	priority := models.Priority(req.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}
	switch priority {
	case models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
	default:
		s.writeError(w, fmt.Errorf("%w: unknown priority %q", errBadRequest, req.Priority))
		return
	}

	batchID := req.BatchID
	if batchID == "" {
		label := req.BatchLbl
		if label == "" {
			label = defaultBatchLabel
		}
		batch, err := s.queries.FindBatchByLabel(ctx, label)
		if err != nil {
			batch, err = s.queries.CreateBatch(ctx, label)
			if err != nil {
				s.writeError(w, err)
				return
			}
		}
		batchID = batch.ID
	} else if _, err := s.queries.GetBatch(ctx, batchID); err != nil {
		s.writeError(w, err)
		return
	}

	created := make([]promptView, 0, len(texts))
	for _, text := range texts {
		p, err := s.queries.CreatePrompt(ctx, batchID, text, mediaType, priority)
		if err != nil {
			s.writeError(w, err)
			return
		}
		created = append(created, s.promptView(*p))
	}

	s.hub.Broadcast(EventPrompts)
	s.writeJSON(w, http.StatusCreated, map[string]any{"prompts": created})
}

type editPromptRequest struct {
	Text          *string `json:"text"`
	AttachedImage *string `json:"attachedImage"`
	Status        *string `json:"status"`
}

// handleEditPrompt mutates a single prompt from the UI side. Text and
// attached image changes require an editable status; the only status
// transitions accepted here are pending ⇄ editing.
func (s *Server) handleEditPrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decode[editPromptRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.queries.GetPrompt(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.Status != nil {
		next := models.Status(*req.Status)
		ok := (p.Status == models.StatusPending && next == models.StatusEditing) ||
			(p.Status == models.StatusEditing && next == models.StatusPending)
		if !ok {
			s.writeError(w, fmt.Errorf("cannot move %s to %s: %w", p.Status, next, errNotEditable))
			return
		}
		p.Status = next
	}
	if req.Text != nil || req.AttachedImage != nil {
		if !p.Status.Editable() {
			s.writeError(w, fmt.Errorf("prompt %s is %s: %w", p.ID, p.Status, errNotEditable))
			return
		}
		if req.Text != nil {
			if strings.TrimSpace(*req.Text) == "" {
				s.writeError(w, fmt.Errorf("%w: text must not be empty", errBadRequest))
				return
			}
			p.Text = *req.Text
		}
		if req.AttachedImage != nil {
			p.AttachedImage = *req.AttachedImage
		}
	}

	// Guarded on the stored status so the write cannot overwrite a claim
	// the worker made after our read.
	if err := s.queries.UpdatePromptEditable(ctx, *p); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(EventPrompts)
	s.writeJSON(w, http.StatusOK, s.promptView(*p))
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.queries.GetPrompt(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Processing prompts belong to the worker; completed ones go through
	// the clean operation.
	if p.Status == models.StatusProcessing || p.Status == models.StatusCompleted {
		s.writeError(w, fmt.Errorf("prompt %s is %s: %w", p.ID, p.Status, errNotEditable))
		return
	}
	if err := s.queries.DeletePrompt(ctx, p.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(EventPrompts)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Retry(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(EventPrompts)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	p, err := s.queries.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.controller.Skip(p.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleCopyPrompt backs both duplicate and generate-similar: copy the
// source prompt's fields under a new id with status pending, appended to
// the same batch.
func (s *Server) handleCopyPrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src, err := s.queries.GetPrompt(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	dup, err := s.queries.CreatePrompt(ctx, src.BatchID, src.Text, src.MediaType, src.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if src.AttachedImage != "" {
		dup.AttachedImage = src.AttachedImage
		// The worker may already have claimed the copy; the image is then
		// dropped rather than the claim overwritten.
		if err := s.queries.UpdatePromptEditable(ctx, *dup); err != nil && !errors.Is(err, store.ErrNotEditable) {
			s.writeError(w, err)
			return
		}
	}

	s.hub.Broadcast(EventPrompts)
	s.writeJSON(w, http.StatusCreated, s.promptView(*dup))
}

type bulkEditRequest struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Search   string `json:"search"`
	Replace  string `json:"replace"`
	Priority string `json:"priority"`
}

// handleBulkEdit applies one edit across the current selection. Invalid
// input is rejected here; the engine additionally skips any selected prompt
// it cannot legally mutate.
func (s *Server) handleBulkEdit(w http.ResponseWriter, r *http.Request) {
	req, err := decode[bulkEditRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	edit := bulk.Edit{
		Kind:     bulk.EditKind(req.Kind),
		Text:     req.Text,
		Search:   req.Search,
		Replace:  req.Replace,
		Priority: models.Priority(req.Priority),
	}
	if err := edit.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.Apply(r.Context(), s.tracker.Selected(), edit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Updated > 0 {
		s.hub.Broadcast(EventPrompts)
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"updated": res.Updated,
		"skipped": res.Skipped,
		"missing": res.Missing,
	})
}

// Selection endpoints mutate session state only; they never touch the
// store. They still broadcast so other open UI surfaces stay in sync.

func (s *Server) handleToggleSelection(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.tracker.ToggleSelection(req.ID)
	s.hub.Broadcast(EventSelection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		IDs []string `json:"ids"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.tracker.SelectAll(req.IDs)
	s.hub.Broadcast(EventSelection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.tracker.ClearSelection()
	s.hub.Broadcast(EventSelection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleEnabled(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		ID string `json:"id"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.tracker.ToggleEnabled(req.ID)
	s.hub.Broadcast(EventSelection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableAll(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		IDs []string `json:"ids"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.tracker.EnableAll(req.IDs)
	s.hub.Broadcast(EventSelection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisableAll(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		IDs []string `json:"ids"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.tracker.DisableAll(req.IDs)
	s.hub.Broadcast(EventSelection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Label string `json:"label"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Label) == "" {
		s.writeError(w, fmt.Errorf("%w: label must not be empty", errBadRequest))
		return
	}
	if err := s.queries.RenameBatch(r.Context(), r.PathValue("id"), req.Label); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(EventPrompts)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.queries.DeleteBatch(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(EventPrompts)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	prompts, err := s.queries.ListPrompts(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	batches, err := s.queries.ListBatches(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=prompts.%s", format))
	if err := export.Write(w, prompts, batches, format); err != nil {
		s.logger.Error().Err(err).Msg("writing export")
	}
}
