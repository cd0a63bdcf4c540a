package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"promptq/internal/bulk"
	"promptq/internal/queue"
	"promptq/internal/selection"
	"promptq/internal/store"
)

type Options struct {
	Addr       string
	Queries    *store.Queries
	Controller *queue.Controller
	Tracker    *selection.Tracker
	Engine     *bulk.Engine
	Hub        *Hub
	Logger     zerolog.Logger
}

type Server struct {
	queries    *store.Queries
	controller *queue.Controller
	tracker    *selection.Tracker
	engine     *bulk.Engine
	hub        *Hub
	logger     zerolog.Logger

	httpSrv  *http.Server
	ln       net.Listener
	bindAddr string
	addr     string
}

func New(opts Options) *Server {
	s := &Server{
		queries:    opts.Queries,
		controller: opts.Controller,
		tracker:    opts.Tracker,
		engine:     opts.Engine,
		hub:        opts.Hub,
		logger:     opts.Logger,
		bindAddr:   opts.Addr,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("POST /api/queue/start", s.handleCommand(queue.CommandStart))
	mux.HandleFunc("POST /api/queue/pause", s.handleCommand(queue.CommandPause))
	mux.HandleFunc("POST /api/queue/resume", s.handleCommand(queue.CommandResume))
	mux.HandleFunc("POST /api/queue/stop", s.handleCommand(queue.CommandStop))
	mux.HandleFunc("GET /api/queue/clean", s.handleCleanCounts)
	mux.HandleFunc("POST /api/queue/clean", s.handleClean)

	mux.HandleFunc("POST /api/prompts", s.handleCreatePrompts)
	mux.HandleFunc("PATCH /api/prompts/{id}", s.handleEditPrompt)
	mux.HandleFunc("DELETE /api/prompts/{id}", s.handleDeletePrompt)
	mux.HandleFunc("POST /api/prompts/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/prompts/{id}/skip", s.handleSkip)
	mux.HandleFunc("POST /api/prompts/{id}/duplicate", s.handleCopyPrompt)
	mux.HandleFunc("POST /api/prompts/{id}/similar", s.handleCopyPrompt)
	mux.HandleFunc("POST /api/prompts/bulk", s.handleBulkEdit)

	mux.HandleFunc("POST /api/selection/toggle", s.handleToggleSelection)
	mux.HandleFunc("POST /api/selection/select-all", s.handleSelectAll)
	mux.HandleFunc("POST /api/selection/clear", s.handleClearSelection)
	mux.HandleFunc("POST /api/selection/toggle-enabled", s.handleToggleEnabled)
	mux.HandleFunc("POST /api/selection/enable", s.handleEnableAll)
	mux.HandleFunc("POST /api/selection/disable", s.handleDisableAll)

	mux.HandleFunc("PATCH /api/batches/{id}", s.handleRenameBatch)
	mux.HandleFunc("DELETE /api/batches/{id}", s.handleDeleteBatch)

	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Listen binds the server. Call Serve to start handling requests.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.bindAddr, err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	return nil
}

// Serve starts handling HTTP requests. Blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.httpSrv.Shutdown(context.Background())
	}()

	s.logger.Info().Str("addr", s.addr).Msg("server listening")

	if err := s.httpSrv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bulk.ErrInvalidEdit), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrConfirmMismatch),
		errors.Is(err, queue.ErrNotRetryable),
		errors.Is(err, store.ErrNotEditable),
		errors.Is(err, errNotEditable):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrCommandChannelFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("%w: decoding request body: %v", errBadRequest, err)
	}
	return v, nil
}
