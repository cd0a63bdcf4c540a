// Package queue owns the run state machine and the background worker that
// drives prompts through the generation backend. The worker goroutine is the
// only code path that sets or clears the processing status; UI-facing
// methods only ever request transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"promptq/internal/aggregate"
	"promptq/internal/generate"
	"promptq/internal/models"
	"promptq/internal/selection"
	"promptq/internal/store"
)

type Command string

const (
	CommandStart  Command = "startQueue"
	CommandPause  Command = "pauseQueue"
	CommandResume Command = "resumeQueue"
	CommandStop   Command = "stopQueue"
)

var (
	// ErrCommandChannelFull is the command-channel failure surfaced to the
	// UI as a best-effort error; commands are never retried automatically.
	ErrCommandChannelFull = errors.New("worker command channel full")
	// ErrConfirmMismatch is returned when a clean request does not echo the
	// number of records about to be deleted.
	ErrConfirmMismatch = errors.New("confirmation count mismatch")
	// ErrNotRetryable is returned when retry targets a prompt that is not
	// failed.
	ErrNotRetryable = errors.New("prompt is not failed")
)

type Options struct {
	Queries      *store.Queries
	Tracker      *selection.Tracker
	Generator    generate.Generator
	Logger       zerolog.Logger
	PollInterval time.Duration
	GenTimeout   time.Duration
	// Concurrency bounds the number of in-flight generations. Defaults to 1.
	Concurrency int
	// CommandBacklog sizes the UI-to-worker command channel.
	CommandBacklog int
	// Notify, when set, is called after every store mutation the worker
	// makes so UI contexts can re-read.
	Notify func()
}

type Controller struct {
	queries *store.Queries
	tracker *selection.Tracker
	gen     generate.Generator
	logger  zerolog.Logger

	pollInterval time.Duration
	genTimeout   time.Duration
	concurrency  int
	notify       func()

	commands chan Command

	mu      sync.Mutex
	skipped map[string]struct{}
}

func NewController(opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.GenTimeout <= 0 {
		opts.GenTimeout = 5 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.CommandBacklog < 1 {
		opts.CommandBacklog = 16
	}
	notify := opts.Notify
	if notify == nil {
		notify = func() {}
	}
	return &Controller{
		queries:      opts.Queries,
		tracker:      opts.Tracker,
		gen:          opts.Generator,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		genTimeout:   opts.GenTimeout,
		concurrency:  opts.Concurrency,
		notify:       notify,
		commands:     make(chan Command, opts.CommandBacklog),
		skipped:      make(map[string]struct{}),
	}
}

// Send delivers a command to the worker context without blocking. The caller
// treats it as fire-and-forget and re-reads the store afterwards; a full
// channel is reported, logged, and not retried.
func (c *Controller) Send(cmd Command) error {
	select {
	case c.commands <- cmd:
		return nil
	default:
		c.logger.Error().Str("command", string(cmd)).Msg("command channel full")
		return fmt.Errorf("sending %s: %w", cmd, ErrCommandChannelFull)
	}
}

// Retry requests a failed prompt be queued again: status back to pending,
// error cleared, everything else untouched. It never sets processing; only
// the worker owns that transition.
func (c *Controller) Retry(ctx context.Context, id string) error {
	p, err := c.queries.GetPrompt(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != models.StatusFailed {
		return fmt.Errorf("retrying prompt %s (status %s): %w", id, p.Status, ErrNotRetryable)
	}
	p.Status = models.StatusPending
	p.Error = ""
	// Guarded write: a clean racing this retry deletes the row and the
	// update reports not found instead of resurrecting it.
	if err := c.queries.UpdatePromptEditable(ctx, *p); err != nil {
		return err
	}
	c.notify()
	return nil
}

// Skip advances the dequeue cursor past the prompt for the remainder of the
// current run. The prompt stays pending and visible; the skip set is cleared
// on the next start or stop.
func (c *Controller) Skip(id string) {
	c.mu.Lock()
	c.skipped[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) clearSkipped() {
	c.mu.Lock()
	c.skipped = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *Controller) isSkipped(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.skipped[id]
	return ok
}

// CleanCounts reports how many prompts a clean would delete, for the
// confirmation dialog.
func (c *Controller) CleanCounts(ctx context.Context) (completed, failed int, err error) {
	prompts, err := c.queries.ListPrompts(ctx)
	if err != nil {
		return 0, 0, err
	}
	totals := aggregate.Totals(prompts)
	return totals.CompletedCount, totals.FailedCount, nil
}

// Clean removes every completed and failed prompt in one store operation.
// Zero qualifying records is a no-op: no confirmation required, no store
// call. Otherwise confirm must equal the exact total about to be removed.
func (c *Controller) Clean(ctx context.Context, confirm int) (int, error) {
	completed, failed, err := c.CleanCounts(ctx)
	if err != nil {
		return 0, err
	}
	total := completed + failed
	if total == 0 {
		return 0, nil
	}
	if confirm != total {
		return 0, fmt.Errorf("expected %d (%d completed, %d failed), got %d: %w",
			total, completed, failed, confirm, ErrConfirmMismatch)
	}
	deleted, err := c.queries.DeleteCompletedAndFailed(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Int("deleted", deleted).Msg("cleaned completed and failed prompts")
	c.notify()
	return deleted, nil
}

// eligible is the dequeue filter: not disabled for automatic processing and
// not skipped this run.
func (c *Controller) eligible(id string) bool {
	return c.tracker.IsEnabled(id) && !c.isSkipped(id)
}
