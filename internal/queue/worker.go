package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"promptq/internal/models"
)

// Run is the worker loop. It owns the processing slot(s) exclusively: no
// other code path in the repository writes the processing status. Blocks
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	// Anything still marked processing at boot is an orphan from a previous
	// run; nothing can be in flight yet.
	if err := c.reconcileOrphans(ctx); err != nil {
		c.logger.Error().Err(err).Msg("reconciling orphaned prompts at boot")
	}

	state, err := c.queries.GetRunState(ctx)
	if err != nil {
		return err
	}
	phase := state.Phase

	runCtx, runCancel := context.WithCancel(ctx)
	defer func() { runCancel() }()
	var inFlight sync.WaitGroup
	slots := make(chan struct{}, c.concurrency)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.logger.Info().Str("phase", string(phase)).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			runCancel()
			inFlight.Wait()
			if err := c.reconcileOrphans(context.WithoutCancel(ctx)); err != nil {
				c.logger.Error().Err(err).Msg("reconciling prompts at shutdown")
			}
			c.logger.Info().Msg("worker stopped")
			return ctx.Err()

		case cmd := <-c.commands:
			switch cmd {
			case CommandStart:
				if phase != models.RunIdle {
					continue
				}
				if err := c.reconcileOrphans(ctx); err != nil {
					c.logger.Error().Err(err).Msg("reconciling orphaned prompts at start")
					continue
				}
				c.clearSkipped()
				runCancel()
				runCtx, runCancel = context.WithCancel(ctx)
				phase = c.setPhase(ctx, models.RunRunning, "")
			case CommandPause:
				// Pause only prevents the next dequeue; in-flight prompts
				// keep running and stay recorded as current.
				if phase == models.RunRunning {
					phase = c.setPhaseKeepCurrent(ctx, models.RunPaused)
				}
			case CommandResume:
				if phase == models.RunPaused {
					phase = c.setPhaseKeepCurrent(ctx, models.RunRunning)
				}
			case CommandStop:
				if phase == models.RunIdle {
					continue
				}
				runCancel()
				inFlight.Wait()
				if err := c.reconcileOrphans(ctx); err != nil {
					c.logger.Error().Err(err).Msg("reconciling prompts at stop")
				}
				c.clearSkipped()
				phase = c.setPhase(ctx, models.RunIdle, "")
			default:
				c.logger.Warn().Str("command", string(cmd)).Msg("unknown worker command")
			}
			c.notify()

		case <-ticker.C:
		}

		if phase == models.RunRunning {
			c.dispatch(ctx, runCtx, slots, &inFlight)
		}
	}
}

// dispatch fills free processing slots with the next eligible prompts. The
// transition into processing happens here, synchronously, so a prompt is
// never picked twice.
func (c *Controller) dispatch(ctx, runCtx context.Context, slots chan struct{}, inFlight *sync.WaitGroup) {
	for {
		select {
		case slots <- struct{}{}:
		default:
			return
		}

		prompts, err := c.queries.ListPrompts(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("listing prompts for dequeue")
			<-slots
			return
		}

		next := PickNext(prompts, c.eligible)
		if next == nil {
			<-slots
			return
		}

		next.Status = models.StatusProcessing
		if err := c.queries.UpsertPrompt(ctx, *next); err != nil {
			c.logger.Error().Err(err).Str("prompt_id", next.ID).Msg("claiming prompt")
			<-slots
			return
		}
		if err := c.queries.SetRunState(ctx, models.RunRunning, next.ID); err != nil {
			c.logger.Error().Err(err).Msg("recording current prompt")
		}
		c.notify()

		p := *next
		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			defer func() { <-slots }()
			c.process(runCtx, p)
		}()
	}
}

// process runs one generation call and records the outcome. Per-prompt
// failures are isolated: they mark the prompt failed and never stop the
// loop. A cancelled run writes nothing here; stop reconciles the orphaned
// processing row after all in-flight calls have drained.
func (c *Controller) process(runCtx context.Context, p models.Prompt) {
	genCtx, cancel := context.WithTimeout(runCtx, c.genTimeout)
	defer cancel()

	mediaURL, err := c.gen.Generate(genCtx, p)

	if runCtx.Err() != nil {
		c.logger.Info().Str("prompt_id", p.ID).Msg("generation interrupted by stop")
		return
	}

	// Writes below use a background-derived context: the outcome must be
	// recorded even while the service is shutting down.
	ctx, cancelWrite := context.WithTimeout(context.WithoutCancel(runCtx), 10*time.Second)
	defer cancelWrite()

	cur, getErr := c.queries.GetPrompt(ctx, p.ID)
	if getErr != nil {
		if !errors.Is(getErr, context.Canceled) {
			c.logger.Error().Err(getErr).Str("prompt_id", p.ID).Msg("re-reading prompt after generation")
		}
		return
	}
	if cur.Status != models.StatusProcessing {
		// Deleted batch cascade or stop reconciliation beat us to it.
		c.logger.Warn().Str("prompt_id", p.ID).Str("status", string(cur.Status)).
			Msg("prompt no longer processing, dropping result")
		return
	}

	if err != nil {
		cur.Status = models.StatusFailed
		cur.Error = err.Error()
		c.logger.Warn().Err(err).Str("prompt_id", p.ID).Msg("generation failed")
	} else {
		cur.Status = models.StatusCompleted
		cur.MediaURL = mediaURL
		cur.Error = ""
		c.logger.Info().Str("prompt_id", p.ID).Msg("generation completed")
	}

	if err := c.queries.UpsertPrompt(ctx, *cur); err != nil {
		c.logger.Error().Err(err).Str("prompt_id", p.ID).Msg("recording generation outcome")
		return
	}
	if err := c.clearCurrent(ctx, p.ID); err != nil {
		c.logger.Error().Err(err).Msg("clearing current prompt")
	}
	c.notify()
}

// reconcileOrphans flips any prompt still marked processing back to pending.
// Called when nothing can legitimately be in flight: boot, start, stop, and
// shutdown. Not a fatal condition, just a restart artifact.
func (c *Controller) reconcileOrphans(ctx context.Context) error {
	prompts, err := c.queries.ListPrompts(ctx)
	if err != nil {
		return err
	}
	for _, p := range prompts {
		if p.Status != models.StatusProcessing {
			continue
		}
		c.logger.Warn().Str("prompt_id", p.ID).Msg("reconciling orphaned processing prompt")
		p.Status = models.StatusPending
		p.Error = ""
		if err := c.queries.UpsertPrompt(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// setPhaseKeepCurrent changes the phase while preserving the recorded
// current prompt id, for transitions that leave in-flight work running.
func (c *Controller) setPhaseKeepCurrent(ctx context.Context, phase models.RunPhase) models.RunPhase {
	state, err := c.queries.GetRunState(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("reading run state")
		return c.setPhase(ctx, phase, "")
	}
	return c.setPhase(ctx, phase, state.CurrentPromptID)
}

func (c *Controller) setPhase(ctx context.Context, phase models.RunPhase, currentID string) models.RunPhase {
	if err := c.queries.SetRunState(ctx, phase, currentID); err != nil {
		c.logger.Error().Err(err).Str("phase", string(phase)).Msg("persisting run state")
	}
	c.logger.Info().Str("phase", string(phase)).Msg("run state changed")
	return phase
}

// clearCurrent empties the current prompt id if it still points at the
// finished prompt, preserving the phase.
func (c *Controller) clearCurrent(ctx context.Context, id string) error {
	state, err := c.queries.GetRunState(ctx)
	if err != nil {
		return err
	}
	if state.CurrentPromptID != id {
		return nil
	}
	return c.queries.SetRunState(ctx, state.Phase, "")
}
