package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"promptq/internal/aggregate"
	"promptq/internal/models"
	"promptq/internal/selection"
	"promptq/internal/store"
)

// fakeGenerator blocks inside Generate until the test releases it, so tests
// can observe the processing state deterministically.
type fakeGenerator struct {
	started chan string
	release chan error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		started: make(chan string),
		release: make(chan error),
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, p models.Prompt) (string, error) {
	select {
	case g.started <- p.ID:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case err := <-g.release:
		if err != nil {
			return "", err
		}
		return "media://" + p.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fixture struct {
	queries    *store.Queries
	tracker    *selection.Tracker
	gen        *fakeGenerator
	controller *Controller
	batch      *models.Batch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	queries := store.NewQueries(db)
	tracker := selection.NewTracker()
	gen := newFakeGenerator()
	controller := NewController(Options{
		Queries:      queries,
		Tracker:      tracker,
		Generator:    gen,
		Logger:       zerolog.Nop(),
		PollInterval: 10 * time.Millisecond,
		GenTimeout:   time.Minute,
	})

	batch, err := queries.CreateBatch(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{queries: queries, tracker: tracker, gen: gen, controller: controller, batch: batch}
}

func (f *fixture) seed(t *testing.T, text string, status models.Status) models.Prompt {
	t.Helper()
	p, err := f.queries.CreatePrompt(context.Background(), f.batch.ID, text, models.MediaImage, models.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.StatusPending {
		p.Status = status
		if status == models.StatusFailed {
			p.Error = "broke"
		}
		if err := f.queries.UpsertPrompt(context.Background(), *p); err != nil {
			t.Fatal(err)
		}
	}
	return *p
}

// startWorker runs the worker loop for the duration of the test.
func (f *fixture) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.controller.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not shut down")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.gen.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for generation to start")
		return ""
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	failed := f.seed(t, "keep me", models.StatusFailed)

	if err := f.controller.Retry(ctx, failed.ID); err != nil {
		t.Fatal(err)
	}

	got, err := f.queries.GetPrompt(ctx, failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("error = %q, want cleared", got.Error)
	}
	if got.Text != "keep me" || got.ID != failed.ID || got.Priority != failed.Priority {
		t.Fatal("retry must not change text, priority, or id")
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pending := f.seed(t, "p", models.StatusPending)

	if err := f.controller.Retry(ctx, pending.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestClean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Nothing qualifies: no-op regardless of the confirmation value.
	deleted, err := f.controller.Clean(ctx, 99)
	if err != nil || deleted != 0 {
		t.Fatalf("empty clean = (%d, %v), want (0, nil)", deleted, err)
	}

	f.seed(t, "c1", models.StatusCompleted)
	f.seed(t, "c2", models.StatusCompleted)
	f.seed(t, "f1", models.StatusFailed)
	f.seed(t, "p1", models.StatusPending)
	f.seed(t, "p2", models.StatusPending)

	if _, err := f.controller.Clean(ctx, 2); !errors.Is(err, ErrConfirmMismatch) {
		t.Fatalf("expected ErrConfirmMismatch, got %v", err)
	}

	deleted, err = f.controller.Clean(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	prompts, err := f.queries.ListPrompts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 2 {
		t.Fatalf("remaining = %d, want 2", len(prompts))
	}
	for _, p := range prompts {
		if p.Status != models.StatusPending || p.BatchID != f.batch.ID {
			t.Fatalf("unexpected survivor: %+v", p)
		}
	}
}

func TestWorkerProcessesQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.seed(t, "first", models.StatusPending)
	second := f.seed(t, "second", models.StatusPending)

	f.startWorker(t)
	if err := f.controller.Send(CommandStart); err != nil {
		t.Fatal(err)
	}

	if id := f.waitStarted(t); id != first.ID {
		t.Fatalf("started %s, want %s", id, first.ID)
	}

	// Single-concurrency: exactly one prompt processing while in flight.
	prompts, err := f.queries.ListPrompts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := aggregate.Totals(prompts).ProcessingCount; got != 1 {
		t.Fatalf("processing count = %d, want 1", got)
	}

	f.gen.release <- nil

	if id := f.waitStarted(t); id != second.ID {
		t.Fatalf("started %s, want %s", id, second.ID)
	}
	f.gen.release <- errors.New("backend rejected prompt")

	waitFor(t, "both outcomes recorded", func() bool {
		a, err := f.queries.GetPrompt(ctx, first.ID)
		if err != nil {
			return false
		}
		b, err := f.queries.GetPrompt(ctx, second.ID)
		if err != nil {
			return false
		}
		return a.Status == models.StatusCompleted && b.Status == models.StatusFailed
	})

	a, err := f.queries.GetPrompt(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.MediaURL != "media://"+first.ID {
		t.Fatalf("media url = %q", a.MediaURL)
	}
	b, err := f.queries.GetPrompt(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Error != "backend rejected prompt" {
		t.Fatalf("error = %q", b.Error)
	}
}

func TestStopReconcilesProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	prompt := f.seed(t, "in flight", models.StatusPending)

	f.startWorker(t)
	if err := f.controller.Send(CommandStart); err != nil {
		t.Fatal(err)
	}
	f.waitStarted(t)

	if err := f.controller.Send(CommandStop); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "run state idle", func() bool {
		rs, err := f.queries.GetRunState(ctx)
		return err == nil && rs.Phase == models.RunIdle && rs.CurrentPromptID == ""
	})

	got, err := f.queries.GetPrompt(ctx, prompt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("status after stop = %s, want pending", got.Status)
	}

	prompts, err := f.queries.ListPrompts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if aggregate.Totals(prompts).ProcessingCount != 0 {
		t.Fatal("a prompt was left processing after stop")
	}
}

func TestPauseHoldsNextDequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.seed(t, "first", models.StatusPending)
	second := f.seed(t, "second", models.StatusPending)

	f.startWorker(t)
	if err := f.controller.Send(CommandStart); err != nil {
		t.Fatal(err)
	}
	f.waitStarted(t)

	// Pause while first is in flight, then let it finish.
	if err := f.controller.Send(CommandPause); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "paused state", func() bool {
		rs, err := f.queries.GetRunState(ctx)
		return err == nil && rs.Phase == models.RunPaused
	})
	f.gen.release <- nil

	waitFor(t, "first completed", func() bool {
		p, err := f.queries.GetPrompt(ctx, first.ID)
		return err == nil && p.Status == models.StatusCompleted
	})

	// The second prompt must not start while paused.
	select {
	case id := <-f.gen.started:
		t.Fatalf("prompt %s dequeued while paused", id)
	case <-time.After(100 * time.Millisecond):
	}

	if err := f.controller.Send(CommandResume); err != nil {
		t.Fatal(err)
	}
	if id := f.waitStarted(t); id != second.ID {
		t.Fatalf("resumed with %s, want %s", id, second.ID)
	}
	f.gen.release <- nil
}

func TestPausePreservesCurrentPrompt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	prompt := f.seed(t, "in flight", models.StatusPending)

	f.startWorker(t)
	if err := f.controller.Send(CommandStart); err != nil {
		t.Fatal(err)
	}
	f.waitStarted(t)

	waitFor(t, "current prompt recorded", func() bool {
		rs, err := f.queries.GetRunState(ctx)
		return err == nil && rs.CurrentPromptID == prompt.ID
	})

	if err := f.controller.Send(CommandPause); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "paused state", func() bool {
		rs, err := f.queries.GetRunState(ctx)
		return err == nil && rs.Phase == models.RunPaused
	})
	rs, err := f.queries.GetRunState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.CurrentPromptID != prompt.ID {
		t.Fatalf("current prompt after pause = %q, want %q", rs.CurrentPromptID, prompt.ID)
	}

	if err := f.controller.Send(CommandResume); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running state", func() bool {
		rs, err := f.queries.GetRunState(ctx)
		return err == nil && rs.Phase == models.RunRunning
	})
	rs, err = f.queries.GetRunState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.CurrentPromptID != prompt.ID {
		t.Fatalf("current prompt after resume = %q, want %q", rs.CurrentPromptID, prompt.ID)
	}

	// Finishing the in-flight prompt clears the id as usual.
	f.gen.release <- nil
	waitFor(t, "current prompt cleared", func() bool {
		rs, err := f.queries.GetRunState(ctx)
		return err == nil && rs.CurrentPromptID == ""
	})
}

func TestWorkerSkipsDisabledPrompts(t *testing.T) {
	f := newFixture(t)
	disabled := f.seed(t, "disabled", models.StatusPending)
	enabled := f.seed(t, "enabled", models.StatusPending)
	f.tracker.ToggleEnabled(disabled.ID)

	f.startWorker(t)
	if err := f.controller.Send(CommandStart); err != nil {
		t.Fatal(err)
	}

	if id := f.waitStarted(t); id != enabled.ID {
		t.Fatalf("started %s, want %s", id, enabled.ID)
	}
	f.gen.release <- nil
}

func TestSkipAdvancesPastPrompt(t *testing.T) {
	f := newFixture(t)
	first := f.seed(t, "first", models.StatusPending)
	skipped := f.seed(t, "skipped", models.StatusPending)
	next := f.seed(t, "next", models.StatusPending)

	f.startWorker(t)
	if err := f.controller.Send(CommandStart); err != nil {
		t.Fatal(err)
	}
	if id := f.waitStarted(t); id != first.ID {
		t.Fatalf("started %s, want %s", id, first.ID)
	}

	// Skip applies within the current run, so it lands while in flight.
	f.controller.Skip(skipped.ID)
	f.gen.release <- nil

	if id := f.waitStarted(t); id != next.ID {
		t.Fatalf("started %s, want %s", id, next.ID)
	}
	f.gen.release <- nil

	// Skipped prompt stays pending and untouched.
	got, err := f.queries.GetPrompt(context.Background(), skipped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("skipped prompt status = %s, want pending", got.Status)
	}
}

func TestBootReconcilesOrphanedProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orphan := f.seed(t, "orphan", models.StatusProcessing)

	f.startWorker(t)

	waitFor(t, "orphan reconciled", func() bool {
		p, err := f.queries.GetPrompt(ctx, orphan.ID)
		return err == nil && p.Status == models.StatusPending
	})
}

func TestSendReportsFullChannel(t *testing.T) {
	f := newFixture(t)
	// No worker running: fill the backlog.
	c := NewController(Options{
		Queries:        f.queries,
		Tracker:        f.tracker,
		Generator:      f.gen,
		Logger:         zerolog.Nop(),
		CommandBacklog: 1,
	})
	if err := c.Send(CommandStart); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(CommandStart); !errors.Is(err, ErrCommandChannelFull) {
		t.Fatalf("expected ErrCommandChannelFull, got %v", err)
	}
}
