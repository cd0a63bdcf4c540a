package bulk

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"promptq/internal/models"
	"promptq/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Queries) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	queries := store.NewQueries(db)
	return NewEngine(queries, zerolog.Nop()), queries
}

func seedPrompt(t *testing.T, q *store.Queries, batchID, text string, status models.Status) models.Prompt {
	t.Helper()
	p, err := q.CreatePrompt(context.Background(), batchID, text, models.MediaImage, models.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.StatusPending {
		p.Status = status
		if err := q.UpsertPrompt(context.Background(), *p); err != nil {
			t.Fatal(err)
		}
	}
	return *p
}

func TestSearchReplace(t *testing.T) {
	ctx := context.Background()
	engine, queries := newTestEngine(t)
	batch, err := queries.CreateBatch(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}

	pending := seedPrompt(t, queries, batch.ID, "a cat sat", models.StatusPending)
	processing := seedPrompt(t, queries, batch.ID, "a cat ran", models.StatusProcessing)

	res, err := engine.Apply(ctx, []string{pending.ID, processing.ID}, Edit{
		Kind: KindSearchReplace, Search: "cat", Replace: "dog",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v, want 1 updated / 1 skipped", res)
	}

	got, err := queries.GetPrompt(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "a dog sat" {
		t.Fatalf("pending text = %q, want %q", got.Text, "a dog sat")
	}

	untouched, err := queries.GetPrompt(ctx, processing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.Text != "a cat ran" {
		t.Fatalf("processing prompt was modified: %q", untouched.Text)
	}
}

func TestSearchReplaceEmptyReplaceDeletesMatch(t *testing.T) {
	ctx := context.Background()
	engine, queries := newTestEngine(t)
	batch, err := queries.CreateBatch(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	p := seedPrompt(t, queries, batch.ID, "a very cat", models.StatusPending)

	if _, err := engine.Apply(ctx, []string{p.ID}, Edit{Kind: KindSearchReplace, Search: " very"}); err != nil {
		t.Fatal(err)
	}
	got, err := queries.GetPrompt(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "a cat" {
		t.Fatalf("text = %q, want %q", got.Text, "a cat")
	}
}

func TestTextReplaceAcrossStatuses(t *testing.T) {
	ctx := context.Background()
	engine, queries := newTestEngine(t)
	batch, err := queries.CreateBatch(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		status     models.Status
		wantChange bool
	}{
		{models.StatusPending, true},
		{models.StatusFailed, true},
		{models.StatusEditing, true},
		{models.StatusProcessing, false},
		{models.StatusCompleted, false},
	}

	for _, tc := range cases {
		p := seedPrompt(t, queries, batch.ID, "original", tc.status)
		res, err := engine.Apply(ctx, []string{p.ID}, Edit{Kind: KindText, Text: "rewritten"})
		if err != nil {
			t.Fatalf("%s: %v", tc.status, err)
		}
		got, err := queries.GetPrompt(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if tc.wantChange && (res.Updated != 1 || got.Text != "rewritten") {
			t.Fatalf("%s: expected update, got %+v text %q", tc.status, res, got.Text)
		}
		if !tc.wantChange && (res.Skipped != 1 || got.Text != "original") {
			t.Fatalf("%s: expected skip, got %+v text %q", tc.status, res, got.Text)
		}
	}
}

func TestPriorityEdit(t *testing.T) {
	ctx := context.Background()
	engine, queries := newTestEngine(t)
	batch, err := queries.CreateBatch(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	p := seedPrompt(t, queries, batch.ID, "p", models.StatusPending)

	if _, err := engine.Apply(ctx, []string{p.ID}, Edit{Kind: KindPriority, Priority: models.PriorityHigh}); err != nil {
		t.Fatal(err)
	}
	got, err := queries.GetPrompt(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != models.PriorityHigh {
		t.Fatalf("priority = %s, want high", got.Priority)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit Edit
		ok   bool
	}{
		{"empty text", Edit{Kind: KindText, Text: "  "}, false},
		{"empty search", Edit{Kind: KindSearchReplace, Search: ""}, false},
		{"empty replace is fine", Edit{Kind: KindSearchReplace, Search: "x"}, true},
		{"bad priority", Edit{Kind: KindPriority, Priority: "urgent"}, false},
		{"good priority", Edit{Kind: KindPriority, Priority: models.PriorityLow}, true},
		{"unknown kind", Edit{Kind: "rename"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.edit.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidEdit) {
				t.Fatalf("expected ErrInvalidEdit, got %v", err)
			}
		})
	}
}

func TestInvalidEditMutatesNothing(t *testing.T) {
	ctx := context.Background()
	engine, queries := newTestEngine(t)
	batch, err := queries.CreateBatch(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	p := seedPrompt(t, queries, batch.ID, "untouched", models.StatusPending)

	if _, err := engine.Apply(ctx, []string{p.ID}, Edit{Kind: KindSearchReplace, Search: ""}); !errors.Is(err, ErrInvalidEdit) {
		t.Fatalf("expected ErrInvalidEdit, got %v", err)
	}
	got, err := queries.GetPrompt(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "untouched" {
		t.Fatalf("text = %q, want untouched", got.Text)
	}
}
