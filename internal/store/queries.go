package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptq/internal/models"
)

var (
	// ErrNotFound is returned when a prompt or batch id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotEditable is returned by UpdatePromptEditable when the stored
	// status moved out of the editable set between read and write.
	ErrNotEditable = errors.New("prompt is no longer editable")
)

type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

func promptColumns(alias string) string {
	if alias != "" {
		alias += "."
	}
	cols := []string{"id", "batch_id", "text", "media_type", "priority", "status",
		"attached_image", "media_url", "error", "position", "created_at", "updated_at"}
	for i, c := range cols {
		cols[i] = alias + c
	}
	return strings.Join(cols, ", ")
}

func scanPrompt(row interface{ Scan(...any) error }) (models.Prompt, error) {
	var p models.Prompt
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.BatchID, &p.Text, &p.MediaType, &p.Priority, &p.Status,
		&p.AttachedImage, &p.MediaURL, &p.Error, &p.Position, &createdAt, &updatedAt)
	if err != nil {
		return models.Prompt{}, err
	}
	p.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	p.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return p, nil
}

// Prompts

// ListPrompts returns every prompt ordered for processing: batches in
// creation order, prompts by position within their batch.
func (q *Queries) ListPrompts(ctx context.Context) ([]models.Prompt, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+promptColumns("p")+`
		 FROM prompts p
		 JOIN batches b ON b.id = p.batch_id
		 ORDER BY b.created_at ASC, b.rowid ASC, p.position ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}
	defer rows.Close()

	var results []models.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning prompt: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (q *Queries) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+promptColumns("")+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting prompt: %w", err)
	}
	return &p, nil
}

// CreatePrompt inserts a new prompt at the end of its batch and returns the
// stored record.
func (q *Queries) CreatePrompt(ctx context.Context, batchID, text string, mediaType models.MediaType, priority models.Priority) (*models.Prompt, error) {
	id := uuid.New().String()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO prompts (id, batch_id, text, media_type, priority, position)
		 VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM prompts WHERE batch_id = ?))`,
		id, batchID, text, mediaType, priority, batchID)
	if err != nil {
		return nil, fmt.Errorf("creating prompt: %w", err)
	}
	return q.GetPrompt(ctx, id)
}

// UpsertPrompt replaces the full record keyed by id. Callers are expected to
// re-read before mutating fields they did not set; there are no partial
// field patches.
func (q *Queries) UpsertPrompt(ctx context.Context, p models.Prompt) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO prompts (id, batch_id, text, media_type, priority, status, attached_image, media_url, error, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   batch_id = excluded.batch_id,
		   text = excluded.text,
		   media_type = excluded.media_type,
		   priority = excluded.priority,
		   status = excluded.status,
		   attached_image = excluded.attached_image,
		   media_url = excluded.media_url,
		   error = excluded.error,
		   position = excluded.position,
		   updated_at = datetime('now')`,
		p.ID, p.BatchID, p.Text, p.MediaType, p.Priority, p.Status,
		p.AttachedImage, p.MediaURL, p.Error, p.Position)
	if err != nil {
		return fmt.Errorf("upserting prompt: %w", err)
	}
	return nil
}

// UpdatePromptEditable replaces the full record like UpsertPrompt, but only
// while the stored status is still pending, failed, or editing. A UI write
// racing the worker's claim to processing affects zero rows and surfaces
// ErrNotEditable instead of clobbering the claim.
func (q *Queries) UpdatePromptEditable(ctx context.Context, p models.Prompt) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE prompts SET
		   batch_id = ?,
		   text = ?,
		   media_type = ?,
		   priority = ?,
		   status = ?,
		   attached_image = ?,
		   media_url = ?,
		   error = ?,
		   position = ?,
		   updated_at = datetime('now')
		 WHERE id = ? AND status IN ('pending', 'failed', 'editing')`,
		p.BatchID, p.Text, p.MediaType, p.Priority, p.Status,
		p.AttachedImage, p.MediaURL, p.Error, p.Position, p.ID)
	if err != nil {
		return fmt.Errorf("updating prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating prompt %s: %w", p.ID, err)
	}
	if n == 0 {
		if _, err := q.GetPrompt(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("updating prompt %s: %w", p.ID, ErrNotEditable)
	}
	return nil
}

func (q *Queries) DeletePrompt(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deleting prompt %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteCompletedAndFailed removes every completed or failed prompt in one
// statement and returns how many were removed.
func (q *Queries) DeleteCompletedAndFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM prompts WHERE status IN ('completed', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("deleting completed and failed prompts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted prompts: %w", err)
	}
	return int(n), nil
}

// Batches

func (q *Queries) ListBatches(ctx context.Context) ([]models.Batch, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, label, created_at, updated_at FROM batches ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var results []models.Batch
	for rows.Next() {
		var b models.Batch
		var createdAt, updatedAt string
		if err := rows.Scan(&b.ID, &b.Label, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		b.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		b.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
		results = append(results, b)
	}
	return results, rows.Err()
}

func (q *Queries) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	b := &models.Batch{}
	var createdAt, updatedAt string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, label, created_at, updated_at FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Label, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	b.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return b, nil
}

func (q *Queries) CreateBatch(ctx context.Context, label string) (*models.Batch, error) {
	id := uuid.New().String()
	_, err := q.db.ExecContext(ctx, `INSERT INTO batches (id, label) VALUES (?, ?)`, id, label)
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	return q.GetBatch(ctx, id)
}

// FindBatchByLabel returns the oldest batch with the given label, or
// ErrNotFound.
func (q *Queries) FindBatchByLabel(ctx context.Context, label string) (*models.Batch, error) {
	var id string
	err := q.db.QueryRowContext(ctx,
		`SELECT id FROM batches WHERE label = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`, label,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding batch %q: %w", label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding batch: %w", err)
	}
	return q.GetBatch(ctx, id)
}

func (q *Queries) RenameBatch(ctx context.Context, id, label string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE batches SET label = ?, updated_at = datetime('now') WHERE id = ?`, label, id)
	if err != nil {
		return fmt.Errorf("renaming batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("renaming batch %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteBatch removes the batch and, through the foreign key cascade, every
// prompt that belongs to it.
func (q *Queries) DeleteBatch(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deleting batch %s: %w", id, ErrNotFound)
	}
	return nil
}

// Run state

func (q *Queries) GetRunState(ctx context.Context) (models.RunState, error) {
	var rs models.RunState
	var updatedAt string
	err := q.db.QueryRowContext(ctx,
		`SELECT phase, current_prompt_id, updated_at FROM run_state WHERE id = 1`,
	).Scan(&rs.Phase, &rs.CurrentPromptID, &updatedAt)
	if err != nil {
		return models.RunState{}, fmt.Errorf("getting run state: %w", err)
	}
	rs.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return rs, nil
}

func (q *Queries) SetRunState(ctx context.Context, phase models.RunPhase, currentPromptID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE run_state SET phase = ?, current_prompt_id = ?, updated_at = datetime('now') WHERE id = 1`,
		phase, currentPromptID)
	if err != nil {
		return fmt.Errorf("setting run state: %w", err)
	}
	return nil
}
