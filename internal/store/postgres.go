package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eunalunacho/Altify/internal/models"
)

var (
	// ErrNotFound is returned when no task row matches the given id.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a conditional curation update matched no
	// row, either because the version moved or the task is not DONE.
	ErrConflict = errors.New("task update conflict")
	// ErrTerminal is returned when a status transition targets a task that
	// already reached DONE or FAILED.
	ErrTerminal = errors.New("task already finished")
)

// Store wraps pgxpool for Postgres persistence of tasks.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Submission is an open transaction covering one task insert. The row is
// invisible to other sessions until Commit; Rollback leaves no trace.
type Submission struct {
	tx          pgx.Tx
	id          int64
	contextText string
	imageRef    string
	createdAt   time.Time
	done        bool
}

// BeginSubmission opens a transaction and inserts a PENDING task row with an
// empty image_ref, flushing to obtain the id without committing.
func (s *Store) BeginSubmission(ctx context.Context, contextText string) (*Submission, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	sub := &Submission{tx: tx, contextText: contextText}
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (image_ref, context_text, status)
		VALUES ('', $1, $2)
		RETURNING id, created_at
	`, contextText, models.StatusPending).Scan(&sub.id, &sub.createdAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return sub, nil
}

// TaskID returns the id assigned to the uncommitted row.
func (sub *Submission) TaskID() int64 {
	return sub.id
}

// SetImageRef updates the uncommitted row with the real object locator.
func (sub *Submission) SetImageRef(ctx context.Context, ref string) error {
	if _, err := sub.tx.Exec(ctx, `
		UPDATE tasks SET image_ref = $2 WHERE id = $1
	`, sub.id, ref); err != nil {
		return fmt.Errorf("update image_ref: %w", err)
	}
	sub.imageRef = ref
	return nil
}

// Commit makes the task row durable and returns its snapshot.
func (sub *Submission) Commit(ctx context.Context) (models.Task, error) {
	if err := sub.tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit: %w", err)
	}
	sub.done = true
	return models.Task{
		ID:          sub.id,
		ImageRef:    sub.imageRef,
		ContextText: sub.contextText,
		Status:      models.StatusPending,
		CreatedAt:   sub.createdAt,
	}, nil
}

// Rollback discards the open transaction. Safe to call after Commit.
func (sub *Submission) Rollback(ctx context.Context) {
	if sub.done {
		return
	}
	_ = sub.tx.Rollback(ctx)
}

const taskColumns = `
	id, image_ref, context_text, status, candidate_1, candidate_2,
	selected_index, final_text, approved, version, created_at, finished_at
`

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// MarkProcessing transitions a task to PROCESSING. It is idempotent: marking
// an already-PROCESSING task changes nothing. Terminal rows are left alone;
// a stale redelivery gets ErrTerminal instead of resurrecting the task.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2 WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusProcessing, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("mark processing: %w", err)
		}
		return fmt.Errorf("%w: status %s", ErrTerminal, status)
	}
	return nil
}

// SaveResult persists both candidates and transitions the task to DONE,
// setting finished_at.
func (s *Store) SaveResult(ctx context.Context, id int64, candidate1, candidate2 string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET candidate_1 = $2, candidate_2 = $3, status = $4, finished_at = NOW()
		WHERE id = $1
	`, id, candidate1, candidate2, models.StatusDone)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions a task to FAILED. finished_at is only set on the
// first terminal transition.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, finished_at = COALESCE(finished_at, NOW())
		WHERE id = $1
	`, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCuration writes the human-curation fields with an optimistic
// concurrency check: the update only applies if the task is still DONE and
// its version has not moved since the caller read it.
func (s *Store) UpdateCuration(ctx context.Context, id int64, selectedIndex int, finalText string, approved bool, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET selected_index = $2, final_text = $3, approved = $4, version = version + 1
		WHERE id = $1 AND status = $5 AND version = $6
	`, id, selectedIndex, finalText, approved, models.StatusDone, expectedVersion)
	if err != nil {
		return fmt.Errorf("update curation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var task models.Task
	var c1, c2, finalText pgtype.Text
	var selected pgtype.Int4
	var finished pgtype.Timestamptz

	err := row.Scan(
		&task.ID, &task.ImageRef, &task.ContextText, &task.Status,
		&c1, &c2, &selected, &finalText, &task.Approved, &task.Version,
		&task.CreatedAt, &finished,
	)
	if err != nil {
		return models.Task{}, err
	}

	task.Candidate1 = textPtr(c1)
	task.Candidate2 = textPtr(c2)
	task.FinalText = textPtr(finalText)
	if selected.Valid {
		v := int(selected.Int32)
		task.SelectedIndex = &v
	}
	if finished.Valid {
		t := finished.Time
		task.FinishedAt = &t
	}
	return task, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
