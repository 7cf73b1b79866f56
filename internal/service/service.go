// Package service implements the submission coordinator and the
// read/finalize/approve operations consumed by the HTTP layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eunalunacho/Altify/internal/models"
	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/store"
	"github.com/eunalunacho/Altify/internal/telemetry"
)

// Submission is an open task-insert transaction handed out by the store.
type Submission interface {
	TaskID() int64
	SetImageRef(ctx context.Context, ref string) error
	Commit(ctx context.Context) (models.Task, error)
	Rollback(ctx context.Context)
}

// TaskStore is the persistence surface the coordinator needs.
type TaskStore interface {
	BeginSubmission(ctx context.Context, contextText string) (Submission, error)
	GetTask(ctx context.Context, id int64) (models.Task, error)
	UpdateCuration(ctx context.Context, id int64, selectedIndex int, finalText string, approved bool, expectedVersion int) error
}

// ObjectStore writes and compensates binary payloads.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, filename, contentType string) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Publisher announces committed tasks on the work queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Service coordinates task store, object store, and queue to safely admit
// new work, and serves the curation operations.
type Service struct {
	store    TaskStore
	objects  ObjectStore
	queue    Publisher
	maxBytes int64
	logger   *slog.Logger
}

// New constructs the service.
func New(st TaskStore, objects ObjectStore, q Publisher, maxImageBytes int64, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		objects:  objects,
		queue:    q,
		maxBytes: maxImageBytes,
		logger:   logger,
	}
}

// SubmitItem is one image+context pair for submission.
type SubmitItem struct {
	Image       []byte
	Filename    string
	ContentType string
	Context     string
}

// Submit admits one unit of work. If it returns successfully, the task is
// durably committed as PENDING; it is usually, but not guaranteed, announced
// on the queue (best-effort outbox: publish failures are only logged and an
// external reconciliation sweep re-announces).
func (s *Service) Submit(ctx context.Context, item SubmitItem) (models.Task, error) {
	if len(item.Image) == 0 {
		return models.Task{}, fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if s.maxBytes > 0 && int64(len(item.Image)) > s.maxBytes {
		return models.Task{}, fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidInput, s.maxBytes)
	}
	contextText, err := PreprocessContext(item.Context)
	if err != nil {
		return models.Task{}, err
	}

	sub, err := s.store.BeginSubmission(ctx, contextText)
	if err != nil {
		return models.Task{}, fmt.Errorf("open submission: %w", err)
	}

	ref, err := s.objects.Put(ctx, item.Image, item.Filename, item.ContentType)
	if err != nil {
		// No orphan row: the insert never becomes visible.
		sub.Rollback(ctx)
		return models.Task{}, fmt.Errorf("store image: %w", err)
	}

	if err := sub.SetImageRef(ctx, ref); err != nil {
		sub.Rollback(ctx)
		s.deleteObject(ref)
		return models.Task{}, fmt.Errorf("record image ref: %w", err)
	}

	task, err := sub.Commit(ctx)
	if err != nil {
		// The object is already written; compensate best-effort and report.
		sub.Rollback(ctx)
		s.deleteObject(ref)
		return models.Task{}, fmt.Errorf("commit submission: %w", err)
	}
	telemetry.SubmittedCounter.Inc()

	// Only after a durable commit is the task announced. A publish failure
	// is not a rollback trigger: the task stays PENDING.
	body := queue.EncodeEnvelope(queue.Envelope{TaskID: task.ID, EnqueuedAt: time.Now().UTC()})
	if err := s.queue.Publish(ctx, body); err != nil {
		telemetry.PublishFailures.Inc()
		s.logger.Warn("task committed but not announced; awaiting reconciliation",
			"task_id", task.ID, "error", err)
	}
	return task, nil
}

// SubmitMany admits items independently and sequentially. A failure on item
// i aborts the remaining items but never unwinds tasks committed before i.
func (s *Service) SubmitMany(ctx context.Context, items []SubmitItem) ([]models.Task, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}
	tasks := make([]models.Task, 0, len(items))
	for i, item := range items {
		task, err := s.Submit(ctx, item)
		if err != nil {
			return tasks, fmt.Errorf("item %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Get returns a task snapshot. Polling this is the caller's only feedback
// channel for processing progress.
func (s *Service) Get(ctx context.Context, id int64) (models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// FinalizeItem selects one generated candidate as the final text for a task.
type FinalizeItem struct {
	TaskID        int64  `json:"task_id"`
	SelectedIndex int    `json:"selected_index"`
	FinalText     string `json:"final_text"`
}

// Finalize applies a batch of curation selections. Every referenced task
// must already be DONE with a non-empty candidate at the selected index; the
// whole batch is validated before anything is written. An empty final text
// falls back to the selected candidate verbatim.
func (s *Service) Finalize(ctx context.Context, items []FinalizeItem) ([]models.Task, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}

	loaded := make(map[int64]models.Task, len(items))
	for _, item := range items {
		if item.SelectedIndex != 1 && item.SelectedIndex != 2 {
			return nil, fmt.Errorf("%w: selected_index must be 1 or 2", ErrInvalidInput)
		}
		task, err := s.Get(ctx, item.TaskID)
		if err != nil {
			return nil, err
		}
		if task.Status != models.StatusDone {
			return nil, fmt.Errorf("%w: task %d is not DONE", ErrInvalidInput, item.TaskID)
		}
		candidate := task.Candidate(item.SelectedIndex)
		if candidate == nil || *candidate == "" {
			return nil, fmt.Errorf("%w: task %d has no candidate %d", ErrInvalidInput, item.TaskID, item.SelectedIndex)
		}
		loaded[item.TaskID] = task
	}

	out := make([]models.Task, 0, len(items))
	for _, item := range items {
		task := loaded[item.TaskID]
		finalText := strings.TrimSpace(item.FinalText)
		if finalText == "" {
			finalText = *task.Candidate(item.SelectedIndex)
		}
		if err := s.curate(ctx, task, item.SelectedIndex, finalText, true); err != nil {
			return out, err
		}
		updated, err := s.Get(ctx, item.TaskID)
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Approve writes the final text and approval flag for a single task.
// selectedIndex defaults to 1 when nil.
func (s *Service) Approve(ctx context.Context, id int64, finalText string, approved bool, selectedIndex *int) (models.Task, error) {
	index := 1
	if selectedIndex != nil {
		index = *selectedIndex
	}
	if index != 1 && index != 2 {
		return models.Task{}, fmt.Errorf("%w: selected_index must be 1 or 2", ErrInvalidInput)
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status != models.StatusDone {
		return models.Task{}, fmt.Errorf("%w: task %d is not DONE", ErrInvalidInput, id)
	}
	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		candidate := task.Candidate(index)
		if candidate == nil || *candidate == "" {
			return models.Task{}, fmt.Errorf("%w: task %d has no candidate %d", ErrInvalidInput, id, index)
		}
		finalText = *candidate
	}
	if err := s.curate(ctx, task, index, finalText, approved); err != nil {
		return models.Task{}, err
	}
	return s.Get(ctx, id)
}

// curate performs the optimistic-concurrency curation write. A lost race
// surfaces as ErrConflict instead of silently interleaving with the
// concurrent writer.
func (s *Service) curate(ctx context.Context, task models.Task, selectedIndex int, finalText string, approved bool) error {
	err := s.store.UpdateCuration(ctx, task.ID, selectedIndex, finalText, approved, task.Version)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: task %d", ErrConflict, task.ID)
	}
	if err != nil {
		return fmt.Errorf("curate task %d: %w", task.ID, err)
	}
	return nil
}

func (s *Service) deleteObject(ref string) {
	// Compensation runs on a fresh context so a cancelled request cannot
	// leave the orphan behind; failure to delete is only logged.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.objects.Delete(ctx, ref); err != nil {
		s.logger.Warn("orphan object cleanup failed", "image_ref", ref, "error", err)
	}
}
