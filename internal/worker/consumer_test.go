package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eunalunacho/Altify/internal/generate"
	"github.com/eunalunacho/Altify/internal/models"
	"github.com/eunalunacho/Altify/internal/objectstore"
	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/store"
)

type fakeStore struct {
	tasks      map[int64]*models.Task
	processing []int64
	saved      map[int64][2]string
	failed     []int64
	saveErr    error
}

func newFakeStore(tasks ...models.Task) *fakeStore {
	fs := &fakeStore{tasks: map[int64]*models.Task{}, saved: map[int64][2]string{}}
	for i := range tasks {
		t := tasks[i]
		fs.tasks[t.ID] = &t
	}
	return fs
}

func (f *fakeStore) GetTask(_ context.Context, id int64) (models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return models.Task{}, store.ErrNotFound
	}
	return *t, nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, id int64) error {
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status == models.StatusDone || t.Status == models.StatusFailed {
		return store.ErrTerminal
	}
	f.processing = append(f.processing, id)
	t.Status = models.StatusProcessing
	return nil
}

func (f *fakeStore) SaveResult(_ context.Context, id int64, c1, c2 string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[id] = [2]string{c1, c2}
	f.tasks[id].Status = models.StatusDone
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id int64) error {
	if _, ok := f.tasks[id]; !ok {
		return store.ErrNotFound
	}
	f.failed = append(f.failed, id)
	f.tasks[id].Status = models.StatusFailed
	return nil
}

type fakeObjects struct {
	data map[string][]byte
	err  error
}

func (f *fakeObjects) Get(_ context.Context, ref string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	data, ok := f.data[ref]
	if !ok {
		return nil, "", objectstore.ErrNotFound
	}
	return data, "image/jpeg", nil
}

type fakeCaptioner struct {
	c1, c2 string
	err    error
	calls  int
}

func (f *fakeCaptioner) Captions(_ context.Context, _ []byte, _, _ string) (string, string, error) {
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	return f.c1, f.c2, nil
}

type fakeBroker struct {
	published   [][]byte
	deadLetters [][]byte
	publishErr  error
}

func (f *fakeBroker) Publish(_ context.Context, body []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, body)
	return nil
}

func (f *fakeBroker) PublishDeadLetter(_ context.Context, body []byte) error {
	f.deadLetters = append(f.deadLetters, body)
	return nil
}

func newTestConsumer(fs *fakeStore, fo *fakeObjects, fc *fakeCaptioner, fb *fakeBroker) *Consumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rep := NewRepublisher(fb, time.Millisecond, time.Millisecond, logger)
	dlq := NewDeadLetterRouter(fb, logger)
	return NewConsumer(fs, fo, fc, nil, rep, dlq, 3, logger)
}

func TestHandleHappyPath(t *testing.T) {
	fs := newFakeStore(models.Task{ID: 1, ImageRef: "alt-images/a.jpg", Status: models.StatusPending})
	fo := &fakeObjects{data: map[string][]byte{"alt-images/a.jpg": []byte("img")}}
	fc := &fakeCaptioner{c1: "A red barn at dusk.", c2: "Barn in evening light."}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, fo, fc, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 1}))

	require.Equal(t, OutcomeNone, dec.Outcome)
	require.Equal(t, []int64{1}, fs.processing)
	require.Equal(t, [2]string{"A red barn at dusk.", "Barn in evening light."}, fs.saved[1])
	require.Equal(t, models.StatusDone, fs.tasks[1].Status)
	require.Empty(t, fb.deadLetters)
}

func TestHandleUnparseableBodyDeadLetters(t *testing.T) {
	fs := newFakeStore()
	fb := &fakeBroker{}
	c := newTestConsumer(fs, &fakeObjects{}, &fakeCaptioner{}, fb)

	dec := c.handle(context.Background(), []byte(`{not json`))

	require.Equal(t, OutcomeDeadLetter, dec.Outcome)
	require.Equal(t, KindParse, dec.Kind)
	require.Len(t, fb.deadLetters, 1)
	require.Empty(t, fs.failed)

	var dl queue.DeadLetter
	require.NoError(t, json.Unmarshal(fb.deadLetters[0], &dl))
	require.Equal(t, "{not json", dl.Original)
}

func TestHandleMissingTaskIDDrops(t *testing.T) {
	fb := &fakeBroker{}
	c := newTestConsumer(newFakeStore(), &fakeObjects{}, &fakeCaptioner{}, fb)

	dec := c.handle(context.Background(), []byte(`{"foo":"bar"}`))

	require.Equal(t, OutcomeDrop, dec.Outcome)
	require.Empty(t, fb.deadLetters)
	require.Empty(t, fb.published)
}

func TestHandleUnknownTaskDeadLetters(t *testing.T) {
	fs := newFakeStore()
	fb := &fakeBroker{}
	c := newTestConsumer(fs, &fakeObjects{}, &fakeCaptioner{}, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 99}))

	require.Equal(t, OutcomeDeadLetter, dec.Outcome)
	require.Equal(t, KindDataInconsistency, dec.Kind)
	require.Len(t, fb.deadLetters, 1)
	// There is no row to mark FAILED.
	require.Empty(t, fs.failed)
}

func TestHandleMissingObjectFailsTask(t *testing.T) {
	fs := newFakeStore(models.Task{ID: 2, ImageRef: "alt-images/gone.jpg", Status: models.StatusPending})
	fb := &fakeBroker{}
	c := newTestConsumer(fs, &fakeObjects{data: map[string][]byte{}}, &fakeCaptioner{}, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 2}))

	require.Equal(t, OutcomeDeadLetter, dec.Outcome)
	require.Equal(t, KindObjectMissing, dec.Kind)
	require.Equal(t, []int64{2}, fs.failed)
	require.Len(t, fb.deadLetters, 1)
}

func TestHandleTransientFailureRepublishes(t *testing.T) {
	fs := newFakeStore(models.Task{ID: 3, ImageRef: "alt-images/c.jpg", Status: models.StatusPending})
	fo := &fakeObjects{err: errors.New("connection reset")}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, fo, &fakeCaptioner{}, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 3}))

	require.Equal(t, OutcomeRetry, dec.Outcome)
	require.Len(t, fb.published, 1)
	require.Empty(t, fb.deadLetters)
	require.Empty(t, fs.failed)

	env, err := queue.DecodeEnvelope(fb.published[0])
	require.NoError(t, err)
	require.Equal(t, int64(3), env.TaskID)
	require.Equal(t, 1, env.Attempt)
	require.Contains(t, env.LastError, "connection reset")
}

func TestHandleTransientBudgetExhaustedDeadLetters(t *testing.T) {
	fs := newFakeStore(models.Task{ID: 4, ImageRef: "alt-images/d.jpg", Status: models.StatusPending})
	fo := &fakeObjects{err: errors.New("connection reset")}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, fo, &fakeCaptioner{}, fb)

	body := queue.EncodeEnvelope(queue.Envelope{TaskID: 4, Attempt: 3})
	dec := c.handle(context.Background(), body)

	require.Equal(t, OutcomeDeadLetter, dec.Outcome)
	require.Empty(t, fb.published)
	require.Len(t, fb.deadLetters, 1)
	require.Equal(t, []int64{4}, fs.failed)
	require.Equal(t, models.StatusFailed, fs.tasks[4].Status)
}

func TestHandleQuotaErrorTerminalOnFirstAttempt(t *testing.T) {
	fs := newFakeStore(models.Task{ID: 5, ImageRef: "alt-images/e.jpg", Status: models.StatusPending})
	fo := &fakeObjects{data: map[string][]byte{"alt-images/e.jpg": []byte("img")}}
	fc := &fakeCaptioner{err: generate.ErrResourceExhausted}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, fo, fc, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 5}))

	require.Equal(t, OutcomeDeadLetter, dec.Outcome)
	require.Equal(t, KindResourceExhausted, dec.Kind)
	require.Equal(t, []int64{5}, fs.failed)
}

func TestHandleRepublishFailureFallsBackToDeadLetter(t *testing.T) {
	fs := newFakeStore(models.Task{ID: 6, ImageRef: "alt-images/f.jpg", Status: models.StatusPending})
	fo := &fakeObjects{err: errors.New("connection reset")}
	fb := &fakeBroker{publishErr: errors.New("broker down")}
	c := newTestConsumer(fs, fo, &fakeCaptioner{}, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 6}))

	require.Equal(t, OutcomeDeadLetter, dec.Outcome)
	require.Len(t, fb.deadLetters, 1)
}

func TestHandleShutdownDuringBackoffRequeues(t *testing.T) {
	// Cancellation while the republisher waits out its backoff must not
	// rewrite a retryable failure into a terminal dead letter; the message
	// stays unacked for broker redelivery.
	fs := newFakeStore(models.Task{ID: 9, ImageRef: "alt-images/i.jpg", Status: models.StatusPending})
	fo := &fakeObjects{err: errors.New("connection reset")}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, fo, &fakeCaptioner{}, fb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec := c.handle(ctx, queue.EncodeEnvelope(queue.Envelope{TaskID: 9}))

	require.Equal(t, OutcomeRequeue, dec.Outcome)
	require.Empty(t, fs.failed)
	require.Empty(t, fb.deadLetters)
	require.Empty(t, fb.published)
	require.NotEqual(t, models.StatusFailed, fs.tasks[9].Status)
}

func TestHandleStaleRedeliveryLeavesFinishedTask(t *testing.T) {
	c1, c2 := "one", "two"
	fs := newFakeStore(models.Task{ID: 8, ImageRef: "alt-images/h.jpg", Status: models.StatusDone, Candidate1: &c1, Candidate2: &c2})
	fc := &fakeCaptioner{c1: "x", c2: "y"}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, &fakeObjects{}, fc, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 8, Attempt: 1}))

	require.Equal(t, OutcomeNone, dec.Outcome)
	require.Equal(t, models.StatusDone, fs.tasks[8].Status)
	require.Zero(t, fc.calls)
	require.Empty(t, fb.deadLetters)
	require.Empty(t, fb.published)
}

func TestHandleRedelivery(t *testing.T) {
	// A message already marked PROCESSING is processed again without error.
	fs := newFakeStore(models.Task{ID: 7, ImageRef: "alt-images/g.jpg", Status: models.StatusProcessing})
	fo := &fakeObjects{data: map[string][]byte{"alt-images/g.jpg": []byte("img")}}
	fc := &fakeCaptioner{c1: "one", c2: "two"}
	fb := &fakeBroker{}
	c := newTestConsumer(fs, fo, fc, fb)

	dec := c.handle(context.Background(), queue.EncodeEnvelope(queue.Envelope{TaskID: 7, Attempt: 1}))

	require.Equal(t, OutcomeNone, dec.Outcome)
	require.Equal(t, models.StatusDone, fs.tasks[7].Status)
}
