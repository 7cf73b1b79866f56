package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeLegacyEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"task_id": 42}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.TaskID != 42 {
		t.Fatalf("task id = %d, want 42", env.TaskID)
	}
	if env.Attempt != 0 {
		t.Fatalf("legacy attempt = %d, want 0", env.Attempt)
	}
}

func TestDecodeVersionedEnvelope(t *testing.T) {
	body := []byte(`{"task_id":7,"attempt":2,"enqueued_at":"2025-03-01T10:00:00Z","last_error":"timeout","payload":{"task_id":7}}`)
	env, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.TaskID != 7 || env.Attempt != 2 || env.LastError != "timeout" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !env.EnqueuedAt.Equal(want) {
		t.Fatalf("enqueued_at = %s, want %s", env.EnqueuedAt, want)
	}
}

func TestDecodeTaskIDFromPayloadFallback(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"attempt":1,"payload":{"task_id":9}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.TaskID != 9 {
		t.Fatalf("task id = %d, want 9 from payload", env.TaskID)
	}
}

func TestDecodeVersionedWithoutAttempt(t *testing.T) {
	// last_error/enqueued_at alone select the versioned shape; the fields
	// must survive the decode even with attempt and payload absent.
	body := []byte(`{"task_id":4,"last_error":"timeout","enqueued_at":"2025-03-01T10:00:00Z"}`)
	env, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.LastError != "timeout" {
		t.Fatalf("last_error = %q, want timeout", env.LastError)
	}
	if env.EnqueuedAt.IsZero() {
		t.Fatal("enqueued_at was dropped")
	}
	if env.Attempt != 0 {
		t.Fatalf("attempt = %d, want default 0", env.Attempt)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeMissingTaskID(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"foo":"bar"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.TaskID != 0 {
		t.Fatalf("task id = %d, want 0", env.TaskID)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Envelope{
		TaskID:     11,
		Attempt:    1,
		EnqueuedAt: time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC),
		LastError:  "fetch image: connection refused",
	}
	out, err := DecodeEnvelope(EncodeEnvelope(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TaskID != in.TaskID || out.Attempt != in.Attempt || out.LastError != in.LastError {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
	if !out.EnqueuedAt.Equal(in.EnqueuedAt) {
		t.Fatalf("enqueued_at = %s, want %s", out.EnqueuedAt, in.EnqueuedAt)
	}
}

func TestEncodeDuplicatesTaskIDIntoPayload(t *testing.T) {
	var w map[string]json.RawMessage
	if err := json.Unmarshal(EncodeEnvelope(Envelope{TaskID: 5}), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(w["payload"]) != `{"task_id":5}` {
		t.Fatalf("payload = %s", w["payload"])
	}
}

func TestEncodeDeadLetterKeepsOriginal(t *testing.T) {
	original := []byte(`{"task_id":3,"attempt":2}`)
	env := Envelope{TaskID: 3, Attempt: 2, LastError: "timeout"}
	var dl DeadLetter
	if err := json.Unmarshal(EncodeDeadLetter(env, original, "max attempts reached"), &dl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dl.Original != string(original) {
		t.Fatalf("original = %q", dl.Original)
	}
	if dl.OriginalEncoding != "" {
		t.Fatalf("encoding tag = %q, want empty for utf-8 body", dl.OriginalEncoding)
	}
	if dl.Reason != "max attempts reached" || dl.TaskID != 3 || dl.Attempt != 2 {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
}

func TestEncodeDeadLetterBinaryOriginal(t *testing.T) {
	original := []byte{0xff, 0xfe, 0x00, 0x01}
	var dl DeadLetter
	if err := json.Unmarshal(EncodeDeadLetter(Envelope{TaskID: 1}, original, "decode envelope"), &dl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dl.OriginalEncoding != "base64" {
		t.Fatalf("encoding tag = %q, want base64", dl.OriginalEncoding)
	}
}
