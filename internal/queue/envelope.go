package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Envelope is the unit of queue transport. It references a Task and carries
// retry metadata; it is logically distinct from the Task row.
type Envelope struct {
	TaskID     int64
	Attempt    int
	EnqueuedAt time.Time
	LastError  string
}

// Two wire shapes are accepted for backward compatibility: the legacy bare
// {"task_id":N} form and the versioned form carrying attempt/last_error plus
// a nested payload duplicating task_id for legacy consumers. The decoder is
// version-tagged: the presence of any versioned field selects the versioned
// variant, so nothing a producer wrote is silently dropped.
type wireEnvelope struct {
	TaskID     int64        `json:"task_id"`
	Attempt    *int         `json:"attempt,omitempty"`
	EnqueuedAt string       `json:"enqueued_at,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	Payload    *wirePayload `json:"payload,omitempty"`
}

type wirePayload struct {
	TaskID int64 `json:"task_id"`
}

// DecodeEnvelope parses either wire shape. A syntactically invalid body is a
// decode error; a parseable body without a task id decodes to TaskID 0 and
// is the caller's drop case.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	env := Envelope{TaskID: w.TaskID}
	if w.Attempt == nil && w.Payload == nil && w.LastError == "" && w.EnqueuedAt == "" {
		// Legacy shape: bare task_id, attempt defaults to zero.
		return env, nil
	}

	if w.Attempt != nil {
		env.Attempt = *w.Attempt
	}
	if env.TaskID == 0 && w.Payload != nil {
		env.TaskID = w.Payload.TaskID
	}
	env.LastError = w.LastError
	if w.EnqueuedAt != "" {
		if ts, err := time.Parse(time.RFC3339, w.EnqueuedAt); err == nil {
			env.EnqueuedAt = ts
		}
	}
	return env, nil
}

// EncodeEnvelope serializes the versioned wire shape, duplicating task_id
// into the nested payload for legacy consumers.
func EncodeEnvelope(env Envelope) []byte {
	attempt := env.Attempt
	w := wireEnvelope{
		TaskID:    env.TaskID,
		Attempt:   &attempt,
		LastError: env.LastError,
		Payload:   &wirePayload{TaskID: env.TaskID},
	}
	if !env.EnqueuedAt.IsZero() {
		w.EnqueuedAt = env.EnqueuedAt.UTC().Format(time.RFC3339)
	}
	body, _ := json.Marshal(w)
	return body
}

// DeadLetter is the annotated payload routed to the dead-letter queue. The
// original message body is retained verbatim for forensic replay; bodies
// that are not valid UTF-8 are base64-encoded and tagged.
type DeadLetter struct {
	TaskID           int64  `json:"task_id"`
	Attempt          int    `json:"attempt"`
	LastError        string `json:"last_error,omitempty"`
	Reason           string `json:"reason"`
	Original         string `json:"original"`
	OriginalEncoding string `json:"original_encoding,omitempty"`
}

// EncodeDeadLetter builds the dead-letter payload for a failed envelope.
func EncodeDeadLetter(env Envelope, original []byte, reason string) []byte {
	dl := DeadLetter{
		TaskID:    env.TaskID,
		Attempt:   env.Attempt,
		LastError: env.LastError,
		Reason:    reason,
	}
	if utf8.Valid(original) {
		dl.Original = string(original)
	} else {
		dl.Original = base64.StdEncoding.EncodeToString(original)
		dl.OriginalEncoding = "base64"
	}
	body, _ := json.Marshal(dl)
	return body
}
