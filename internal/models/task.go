package models

import (
	"time"
)

// Task status values persisted in Postgres.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Task is the durable record of one submitted image+context unit of work
// and its eventual result.
type Task struct {
	ID            int64      `json:"id"`
	ImageRef      string     `json:"image_ref"`
	ContextText   string     `json:"context_text"`
	Status        string     `json:"status"`
	Candidate1    *string    `json:"candidate_1,omitempty"`
	Candidate2    *string    `json:"candidate_2,omitempty"`
	SelectedIndex *int       `json:"selected_index,omitempty"`
	FinalText     *string    `json:"final_text,omitempty"`
	Approved      bool       `json:"approved"`
	Version       int        `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Candidate returns the generated text at index 1 or 2, or nil.
func (t Task) Candidate(index int) *string {
	switch index {
	case 1:
		return t.Candidate1
	case 2:
		return t.Candidate2
	default:
		return nil
	}
}
