package service

import "errors"

var (
	// ErrInvalidInput marks malformed client input. It is surfaced
	// immediately and produces no side effects.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a reference to a task that does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflict marks a curation write that lost a concurrent race.
	ErrConflict = errors.New("concurrent update conflict")
)
