package service

import (
	"context"

	"github.com/eunalunacho/Altify/internal/store"
)

// pgStore adapts *store.Store to TaskStore so BeginSubmission can return
// the Submission interface instead of the concrete transaction handle.
type pgStore struct {
	*store.Store
}

// NewPgStore wraps the Postgres store for use by the service.
func NewPgStore(st *store.Store) TaskStore {
	return pgStore{Store: st}
}

func (p pgStore) BeginSubmission(ctx context.Context, contextText string) (Submission, error) {
	sub, err := p.Store.BeginSubmission(ctx, contextText)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

var _ TaskStore = pgStore{}
