package worker

import (
	"errors"
	"fmt"

	"github.com/eunalunacho/Altify/internal/generate"
	"github.com/eunalunacho/Altify/internal/objectstore"
	"github.com/eunalunacho/Altify/internal/store"
)

// Kind buckets a processing failure by how it should be handled.
type Kind int

const (
	// KindTransient covers broker, database, network, and rate-limit-free
	// inference failures. Retryable within the attempt budget.
	KindTransient Kind = iota
	// KindResourceExhausted means the inference backend rejected the call
	// for quota. Terminal regardless of remaining attempts.
	KindResourceExhausted
	// KindDataInconsistency means the task row referenced by a message does
	// not exist. Terminal.
	KindDataInconsistency
	// KindObjectMissing means the task row exists but its image object is
	// gone. Terminal.
	KindObjectMissing
	// KindParse means the message body could not be decoded. Terminal, and
	// there is no task row to mark.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindDataInconsistency:
		return "data_inconsistency"
	case KindObjectMissing:
		return "object_missing"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Classified tags an underlying error with its failure kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

func (c *Classified) Unwrap() error {
	return c.Err
}

func classified(kind Kind, err error) *Classified {
	return &Classified{Kind: kind, Err: err}
}

// classify maps an error to its failure kind. Errors already carrying a
// Classified tag keep it; known sentinels get their terminal kinds; anything
// else is treated as transient.
func classify(err error) *Classified {
	var c *Classified
	if errors.As(err, &c) {
		return c
	}
	switch {
	case errors.Is(err, generate.ErrResourceExhausted):
		return classified(KindResourceExhausted, err)
	case errors.Is(err, objectstore.ErrNotFound), errors.Is(err, objectstore.ErrBadRef):
		return classified(KindObjectMissing, err)
	case errors.Is(err, store.ErrNotFound):
		return classified(KindDataInconsistency, err)
	default:
		return classified(KindTransient, err)
	}
}

// Outcome is what the consumer does with a message after processing.
type Outcome int

const (
	// OutcomeNone: the message succeeded; ack and move on.
	OutcomeNone Outcome = iota
	// OutcomeRetry: republish with an incremented attempt counter.
	OutcomeRetry
	// OutcomeDeadLetter: route to the dead-letter queue for inspection.
	OutcomeDeadLetter
	// OutcomeDrop: discard without trace beyond a log line.
	OutcomeDrop
	// OutcomeRequeue: settlement was interrupted by shutdown; leave the
	// message unacked so the broker redelivers it.
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeDrop:
		return "drop"
	case OutcomeRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Decision is the fully resolved handling for a finished message.
type Decision struct {
	Outcome Outcome
	Kind    Kind
	Attempt int
	Reason  string
}

// Decide maps a processing error and the message's attempt count to a
// handling decision. Terminal kinds dead-letter immediately; transient
// failures retry while attempt < maxAttempts, so the last republish carries
// attempt == maxAttempts and its failure dead-letters. Decide never touches
// the store or the broker.
func Decide(attempt, maxAttempts int, err error) Decision {
	if err == nil {
		return Decision{Outcome: OutcomeNone, Attempt: attempt}
	}
	c := classify(err)
	d := Decision{Kind: c.Kind, Attempt: attempt, Reason: c.Error()}
	if c.Kind == KindTransient && attempt < maxAttempts {
		d.Outcome = OutcomeRetry
		return d
	}
	d.Outcome = OutcomeDeadLetter
	return d
}
