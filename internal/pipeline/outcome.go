package pipeline

import (
	"errors"
	"fmt"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/queue"
)

var (
	// ErrEmptyText is returned for a message with nothing to translate.
	ErrEmptyText = errors.New("message has no text")
	// ErrUnsupportedLanguage is returned when a conversation language is
	// outside the configured set.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrNotPartial is returned by Resynthesize for a message whose speech
	// did not fail.
	ErrNotPartial = errors.New("message is not partial")
	ErrInvalidRole = errors.New("invalid sender role")
	ErrInvalidKind = errors.New("invalid assistance kind")
)

// OutcomeKind is how a stage execution ended.
type OutcomeKind int

const (
	// Done means the stage result is committed, or was already committed by
	// an earlier execution.
	Done OutcomeKind = iota
	// Retry means a transient failure: the job is retried with backoff.
	Retry
	// Reject means the input can never succeed: the job fails at once.
	Reject
)

func (k OutcomeKind) String() string {
	switch k {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the typed result of a stage. Provider errors are folded into an
// Outcome at the stage boundary and never escape the pipeline raw.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func done() Outcome { return Outcome{Kind: Done} }

func retry(err error) Outcome { return Outcome{Kind: Retry, Err: err} }

func reject(err error) Outcome { return Outcome{Kind: Reject, Err: err} }

// jobError converts an outcome into what the queue manager expects from a
// handler.
func (o Outcome) jobError() error {
	switch o.Kind {
	case Done:
		return nil
	case Reject:
		return queue.Terminal(o.Err)
	default:
		if o.Err == nil {
			return errors.New("stage asked for a retry")
		}
		return o.Err
	}
}

// providerOutcome classifies an error returned by a model capability.
func providerOutcome(op string, err error) Outcome {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, engine.ErrUnsupported) {
		return reject(err)
	}
	var se *engine.StatusError
	if errors.As(err, &se) && (se.Code == 400 || se.Code == 404 || se.Code == 422) {
		return reject(err)
	}
	return retry(err)
}
