package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a datastore failure so the flush loop can decide whether
// another attempt makes sense.
type Kind int

const (
	KindUnavailable Kind = iota
	KindDeadlock
	KindConstraintViolation
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindDeadlock:
		return "deadlock"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindTimeout:
		return "timeout"
	default:
		return "unavailable"
	}
}

// PersistenceError wraps a datastore failure with its classification.
type PersistenceError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("history: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("history: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed. Constraint
// violations are deterministic and fail the same way every time.
func (e *PersistenceError) Retryable() bool {
	return e.Kind != KindConstraintViolation
}

// classify maps a pgx error onto a PersistenceError. Deadlocks and
// serialization failures clear on retry, statement timeouts and canceled
// contexts are timeouts, constraint violations are final, and everything
// else is treated as the store being unavailable.
func classify(op string, err error) *PersistenceError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40P01" || pgErr.Code == "40001":
			return &PersistenceError{Kind: KindDeadlock, Op: op, Err: err}
		case strings.HasPrefix(pgErr.Code, "23"):
			return &PersistenceError{Kind: KindConstraintViolation, Op: op, Err: err}
		case pgErr.Code == "57014":
			return &PersistenceError{Kind: KindTimeout, Op: op, Err: err}
		default:
			return &PersistenceError{Kind: KindUnavailable, Op: op, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PersistenceError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &PersistenceError{Kind: KindUnavailable, Op: op, Err: err}
}

// isMissingPartition detects the check violation Postgres raises when a row
// routes outside every attached partition. The writer handles it by creating
// the month partition and retrying, so it must be told apart from ordinary
// constraint violations before classify runs.
func isMissingPartition(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23514" && strings.Contains(pgErr.Message, "no partition of relation")
}
