package maintenance

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies partition operation failures for the admin surface.
type Kind int

const (
	KindNotFound Kind = iota
	KindAlreadyExists
	KindCreationFailed
	KindDropFailed
	KindInvalidName
	KindTooRecent
	KindPermission
	KindInfoError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindCreationFailed:
		return "creation_failed"
	case KindDropFailed:
		return "drop_failed"
	case KindInvalidName:
		return "invalid_name"
	case KindTooRecent:
		return "too_recent"
	case KindPermission:
		return "permission_denied"
	default:
		return "info_error"
	}
}

// PartitionError wraps a partition operation failure with its classification
// and the partition it concerned.
type PartitionError struct {
	Kind Kind
	Name string
	Err  error
}

func (e *PartitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("partition %s: %s", e.Name, e.Kind)
	}
	return fmt.Sprintf("partition %s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// IsKind reports whether err carries a PartitionError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *PartitionError
	return errors.As(err, &pe) && pe.Kind == kind
}

// classify maps a DDL failure onto a PartitionError, keeping the cases
// Postgres reports with a code ahead of the operation's fallback kind.
func classify(name string, fallback Kind, err error) *PartitionError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501":
			return &PartitionError{Kind: KindPermission, Name: name, Err: err}
		case "42P01":
			return &PartitionError{Kind: KindNotFound, Name: name, Err: err}
		case "42P07":
			return &PartitionError{Kind: KindAlreadyExists, Name: name, Err: err}
		}
	}
	return &PartitionError{Kind: fallback, Name: name, Err: err}
}
