package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

// ErrorKind classifies broker failures so callers can decide between
// retrying, scaling and giving up.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectionLost
	KindUnavailable
	KindAuthFailed
	KindSubscribeFailed
	KindPublishFailed
	KindPoolExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection_lost"
	case KindUnavailable:
		return "broker_unavailable"
	case KindAuthFailed:
		return "auth_failed"
	case KindSubscribeFailed:
		return "subscribe_failed"
	case KindPublishFailed:
		return "publish_failed"
	case KindPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// Error wraps a broker failure with its classification and the session it
// occurred on. Session is -1 for pool-level failures.
type Error struct {
	Kind    ErrorKind
	Session int
	Err     error
}

func (e *Error) Error() string {
	if e.Session < 0 {
		if e.Err == nil {
			return fmt.Sprintf("broker: %s", e.Kind)
		}
		return fmt.Sprintf("broker: %s: %v", e.Kind, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("broker: session %d: %s", e.Session, e.Kind)
	}
	return fmt.Sprintf("broker: session %d: %s: %v", e.Session, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether reconnecting can clear the failure. Lost
// connections, unavailable brokers and failed publishes are transient;
// auth and subscribe failures need operator action, and an exhausted pool
// clears only by scaling.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindConnectionLost, KindUnavailable, KindPublishFailed:
		return true
	default:
		return false
	}
}

// ErrPoolExhausted is returned when no session in the pool can accept work.
var ErrPoolExhausted = &Error{Kind: KindPoolExhausted, Session: -1}

func newError(kind ErrorKind, session int, err error) *Error {
	return &Error{Kind: kind, Session: session, Err: err}
}

// classify maps a transport error onto an ErrorKind. Kafka protocol errors
// carry a code; anything else is treated as a lost connection, which the
// session state machine handles by reconnecting.
func classify(err error) ErrorKind {
	var ke *kerr.Error
	if errors.As(err, &ke) {
		switch ke.Code {
		case kerr.SaslAuthenticationFailed.Code,
			kerr.IllegalSaslState.Code,
			kerr.GroupAuthorizationFailed.Code,
			kerr.TopicAuthorizationFailed.Code,
			kerr.ClusterAuthorizationFailed.Code:
			return KindAuthFailed
		case kerr.UnknownTopicOrPartition.Code,
			kerr.InvalidTopicException.Code:
			return KindSubscribeFailed
		case kerr.BrokerNotAvailable.Code,
			kerr.CoordinatorNotAvailable.Code,
			kerr.LeaderNotAvailable.Code:
			return KindUnavailable
		default:
			if kerr.IsRetriable(ke) {
				return KindUnavailable
			}
			return KindConnectionLost
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnectionLost
	}
	return KindConnectionLost
}
