package broker

import (
	"errors"
	"testing"
)

func TestError_Recoverable(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{KindConnectionLost, true},
		{KindUnavailable, true},
		{KindPublishFailed, true},
		{KindSubscribeFailed, false},
		{KindPoolExhausted, false},
		{KindAuthFailed, false},
	}
	for _, tc := range cases {
		e := &Error{Kind: tc.kind, Session: 0}
		if got := e.Recoverable(); got != tc.want {
			t.Errorf("%s: Recoverable() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestError_UnwrapChain(t *testing.T) {
	inner := errors.New("socket closed")
	e := newError(KindConnectionLost, 3, inner)

	if !errors.Is(e, inner) {
		t.Error("expected errors.Is to reach the wrapped cause")
	}

	var berr *Error
	if !errors.As(error(e), &berr) {
		t.Fatal("expected errors.As to find *Error")
	}
	if berr.Session != 3 {
		t.Errorf("expected session 3, got %d", berr.Session)
	}
}

func TestError_MessageShapes(t *testing.T) {
	poolErr := &Error{Kind: KindPoolExhausted, Session: -1}
	if got := poolErr.Error(); got != "broker: pool_exhausted" {
		t.Errorf("unexpected pool-level message: %q", got)
	}

	sessErr := newError(KindAuthFailed, 2, errors.New("bad credentials"))
	if got := sessErr.Error(); got != "broker: session 2: auth_failed: bad credentials" {
		t.Errorf("unexpected session message: %q", got)
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	if kind := classify(errors.New("dial tcp: i/o timeout")); kind != KindConnectionLost {
		t.Errorf("expected unknown transport errors to classify as connection_lost, got %s", kind)
	}
}
