package broker

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestTargetSessions(t *testing.T) {
	cases := []struct {
		devices, perSession, want int
	}{
		{500, 15, 36},  // ceil(500/15)=34 +2
		{5000, 15, 336}, // ceil(5000/15)=334 +2
		{15, 15, 3},
		{16, 15, 4},
		{1, 15, 3},
		{0, 15, 2},
	}
	for _, tc := range cases {
		if got := TargetSessions(tc.devices, tc.perSession); got != tc.want {
			t.Errorf("TargetSessions(%d, %d) = %d, want %d", tc.devices, tc.perSession, got, tc.want)
		}
	}
}

// poolWithStates builds an unstarted pool whose sessions sit in the given
// states. No kgo clients are created.
func poolWithStates(t *testing.T, perSession int, states ...State) *Pool {
	t.Helper()
	p := NewPool(Config{}, Settings{DevicesPerSession: perSession, Max: 64}, nil, zap.NewNop())
	for i, st := range states {
		s := newSession(i, nil, nil, zap.NewNop())
		s.setState(st)
		p.sessions = append(p.sessions, s)
	}
	return p
}

func TestCanServe_CapacityAndQuorum(t *testing.T) {
	// 4 active sessions × 15 devices = capacity 60.
	p := poolWithStates(t, 15, StateActive, StateActive, StateActive, StateActive)

	if !p.CanServe(60) {
		t.Error("expected pool to serve 60 devices at full capacity")
	}
	if p.CanServe(61) {
		t.Error("expected pool to refuse 61 devices over capacity")
	}
}

func TestCanServe_QuorumBroken(t *testing.T) {
	// 8 active of 10 total: capacity 120 but quorum needs ceil(10*0.9)=9.
	states := []State{
		StateActive, StateActive, StateActive, StateActive,
		StateActive, StateActive, StateActive, StateActive,
		StateLost, StateLost,
	}
	p := poolWithStates(t, 15, states...)

	if p.CanServe(30) {
		t.Error("expected quorum failure with 2 of 10 sessions lost")
	}
}

func TestCanServe_QuorumHolds(t *testing.T) {
	// 9 active of 10 total: quorum ceil(9) met, capacity 135.
	states := []State{
		StateActive, StateActive, StateActive, StateActive, StateActive,
		StateActive, StateActive, StateActive, StateActive,
		StateLost,
	}
	p := poolWithStates(t, 15, states...)

	if !p.CanServe(135) {
		t.Error("expected pool with 9/10 active to serve 135 devices")
	}
}

func TestServiceable_AllLost(t *testing.T) {
	p := poolWithStates(t, 15, StateLost, StateLost, StateLost)

	err := p.Serviceable()
	if err == nil {
		t.Fatal("expected pool-exhausted error when every session is lost")
	}
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != KindPoolExhausted {
		t.Errorf("expected PoolExhausted kind, got %v", err)
	}
}

func TestServiceable_ReconnectingCounts(t *testing.T) {
	p := poolWithStates(t, 15, StateLost, StateConnecting)

	if err := p.Serviceable(); err != nil {
		t.Errorf("a connecting session keeps the pool serviceable, got %v", err)
	}
}

func TestStats_CountsByState(t *testing.T) {
	p := poolWithStates(t, 15, StateActive, StateActive, StateConnecting, StateLost)

	st := p.Stats()
	if st.Total != 4 {
		t.Errorf("expected 4 total, got %d", st.Total)
	}
	if st.Active != 2 {
		t.Errorf("expected 2 active, got %d", st.Active)
	}
	if st.Connecting != 1 {
		t.Errorf("expected 1 connecting, got %d", st.Connecting)
	}
	if st.Lost != 1 {
		t.Errorf("expected 1 lost, got %d", st.Lost)
	}
	if st.Capacity != 30 {
		t.Errorf("expected capacity 30, got %d", st.Capacity)
	}
}

func TestForceScale_RejectsOverMax(t *testing.T) {
	p := NewPool(Config{}, Settings{Max: 4}, nil, zap.NewNop())
	if err := p.ForceScale(5); err == nil {
		t.Fatal("expected error scaling beyond pool.max")
	}
}

func TestForceScale_BeforeStart(t *testing.T) {
	p := NewPool(Config{}, Settings{Max: 4}, nil, zap.NewNop())
	if err := p.ForceScale(2); err == nil {
		t.Fatal("expected error scaling an unstarted pool")
	}
}
