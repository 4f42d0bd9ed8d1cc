package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
)

// State is the lifecycle phase of a single subscriber session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateLost
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateLost:
		return "lost"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Delivery is one fetched record batch together with the session that owns
// its offsets. Offsets are committed through the session only after the
// records are flushed downstream.
type Delivery struct {
	Session *Session
	Records []*kgo.Record
}

const (
	reconnectBase  = 1 * time.Second
	reconnectCap   = 60 * time.Second
	commitInterval = 1 * time.Second
	finalCommitMax = 5 * time.Second
)

// Session is one consumer-group member. It owns a kgo client, rebuilds it
// with backoff when the connection is lost, and commits only offsets that
// downstream has reported flushed.
type Session struct {
	id     int
	logger *zap.Logger
	opts   func() []kgo.Opt

	client  atomic.Pointer[kgo.Client]
	state   atomic.Int32
	joined  atomic.Bool
	msgs    atomic.Int64
	lastErr atomic.Pointer[Error]

	deliveries chan<- Delivery
	flushed    chan []*kgo.Record
	flushDone  chan struct{}
	commitDone chan struct{}
	backoff    *backoff
}

func newSession(id int, opts func() []kgo.Opt, deliveries chan<- Delivery, logger *zap.Logger) *Session {
	s := &Session{
		id:         id,
		logger:     logger.With(zap.Int("session", id)),
		opts:       opts,
		deliveries: deliveries,
		flushed:    make(chan []*kgo.Record, 256),
		flushDone:  make(chan struct{}),
		commitDone: make(chan struct{}),
		backoff:    newBackoff(reconnectBase, reconnectCap),
	}
	s.state.Store(int32(StateConnecting))
	metrics.BrokerSessions.WithLabelValues(StateConnecting.String()).Inc()
	return s
}

func (s *Session) ID() int       { return s.id }
func (s *Session) State() State  { return State(s.state.Load()) }
func (s *Session) Joined() bool  { return s.joined.Load() }
func (s *Session) Messages() int64 { return s.msgs.Load() }

// LastError returns the most recent classified failure, or nil.
func (s *Session) LastError() *Error {
	return s.lastErr.Load()
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	metrics.BrokerSessions.WithLabelValues(prev.String()).Dec()
	metrics.BrokerSessions.WithLabelValues(next.String()).Inc()
}

func (s *Session) fail(err *Error) {
	s.lastErr.Store(err)
	s.logger.Error("session failure",
		zap.String("kind", err.Kind.String()),
		zap.Bool("recoverable", err.Recoverable()),
		zap.Error(err.Err),
	)
}

// Run drives the session state machine until ctx is canceled. Cancellation
// moves the session into Draining; it then serves pending offset marks until
// the pool finalizes it.
func (s *Session) Run(ctx context.Context) {
	go s.commitLoop()
	defer func() {
		metrics.BrokerSessions.WithLabelValues(s.State().String()).Dec()
	}()

	for {
		s.setState(StateConnecting)
		client, err := kgo.NewClient(s.opts()...)
		if err != nil {
			berr := newError(classify(err), s.id, err)
			s.fail(berr)
			if !berr.Recoverable() {
				s.setState(StateLost)
				s.finalize(nil)
				return
			}
			if !s.sleep(ctx) {
				s.finalize(nil)
				return
			}
			continue
		}

		s.client.Store(client)
		s.setState(StateActive)
		s.backoff.reset()
		s.logger.Info("session connected")

		pollErr := s.poll(ctx, client)
		if ctx.Err() != nil {
			s.setState(StateDraining)
			s.finalize(client)
			return
		}

		s.client.Store(nil)
		client.Close()
		s.setState(StateLost)
		metrics.BrokerReconnectsTotal.Inc()

		var berr *Error
		if errors.As(pollErr, &berr) && !berr.Recoverable() {
			s.finalize(nil)
			return
		}
		if !s.sleep(ctx) {
			s.finalize(nil)
			return
		}
	}
}

// poll fetches until ctx is canceled or the connection is declared lost.
func (s *Session) poll(ctx context.Context, client *kgo.Client) error {
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			err := newError(KindConnectionLost, s.id, errors.New("client closed"))
			s.fail(err)
			return err
		}

		var fatal *Error
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				kind := classify(e.Err)
				s.logger.Error("fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.String("kind", kind.String()),
					zap.Error(e.Err),
				)
				// Retriable broker hiccups are handled inside the client;
				// only auth failures and dead connections force the state
				// machine around.
				if kind == KindAuthFailed || kind == KindConnectionLost {
					fatal = newError(kind, s.id, e.Err)
				}
			}
		}
		if fatal != nil {
			s.fail(fatal)
			return fatal
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})
		if len(batch) == 0 {
			continue
		}
		s.msgs.Add(int64(len(batch)))
		metrics.MessagesReceivedTotal.Add(float64(len(batch)))

		select {
		case s.deliveries <- Delivery{Session: s, Records: batch}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MarkFlushed reports that records delivered by this session have been
// persisted and their offsets may be committed. Safe to call from any
// goroutine, including after the session has been finalized; marks that
// arrive too late are dropped and the records simply redeliver on the next
// start, where the idempotent upsert absorbs them.
func (s *Session) MarkFlushed(recs []*kgo.Record) {
	if len(recs) == 0 {
		return
	}
	select {
	case s.flushed <- recs:
	case <-s.flushDone:
	}
}

// commitLoop marks flushed records as they arrive and commits marked
// offsets on a fixed cadence rather than per batch.
func (s *Session) commitLoop() {
	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case recs := <-s.flushed:
			if client := s.client.Load(); client != nil {
				client.MarkCommitRecords(recs...)
				pending = true
			}
		case <-ticker.C:
			if pending {
				s.commitMarked()
				pending = false
			}
		case <-s.flushDone:
			for {
				select {
				case recs := <-s.flushed:
					if client := s.client.Load(); client != nil {
						client.MarkCommitRecords(recs...)
					}
				default:
					s.commitMarked()
					close(s.commitDone)
					return
				}
			}
		}
	}
}

func (s *Session) commitMarked() {
	client := s.client.Load()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalCommitMax)
	defer cancel()
	if err := client.CommitMarkedOffsets(ctx); err != nil {
		s.logger.Error("commit marked offsets failed", zap.Error(err))
	}
}

// finalize stops the commit loop, lets it sweep remaining marks, and closes
// the client. Called exactly once, on the way out of Run.
func (s *Session) finalize(client *kgo.Client) {
	if client != nil {
		s.client.Store(client)
	}
	close(s.flushDone)
	<-s.commitDone
	if c := s.client.Load(); c != nil {
		c.Close()
	}
	s.logger.Info("session closed", zap.Int64("messages", s.msgs.Load()))
}

// sleep waits out the reconnect backoff. Returns false if ctx was canceled.
func (s *Session) sleep(ctx context.Context) bool {
	delay := s.backoff.next()
	s.logger.Info("reconnecting", zap.Duration("backoff", delay))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
