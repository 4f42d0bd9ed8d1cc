package ingest

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Offsets commits record offsets once every sample parsed from them has been
// handled. The broker session implements it.
type Offsets interface {
	MarkFlushed(recs []*kgo.Record)
}

type partitionKey struct {
	off   Offsets
	topic string
	part  int32
}

type trackedRecord struct {
	rec  *kgo.Record
	done bool
}

// offsetLadder releases records for commit only as the contiguous prefix of
// delivered offsets completes. Workers finish records out of order across
// devices sharing a partition; marking a later offset would implicitly commit
// earlier unfinished ones, so completions wait on the ladder until everything
// below them is done.
type offsetLadder struct {
	mu    sync.Mutex
	parts map[partitionKey]*[]trackedRecord
}

func newOffsetLadder() *offsetLadder {
	return &offsetLadder{parts: make(map[partitionKey]*[]trackedRecord)}
}

// track registers a delivered record. Callers deliver records in offset order
// per partition; the ladder keeps that order.
func (l *offsetLadder) track(off Offsets, rec *kgo.Record) {
	key := partitionKey{off: off, topic: rec.Topic, part: rec.Partition}
	l.mu.Lock()
	defer l.mu.Unlock()
	pending, ok := l.parts[key]
	if !ok {
		pending = &[]trackedRecord{}
		l.parts[key] = pending
	}
	*pending = append(*pending, trackedRecord{rec: rec})
}

// complete marks one record done and returns the now-committable prefix, nil
// when an earlier record is still in flight.
func (l *offsetLadder) complete(off Offsets, rec *kgo.Record) []*kgo.Record {
	key := partitionKey{off: off, topic: rec.Topic, part: rec.Partition}
	l.mu.Lock()
	defer l.mu.Unlock()

	pending, ok := l.parts[key]
	if !ok {
		return nil
	}
	for i := range *pending {
		if (*pending)[i].rec.Offset == rec.Offset {
			(*pending)[i].done = true
			break
		}
	}

	var ready []*kgo.Record
	for len(*pending) > 0 && (*pending)[0].done {
		ready = append(ready, (*pending)[0].rec)
		*pending = (*pending)[1:]
	}
	if len(*pending) == 0 {
		delete(l.parts, key)
	}
	return ready
}

// inFlight reports the number of records still awaiting completion.
func (l *offsetLadder) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, pending := range l.parts {
		n += len(*pending)
	}
	return n
}
