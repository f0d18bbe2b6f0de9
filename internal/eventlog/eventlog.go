// Package eventlog implements the append-only, totally ordered event
// stream backing the engine: a durable log with strictly monotonic
// sequence numbers, and a best-effort live bus fanning those events out
// to readers in real time.
//
// Subscribers each get a bounded channel, and atomic counters track
// delivery for observability. Log.Append is
// synchronous: the engine must have the record durable before its
// transaction commits. Only the downstream fan-out to subscribers is
// asynchronous and best-effort, so a slow or absent reader never blocks
// a write.
package eventlog

import (
	"context"
	"sync"
	"sync/atomic"

	"overseer/internal/domain"
	"overseer/internal/logging"
)

// Appender is the durable storage side of the log: Append assigns no
// sequence number itself (the caller, typically a store transaction,
// allocates seq = max(seq)+1 under the same lock that guards the rest of
// the transaction) but persists the already-sequenced record.
type Appender interface {
	Append(ctx context.Context, rec domain.EventRecord) error
	NextSeq(ctx context.Context) (int64, error)
	Since(ctx context.Context, seq int64, limit int) ([]domain.EventRecord, error)
}

// eventsRepo is the subset of store.Events this package depends on,
// spelled out locally to avoid importing internal/store.
type eventsRepo interface {
	NextSeq(ctx context.Context) (int64, error)
	Append(ctx context.Context, rec domain.EventRecord) error
	List(ctx context.Context, after int64, limit int) ([]domain.EventRecord, error)
}

// FromEvents adapts a store.Events repository to Appender; the store
// repository's List and the log's Since are the same replay read under
// different names, one spelled for spec §4.7, the other for spec §5.
func FromEvents(events eventsRepo) Appender { return eventsAppender{events} }

type eventsAppender struct{ events eventsRepo }

func (a eventsAppender) NextSeq(ctx context.Context) (int64, error) { return a.events.NextSeq(ctx) }

func (a eventsAppender) Append(ctx context.Context, rec domain.EventRecord) error {
	return a.events.Append(ctx, rec)
}

func (a eventsAppender) Since(ctx context.Context, seq int64, limit int) ([]domain.EventRecord, error) {
	return a.events.List(ctx, seq, limit)
}

const subscriberQueueCapacity = 256

// Log couples a durable Appender to a best-effort live bus. Writers call
// Publish after their transaction has committed; readers that need a
// gap-free view replay from the Appender first, then Subscribe, deduping
// by Seq, per spec §5.
type Log struct {
	appender Appender
	logger   logging.Logger

	mu   sync.Mutex
	subs map[int64]chan domain.EventRecord
	next int64

	published atomic.Int64
	dropped   atomic.Int64
}

// New wraps an Appender with a live bus.
func New(appender Appender) *Log {
	return &Log{
		appender: appender,
		logger:   logging.NewComponentLogger("eventlog"),
		subs:     make(map[int64]chan domain.EventRecord),
	}
}

// Publish fans rec out to every current subscriber without blocking. A
// subscriber whose queue is full is dropped rather than allowed to
// back-pressure the publisher; bus loss never affects durability because
// rec is already committed to the Appender by the time Publish is called.
func (l *Log) Publish(rec domain.EventRecord) {
	l.published.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			l.dropped.Add(1)
			close(ch)
			delete(l.subs, id)
			l.logger.Warn("dropped slow event subscriber %d after queue filled at seq %d", id, rec.Seq)
		}
	}
}

// Subscription is a live handle returned by Subscribe; callers must call
// Unsubscribe when done to release the channel.
type Subscription struct {
	ID int64
	C  <-chan domain.EventRecord
}

// Subscribe attaches a new bounded-capacity listener to the bus.
func (l *Log) Subscribe() Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	ch := make(chan domain.EventRecord, subscriberQueueCapacity)
	l.subs[id] = ch
	return Subscription{ID: id, C: ch}
}

// Unsubscribe detaches and closes a subscription's channel, if still
// present (Publish may already have dropped it).
func (l *Log) Unsubscribe(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
	}
}

// Since replays durable history starting strictly after seq, for a
// subscriber reconnecting after a drop or a cold start.
func (l *Log) Since(ctx context.Context, seq int64, limit int) ([]domain.EventRecord, error) {
	return l.appender.Since(ctx, seq, limit)
}

// NextSeq returns the sequence number the next Append inside a
// transaction should use; the caller holds the store's write lock across
// the read-allocate-append sequence so this is race-free without the log
// itself taking a lock.
func (l *Log) NextSeq(ctx context.Context) (int64, error) {
	return l.appender.NextSeq(ctx)
}

// Append persists rec durably. Callers assign Seq via NextSeq before
// calling this, inside the same write transaction as the rest of the
// mutation it accompanies.
func (l *Log) Append(ctx context.Context, rec domain.EventRecord) error {
	return l.appender.Append(ctx, rec)
}

// Stats exposes the atomic counters for metrics wiring.
type Stats struct {
	Published int64
	Dropped   int64
}

func (l *Log) Stats() Stats {
	return Stats{Published: l.published.Load(), Dropped: l.dropped.Load()}
}
