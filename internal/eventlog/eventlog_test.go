package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/domain"
	"overseer/internal/id"
)

// fakeAppender is an in-memory Appender stand-in for exercising Log without
// going through internal/store.
type fakeAppender struct {
	mu   sync.Mutex
	recs []domain.EventRecord
}

func (f *fakeAppender) NextSeq(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.recs)) + 1, nil
}

func (f *fakeAppender) Append(ctx context.Context, rec domain.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeAppender) Since(ctx context.Context, seq int64, limit int) ([]domain.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EventRecord
	for _, r := range f.recs {
		if r.Seq > seq {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// List gives fakeAppender the store.Events read shape FromEvents adapts.
func (f *fakeAppender) List(ctx context.Context, after int64, limit int) ([]domain.EventRecord, error) {
	return f.Since(ctx, after, limit)
}

func TestLog_NextSeqAndAppend_AreMonotonic(t *testing.T) {
	log := New(&fakeAppender{})
	ctx := context.Background()

	seq1, err := log.NextSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, domain.EventRecord{ID: id.New(id.KindEvent), Seq: seq1}))

	seq2, err := log.NextSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, domain.EventRecord{ID: id.New(id.KindEvent), Seq: seq2}))

	assert.Greater(t, seq2, seq1)
}

func TestLog_Since_ReplaysStrictlyAfterSeq(t *testing.T) {
	log := New(&fakeAppender{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seq, err := log.NextSeq(ctx)
		require.NoError(t, err)
		require.NoError(t, log.Append(ctx, domain.EventRecord{ID: id.New(id.KindEvent), Seq: seq}))
	}

	recs, err := log.Since(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Seq)
	assert.Equal(t, int64(3), recs[1].Seq)
}

func TestLog_Subscribe_ReceivesPublishedEvents(t *testing.T) {
	log := New(&fakeAppender{})
	sub := log.Subscribe()
	defer log.Unsubscribe(sub.ID)

	log.Publish(domain.EventRecord{ID: id.New(id.KindEvent), Seq: 1})

	select {
	case rec := <-sub.C:
		assert.Equal(t, int64(1), rec.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestLog_Unsubscribe_ClosesChannel(t *testing.T) {
	log := New(&fakeAppender{})
	sub := log.Subscribe()
	log.Unsubscribe(sub.ID)

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestLog_Publish_DropsSlowSubscriberInsteadOfBlocking(t *testing.T) {
	log := New(&fakeAppender{})
	log.Subscribe() // never drained, so its queue fills and it gets dropped

	for i := 0; i < subscriberQueueCapacity+10; i++ {
		log.Publish(domain.EventRecord{ID: id.New(id.KindEvent), Seq: int64(i)})
	}

	stats := log.Stats()
	assert.Greater(t, stats.Dropped, int64(0))
	assert.Equal(t, int64(subscriberQueueCapacity+10), stats.Published)
}

func TestLog_Publish_FansOutToMultipleSubscribers(t *testing.T) {
	log := New(&fakeAppender{})
	subA := log.Subscribe()
	subB := log.Subscribe()
	defer log.Unsubscribe(subA.ID)
	defer log.Unsubscribe(subB.ID)

	log.Publish(domain.EventRecord{ID: id.New(id.KindEvent), Seq: 7})

	for _, ch := range []<-chan domain.EventRecord{subA.C, subB.C} {
		select {
		case rec := <-ch:
			assert.Equal(t, int64(7), rec.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
}

func TestFromEvents_AdaptsListToSince(t *testing.T) {
	appender := &fakeAppender{}
	ctx := context.Background()
	require.NoError(t, appender.Append(ctx, domain.EventRecord{ID: id.New(id.KindEvent), Seq: 1}))
	require.NoError(t, appender.Append(ctx, domain.EventRecord{ID: id.New(id.KindEvent), Seq: 2}))

	adapted := FromEvents(appender)
	recs, err := adapted.Since(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Seq)

	seq, err := adapted.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}
