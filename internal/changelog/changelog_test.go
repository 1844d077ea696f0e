package changelog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store/memory"
	"github.com/roach88/fkg/internal/testutil"
)

func newEvent(clock *testutil.DeterministicClock) model.Event {
	org := testutil.SampleGraph("marin.ca.us").Organization
	return model.EntityEvent(model.EventCreateEntity, "marin.ca.us", org, clock.Now())
}

func seedLog(t *testing.T, n int, opts ...Option) *Log {
	t.Helper()
	log := New(memory.New(), opts...)
	clock := testutil.NewDeterministicClock()
	for range n {
		_, err := log.Append(context.Background(), newEvent(clock))
		require.NoError(t, err)
	}
	return log
}

func collectSeqs(t *testing.T, log *Log, after int64) []int64 {
	t.Helper()
	var out []int64
	for ev, err := range log.ListSince(context.Background(), after) {
		require.NoError(t, err)
		out = append(out, ev.Seq)
	}
	return out
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	log := New(memory.New())
	clock := testutil.NewDeterministicClock()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		seq, err := log.Append(ctx, newEvent(clock))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestListSincePagesInOrder(t *testing.T) {
	log := seedLog(t, 23, WithPageSize(5))

	assert.Equal(t, seqRange(1, 23), collectSeqs(t, log, 0))
	assert.Equal(t, seqRange(18, 23), collectSeqs(t, log, 17))
	assert.Empty(t, collectSeqs(t, log, 23))
	assert.Empty(t, collectSeqs(t, log, 100))
}

func TestListSinceEmptyLog(t *testing.T) {
	log := New(memory.New())
	assert.Empty(t, collectSeqs(t, log, 0))
}

func TestListSinceIsBoundedByHeadAtStart(t *testing.T) {
	log := seedLog(t, 4, WithPageSize(2))
	clock := testutil.NewDeterministicClock()
	ctx := context.Background()

	var seen []int64
	for ev, err := range log.ListSince(ctx, 0) {
		require.NoError(t, err)
		seen = append(seen, ev.Seq)
		_, err := log.Append(ctx, newEvent(clock))
		require.NoError(t, err)
	}

	assert.Equal(t, seqRange(1, 4), seen, "events appended during iteration are not yielded")
	assert.Equal(t, seqRange(5, 8), collectSeqs(t, log, 4), "a restart picks them up")
}

func TestListSinceStopsEarly(t *testing.T) {
	log := seedLog(t, 10, WithPageSize(3))

	var seen []int64
	for ev, err := range log.ListSince(context.Background(), 0) {
		require.NoError(t, err)
		seen = append(seen, ev.Seq)
		if len(seen) == 4 {
			break
		}
	}
	assert.Equal(t, seqRange(1, 4), seen)
}

func TestListSinceCancelled(t *testing.T) {
	log := seedLog(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range log.ListSince(ctx, 0) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestCollect(t *testing.T) {
	log := seedLog(t, 6, WithPageSize(4))

	events, err := log.Collect(context.Background(), 2, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)
}

// TestConcurrentAppendsAreGapFree has N writers append M events each while
// a reader pages through the log.
func TestConcurrentAppendsAreGapFree(t *testing.T) {
	const writers, perWriter = 10, 50
	log := New(memory.New(), WithPageSize(16))
	clock := testutil.NewDeterministicClock()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_, err := log.Append(ctx, newEvent(clock))
				assert.NoError(t, err)
			}
		}()
	}

	// Concurrent reads must stay ordered and duplicate free.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		var last int64
		for ev, err := range log.ListSince(ctx, 0) {
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, last+1, ev.Seq)
			last = ev.Seq
		}
	}()

	wg.Wait()
	<-readerDone

	assert.Equal(t, seqRange(1, writers*perWriter), collectSeqs(t, log, 0))
}

func seqRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}
