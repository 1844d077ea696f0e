// Package changelog exposes the store's append-only event log.
//
// Events are immutable once appended. There is no update or delete; a
// deletion is itself an event.
package changelog

import (
	"context"
	"iter"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
)

// DefaultPageSize is the number of events fetched per store round trip.
const DefaultPageSize = 500

// Log reads and appends changelog events through a store.
type Log struct {
	store    store.Store
	pageSize int
}

// Option configures a Log.
type Option func(*Log)

// WithPageSize sets how many events ListSince fetches at a time.
func WithPageSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// New creates a Log over s.
func New(s store.Store, opts ...Option) *Log {
	l := &Log{store: s, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores ev and returns its assigned seq. The seq is allocated
// inside the store's writer critical section.
func (l *Log) Append(ctx context.Context, ev model.Event) (int64, error) {
	return l.store.AppendChangelogEvent(ctx, ev)
}

// Head returns the highest appended seq, or 0 when the log is empty.
func (l *Log) Head(ctx context.Context) (int64, error) {
	return l.store.LatestSeq(ctx)
}

// ListSince yields every event with seq > after, in seq order.
//
// The head seq is read once when iteration starts and bounds the sequence,
// so it is finite even while other writers keep appending. Pages are
// fetched lazily; stopping early fetches nothing more. A failed page read
// or a cancelled context is yielded once as an error and ends iteration.
// Restarting from the last seen seq continues without gaps or duplicates.
func (l *Log) ListSince(ctx context.Context, after int64) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		head, err := l.store.LatestSeq(ctx)
		if err != nil {
			yield(model.Event{}, err)
			return
		}

		cursor := after
		for cursor < head {
			if err := ctx.Err(); err != nil {
				yield(model.Event{}, err)
				return
			}

			page, err := l.store.EventsSince(ctx, cursor, l.pageSize)
			if err != nil {
				yield(model.Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}

			for _, ev := range page {
				if ev.Seq > head {
					return
				}
				if !yield(ev, nil) {
					return
				}
				cursor = ev.Seq
			}
		}
	}
}

// Collect drains ListSince into a slice, stopping at the first error.
func (l *Log) Collect(ctx context.Context, after int64, limit int) ([]model.Event, error) {
	events := []model.Event{}
	for ev, err := range l.ListSince(ctx, after) {
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}
