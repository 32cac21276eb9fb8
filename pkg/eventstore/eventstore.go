package eventstore

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/store"
	"github.com/harborline/courier/pkg/types"
)

// EventStore is the append/read API over the durable event log
type EventStore struct {
	backend store.Store
	logger  zerolog.Logger
}

// New creates an EventStore over the given backend
func New(backend store.Store) *EventStore {
	return &EventStore{
		backend: backend,
		logger:  log.WithComponent("eventstore"),
	}
}

// Append writes events to a stream in order. When expectedVersion is
// non-nil the first event must land right after it, which fails with
// types.ErrOptimisticConcurrency if another writer got there first.
// Returns the version of the last event written.
func (es *EventStore) Append(ctx context.Context, streamID string, expectedVersion *int64, events ...types.EventRecord) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var last int64
	expected := expectedVersion
	for i := range events {
		v, err := es.backend.AppendEvent(ctx, streamID, expected, events[i])
		if err != nil {
			if errors.Is(err, types.ErrOptimisticConcurrency) {
				metrics.VersionConflicts.Inc()
				es.logger.Debug().
					Str("stream_id", streamID).
					Int("event", i).
					Msg("append lost version race")
			}
			return last, err
		}
		metrics.EventsAppended.Inc()
		last = v
		// Later events in the batch must follow the one just written.
		next := v
		expected = &next
	}
	es.logger.Debug().
		Str("stream_id", streamID).
		Int("events", len(events)).
		Int64("version", last).
		Msg("appended events")
	return last, nil
}

// Load returns a stream's full history in version order
func (es *EventStore) Load(ctx context.Context, streamID string) ([]types.EventRecord, error) {
	return es.backend.ReadStream(ctx, streamID, 1, 0)
}

// LoadRange returns a slice of a stream's history. fromVersion is
// inclusive; toVersion of 0 means the tip.
func (es *EventStore) LoadRange(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]types.EventRecord, error) {
	return es.backend.ReadStream(ctx, streamID, fromVersion, toVersion)
}

// CurrentVersion returns the stream's tip version, 0 for an unknown stream
func (es *EventStore) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	events, err := es.backend.ReadStream(ctx, streamID, 1, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Version, nil
}

// Since pages through global history in SeqID order, after the given
// position. Perspectives replay with this.
func (es *EventStore) Since(ctx context.Context, afterSeqID int64, eventTypes []string, limit int) ([]types.EventRecord, error) {
	return es.backend.ReadEventsSince(ctx, afterSeqID, eventTypes, limit)
}
