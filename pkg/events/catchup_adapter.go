package events

import (
	"context"

	"github.com/relaykit/orchestra/pkg/db"
)

// eventLogQuerier abstracts the event-log query method needed by
// EventLogAdapter. Implemented by *db.EventLogRepo.
type eventLogQuerier interface {
	GetSince(ctx context.Context, channel string, sinceID, limit int) ([]db.EventLogRow, error)
}

// EventLogAdapter wraps an eventLogQuerier to implement CatchupQuerier.
type EventLogAdapter struct {
	querier eventLogQuerier
}

// NewEventLogAdapter creates a CatchupQuerier from an EventLogRepo.
func NewEventLogAdapter(repo eventLogQuerier) *EventLogAdapter {
	return &EventLogAdapter{querier: repo}
}

// GetCatchupEvents queries events since sinceID up to limit for the catchup mechanism.
func (a *EventLogAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	rows, err := a.querier.GetSince(ctx, channel, sinceID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(rows))
	for i, row := range rows {
		result[i] = CatchupEvent{
			ID:      int(row.ID),
			Payload: row.Payload,
		}
	}
	return result, nil
}
