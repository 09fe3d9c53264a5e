package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/insightos/leadscore/internal/lead"
	"github.com/insightos/leadscore/pkg/logger"
	"github.com/insightos/leadscore/pkg/postgres"
)

const selectEvents = `SELECT visitor_id, event_type, "timestamp", first_touch, last_touch
FROM user_events
WHERE visitor_id = ANY($1)
ORDER BY "timestamp"`

// Events is the append-only event table. Attribution columns hold JSON text
// or jsonb and are parsed leniently.
//
//	CREATE TABLE user_events (
//	    visitor_id  TEXT NOT NULL,
//	    event_type  TEXT NOT NULL,
//	    "timestamp" TIMESTAMPTZ NOT NULL,
//	    first_touch JSONB,
//	    last_touch  JSONB
//	);
type Events struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewEvents(db *postgres.Client) *Events {
	return &Events{
		db:     db,
		logger: logger.WithComponent("event-store"),
	}
}

// FetchEvents returns every event of the given visitors, oldest first.
func (s *Events) FetchEvents(ctx context.Context, visitorIDs []string) ([]lead.Event, error) {
	if len(visitorIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.DB.QueryContext(ctx, selectEvents, pq.Array(visitorIDs))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []lead.Event
	for rows.Next() {
		var (
			e                     lead.Event
			firstTouch, lastTouch []byte
		)
		if err := rows.Scan(&e.VisitorID, &e.Type, &e.Timestamp, &firstTouch, &lastTouch); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.FirstTouch = lead.ParseAttribution(firstTouch)
		e.LastTouch = lead.ParseAttribution(lastTouch)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	s.logger.DebugContext(ctx, "events loaded", "visitors", len(visitorIDs), "events", len(events))
	return events, nil
}
