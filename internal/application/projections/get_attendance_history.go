package projections

import (
	"context"
	"time"

	"gympulse/internal/adapters/storage/visit"
	"gympulse/internal/domain/event"
)

// DefaultHistoryLimit caps a history response.
const DefaultHistoryLimit = 5000

// GetAttendanceHistoryQuery carries query parameters.
type GetAttendanceHistoryQuery struct {
	Since time.Time // optional lower bound on check-in time
	Limit int       // defaults to DefaultHistoryLimit
}

// GetAttendanceHistoryDeps holds dependencies for GetAttendanceHistory.
type GetAttendanceHistoryDeps struct {
	VisitStore VisitStore
}

// QueryGetAttendanceHistory returns the most recent visits in wire form,
// oldest check-in first.
// PRE: Valid query parameters
// POST: Returns the newest Limit visits; never nil
func QueryGetAttendanceHistory(ctx context.Context, query GetAttendanceHistoryQuery, deps GetAttendanceHistoryDeps) ([]event.VisitPayload, error) {
	if query.Limit <= 0 {
		query.Limit = DefaultHistoryLimit
	}
	records, err := deps.VisitStore.List(ctx, visit.ListFilter{Since: query.Since, Limit: query.Limit, Newest: true})
	if err != nil {
		return nil, err
	}
	out := make([]event.VisitPayload, 0, len(records))
	for _, r := range records {
		out = append(out, event.FromRecord(r))
	}
	return out, nil
}
