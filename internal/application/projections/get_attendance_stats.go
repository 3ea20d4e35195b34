package projections

import (
	"context"
	"time"

	"gympulse/internal/adapters/storage/visit"
	"gympulse/internal/domain/event"
)

// GetAttendanceStatsQuery carries query parameters.
type GetAttendanceStatsQuery struct {
	Now time.Time // defaults to time.Now
}

// GetAttendanceStatsDeps holds dependencies for GetAttendanceStats.
type GetAttendanceStatsDeps struct {
	VisitStore VisitStore
}

// QueryGetAttendanceStats computes the dashboard statistics over every stored
// visit, using the same rules as the client-side aggregator.
// PRE: Valid query parameters
// POST: Returns the stats payload served on GET /api/attendance/stats and STATS_UPDATE
func QueryGetAttendanceStats(ctx context.Context, query GetAttendanceStatsQuery, deps GetAttendanceStatsDeps) (event.StatsPayload, error) {
	now := query.Now
	if now.IsZero() {
		now = time.Now()
	}
	records, err := deps.VisitStore.List(ctx, visit.ListFilter{})
	if err != nil {
		return event.StatsPayload{}, err
	}
	return ComputeStats(records, now).Payload(), nil
}
