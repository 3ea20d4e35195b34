package projections

import (
	"context"

	"gympulse/internal/adapters/storage/visit"
	domainVisit "gympulse/internal/domain/visit"
)

// VisitStore interface for visit queries.
type VisitStore interface {
	List(ctx context.Context, filter visit.ListFilter) ([]domainVisit.Record, error)
}
