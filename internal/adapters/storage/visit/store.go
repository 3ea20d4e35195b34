package visit

import (
	"context"
	"time"

	domain "gympulse/internal/domain/visit"
)

// Store persists visit records.
type Store interface {
	GetByID(ctx context.Context, id string) (domain.Record, error)
	Save(ctx context.Context, value domain.Record) error
	OpenForMember(ctx context.Context, memberID string) (domain.Record, bool, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Record, error)
}

// ListFilter carries filtering parameters for List operations.
type ListFilter struct {
	Since  time.Time // zero means no lower bound
	Limit  int       // 0 means no limit
	Offset int
	// Newest pages from the most recent check-in backwards. Results are
	// still returned oldest first.
	Newest bool
}
