package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpdateFunc receives a private copy of the locked order and returns the
// version to persist. Returning an error aborts the update with the stored
// order untouched.
type UpdateFunc func(ctx context.Context, cur *Order) (*Order, error)

// Repository is the order record store.
type Repository interface {
	// Create inserts o, assigning ID and CreatedAt when unset. A tracking
	// code already in use yields a *DuplicateTrackingCodeError.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByTrackingCode(ctx context.Context, code string) (*Order, error)
	// UpdateLocked holds the order's exclusive lock across fn and the write.
	// Other UpdateLocked calls on the same order wait for it; readers keep
	// seeing the last committed version.
	UpdateLocked(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Order, error)

	ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*Order, int, error)
	// ListForFacility returns active orders plus those that finished at or
	// after since, newest first.
	ListForFacility(ctx context.Context, facilityID int64, since time.Time, limit, offset int) ([]*Order, int, error)
	// ListFinished returns orders of facilityID in a finished status whose
	// terminal time falls within [from, to].
	ListFinished(ctx context.Context, facilityID int64, from, to time.Time) ([]*Order, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
}
