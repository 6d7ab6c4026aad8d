package prescription

import (
	"context"

	"github.com/google/uuid"
)

// Resetter returns rejected and cancelled orders to pending under the same
// tracking code.
type Resetter struct {
	x *Executor
}

func NewResetter(x *Executor) *Resetter {
	return &Resetter{x: x}
}

// Resubmit clears the facility, the milestones and the invoice. Identity,
// owner, tracking code, insurance class and creation time are kept.
func (r *Resetter) Resubmit(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	return r.x.run(ctx, EntryResubmission, actor, id, StatusPending, Payload{})
}
