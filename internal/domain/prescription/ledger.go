package prescription

import (
	"context"

	"github.com/google/uuid"
)

// Ledger settles ready orders. It is the only way into settled.
type Ledger struct {
	x *Executor
}

func NewLedger(x *Executor) *Ledger {
	return &Ledger{x: x}
}

// Settle moves a ready order to settled. An order that reached ready
// without a recorded invoice is refused with a PayloadError.
func (l *Ledger) Settle(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	return l.x.run(ctx, EntrySettlement, actor, id, StatusSettled, Payload{})
}
