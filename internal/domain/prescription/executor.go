package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amir0631/noskhe-resan-backend/internal/domain/pharmacy"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/events"
)

// Actor is the caller as vouched for by the identity provider.
type Actor = auth.Principal

// maxInvoice is the largest amount NUMERIC(14,2) can hold.
var maxInvoice = decimal.New(1, 12)

// FacilityDirectory resolves pharmacy ids. *pharmacy.Service satisfies it.
type FacilityDirectory interface {
	Get(ctx context.Context, id int64) (*pharmacy.Pharmacy, error)
}

// Recorder receives executor measurements. *telemetry.Provider satisfies it.
type Recorder interface {
	ObserveTransition(from, to, result string)
	ObserveTransitionDuration(entry string, d time.Duration)
	ObserveLockWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(string, string, string)        {}
func (nopRecorder) ObserveTransitionDuration(string, time.Duration) {}
func (nopRecorder) ObserveLockWait(time.Duration)                   {}

// Executor is the only code path that changes an order's status. Every
// attempt holds the order's row lock from the status read to the commit.
type Executor struct {
	repo       Repository
	facilities FacilityDirectory
	logger     zerolog.Logger
	recorder   Recorder
	publisher  events.Publisher
	now        func() time.Time
}

func NewExecutor(repo Repository, facilities FacilityDirectory, logger zerolog.Logger) *Executor {
	return &Executor{
		repo:       repo,
		facilities: facilities,
		logger:     logger.With().Str("component", "transition_executor").Logger(),
		recorder:   nopRecorder{},
		publisher:  events.Nop{},
		now:        time.Now,
	}
}

// SetRecorder replaces the metrics sink.
func (x *Executor) SetRecorder(r Recorder) {
	if r != nil {
		x.recorder = r
	}
}

// SetPublisher sets where committed transitions are announced.
func (x *Executor) SetPublisher(p events.Publisher) {
	if p != nil {
		x.publisher = p
	}
}

// SetClock overrides the time source used for milestones.
func (x *Executor) SetClock(now func() time.Time) {
	if now != nil {
		x.now = now
	}
}

// AttemptTransition moves order id to status to. Settlement and
// resubmission targets are refused here; use the Ledger and the Resetter.
func (x *Executor) AttemptTransition(ctx context.Context, actor Actor, id uuid.UUID, to Status, p Payload) (*Order, error) {
	return x.run(ctx, EntryWorkflow, actor, id, to, p)
}

func (x *Executor) run(ctx context.Context, entry Entry, actor Actor, id uuid.UUID, to Status, p Payload) (*Order, error) {
	start := time.Now()
	var (
		before *Order
		at     time.Time
	)
	updated, err := x.repo.UpdateLocked(ctx, id, func(ctx context.Context, cur *Order) (*Order, error) {
		x.recorder.ObserveLockWait(time.Since(start))
		before = cur.Clone()

		eff, ok := Lookup(cur.Status, to)
		if !ok {
			return nil, &TransitionError{From: cur.Status, To: to}
		}
		if eff.Entry != entry {
			return nil, &TransitionError{From: cur.Status, To: to, Reserved: true, Via: eff.Entry}
		}
		if err := authorize(actor, eff, cur); err != nil {
			return nil, err
		}
		if eff.AssignFacility {
			if err := x.checkFacility(ctx, p.FacilityID); err != nil {
				return nil, err
			}
		}
		at = x.now().UTC()
		return apply(cur, to, eff, p, at)
	})

	from := "unknown"
	if before != nil {
		from = string(before.Status)
	}
	x.recorder.ObserveTransition(from, string(to), resultLabel(err))
	x.recorder.ObserveTransitionDuration(entry.String(), time.Since(start))

	if err != nil {
		x.logFailure(err, id, from, to, actor)
		return nil, err
	}

	x.logger.Info().
		Str("order_id", id.String()).
		Str("from", from).
		Str("to", string(to)).
		Str("actor", actor.ID).
		Str("actor_role", string(actor.Role)).
		Msg("order transitioned")
	x.announce(ctx, actor, before, updated, at)
	return updated, nil
}

// apply validates the payload against eff and returns cur moved to status to.
func apply(cur *Order, to Status, eff Effect, p Payload, at time.Time) (*Order, error) {
	next := cur.Clone()
	if eff.Reset {
		next.reset()
	}
	if eff.AssignFacility {
		if p.FacilityID == nil {
			return nil, &PayloadError{Field: "pharmacyId", Reason: "required"}
		}
		next.FacilityID = cloneInt(p.FacilityID)
	}
	if eff.RequireInvoice {
		amt, err := validInvoice(p.InvoiceAmount)
		if err != nil {
			return nil, err
		}
		next.InvoiceAmount = &amt
	}
	if eff.RequireRecordedInvoice && (cur.InvoiceAmount == nil || !cur.InvoiceAmount.IsPositive()) {
		return nil, &PayloadError{Field: "invoiceAmount", Reason: "no invoice recorded for this order"}
	}
	next.Status = to
	next.stamp(eff.Stamp, at)
	next.UpdatedAt = at
	return next, nil
}

func validInvoice(amt *decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case amt == nil:
		return decimal.Decimal{}, &PayloadError{Field: "invoiceAmount", Reason: "required"}
	case !amt.IsPositive():
		return decimal.Decimal{}, &PayloadError{Field: "invoiceAmount", Reason: "must be greater than zero"}
	case !amt.Equal(amt.Round(2)):
		return decimal.Decimal{}, &PayloadError{Field: "invoiceAmount", Reason: "at most two decimal places"}
	case amt.GreaterThanOrEqual(maxInvoice):
		return decimal.Decimal{}, &PayloadError{Field: "invoiceAmount", Reason: "too large"}
	}
	return *amt, nil
}

func (x *Executor) checkFacility(ctx context.Context, id *int64) error {
	if id == nil {
		return &PayloadError{Field: "pharmacyId", Reason: "required"}
	}
	if x.facilities == nil {
		return nil
	}
	f, err := x.facilities.Get(ctx, *id)
	switch {
	case errors.Is(err, pharmacy.ErrNotFound):
		return &PayloadError{Field: "pharmacyId", Reason: fmt.Sprintf("pharmacy %d does not exist", *id)}
	case err != nil:
		return &StorageError{Op: "lookup pharmacy", Err: err}
	case !f.Active:
		return &PayloadError{Field: "pharmacyId", Reason: fmt.Sprintf("pharmacy %d is not accepting orders", *id)}
	}
	return nil
}

// authorize applies the role and scope rules of eff. Administrators are
// unrestricted.
func authorize(actor Actor, eff Effect, cur *Order) error {
	if !eff.Permits(actor.Role) {
		return &ForbiddenError{Reason: fmt.Sprintf("role %q may not move an order to this status", actor.Role)}
	}
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	switch eff.Scope {
	case ScopeOwner:
		if actor.ID != cur.OwnerIdentity {
			return &ForbiddenError{Reason: "order belongs to another user"}
		}
	case ScopeFacility:
		if actor.FacilityID == nil || cur.FacilityID == nil || *actor.FacilityID != *cur.FacilityID {
			return &ForbiddenError{Reason: "order is not assigned to your pharmacy"}
		}
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	default:
		return "storage_failure"
	}
}

func (x *Executor) logFailure(err error, id uuid.UUID, from string, to Status, actor Actor) {
	ev := x.logger.Debug()
	if errors.Is(err, ErrStorageFailure) {
		ev = x.logger.Error()
	}
	ev.Err(err).
		Str("order_id", id.String()).
		Str("from", from).
		Str("to", string(to)).
		Str("actor", actor.ID).
		Msg("transition refused")
}

// announce publishes the committed change. Failures are logged by the
// publisher and never reach the caller.
func (x *Executor) announce(ctx context.Context, actor Actor, before, after *Order, at time.Time) {
	e := events.StatusChanged{
		EventID:       uuid.NewString(),
		OrderID:       after.ID.String(),
		TrackingCode:  after.TrackingCode,
		OwnerIdentity: after.OwnerIdentity,
		FacilityID:    cloneInt(after.FacilityID),
		From:          string(before.Status),
		To:            string(after.Status),
		Actor:         actor.ID,
		ActorRole:     string(actor.Role),
		OccurredAt:    at,
	}
	if before.FacilityID != nil && (after.FacilityID == nil || *after.FacilityID != *before.FacilityID) {
		e.PreviousFacilityID = cloneInt(before.FacilityID)
	}
	if err := x.publisher.Publish(ctx, e); err != nil {
		x.logger.Warn().Err(err).Str("order_id", e.OrderID).Msg("status change not delivered")
	}
}
