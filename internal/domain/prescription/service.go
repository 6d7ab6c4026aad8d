package prescription

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amir0631/noskhe-resan-backend/internal/domain/pharmacy"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
)

// DefaultWorklistWindow is how long finished orders stay on a worklist.
const DefaultWorklistWindow = 24 * time.Hour

// maxReportRange bounds a single facility report.
const maxReportRange = 366 * 24 * time.Hour

var trackingCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{0,63}$`)

// Service exposes the order operations to transports.
type Service struct {
	repo       Repository
	executor   *Executor
	ledger     *Ledger
	resetter   *Resetter
	facilities FacilityDirectory
	window     time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, x *Executor, facilities FacilityDirectory, window time.Duration, logger zerolog.Logger) *Service {
	if window <= 0 {
		window = DefaultWorklistWindow
	}
	return &Service{
		repo:       repo,
		executor:   x,
		ledger:     NewLedger(x),
		resetter:   NewResetter(x),
		facilities: facilities,
		window:     window,
		logger:     logger.With().Str("component", "prescription_service").Logger(),
		now:        time.Now,
	}
}

// SetClock overrides the time source of the service and its executor.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
		s.executor.SetClock(now)
	}
}

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.now() }

// NormalizeTrackingCode trims and upper-cases a tracking code.
func NormalizeTrackingCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Submit records a new pending order. Users submit for themselves; an
// administrator must name the owner.
func (s *Service) Submit(ctx context.Context, actor Actor, req SubmitRequest) (*Order, error) {
	owner := strings.TrimSpace(req.OwnerIdentity)
	switch actor.Role {
	case auth.RoleUser:
		if owner == "" {
			owner = actor.ID
		}
		if owner != actor.ID {
			return nil, &ForbiddenError{Reason: "users may only submit their own prescriptions"}
		}
	case auth.RoleAdmin:
		if owner == "" {
			return nil, &PayloadError{Field: "ownerIdentity", Reason: "required"}
		}
	default:
		return nil, &ForbiddenError{Reason: fmt.Sprintf("role %q may not submit prescriptions", actor.Role)}
	}

	code := NormalizeTrackingCode(req.TrackingCode)
	if code == "" {
		return nil, &PayloadError{Field: "trackingCode", Reason: "required"}
	}
	if !trackingCodePattern.MatchString(code) {
		return nil, &PayloadError{Field: "trackingCode", Reason: "letters, digits, '-' and '_' only, at most 64 characters"}
	}
	if !req.InsuranceClass.Valid() {
		return nil, &PayloadError{Field: "insuranceClass", Reason: fmt.Sprintf("unknown insurance class %q", req.InsuranceClass)}
	}

	o := &Order{
		OwnerIdentity:  owner,
		TrackingCode:   code,
		InsuranceClass: req.InsuranceClass,
		Status:         StatusPending,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("tracking_code", o.TrackingCode).
		Str("actor", actor.ID).
		Msg("order submitted")
	return o, nil
}

// AssignFacility sends a pending order to a pharmacy.
func (s *Service) AssignFacility(ctx context.Context, actor Actor, id uuid.UUID, facilityID int64) (*Order, error) {
	return s.executor.AttemptTransition(ctx, actor, id, StatusPharmacySelected, Payload{FacilityID: &facilityID})
}

// Transition requests any status change, routing settlement and
// resubmission to their dedicated components.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, to Status, p Payload) (*Order, error) {
	switch EntryFor(to) {
	case EntrySettlement:
		return s.ledger.Settle(ctx, actor, id)
	case EntryResubmission:
		return s.resetter.Resubmit(ctx, actor, id)
	}
	return s.executor.AttemptTransition(ctx, actor, id, to, p)
}

func (s *Service) Settle(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	return s.ledger.Settle(ctx, actor, id)
}

func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	return s.executor.AttemptTransition(ctx, actor, id, StatusCancelledByUser, Payload{})
}

func (s *Service) Resubmit(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	return s.resetter.Resubmit(ctx, actor, id)
}

// GetStatus returns the committed state of an order with its pharmacy.
func (s *Service) GetStatus(ctx context.Context, actor Actor, id uuid.UUID) (*Snapshot, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, actor, o)
}

// GetByTrackingCode resolves a tracking code to its order.
func (s *Service) GetByTrackingCode(ctx context.Context, actor Actor, code string) (*Snapshot, error) {
	o, err := s.repo.GetByTrackingCode(ctx, NormalizeTrackingCode(code))
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, actor, o)
}

func (s *Service) snapshot(ctx context.Context, actor Actor, o *Order) (*Snapshot, error) {
	if !CanView(actor, o) {
		return nil, &ForbiddenError{Reason: "order is not visible to you"}
	}
	snap := &Snapshot{Order: o, AllowedNext: AllowedNext(o.Status)}
	if o.FacilityID != nil && s.facilities != nil {
		f, err := s.facilities.Get(ctx, *o.FacilityID)
		switch {
		case err == nil:
			snap.Pharmacy = &Facility{ID: f.ID, Name: f.Name, Address: f.Address, Latitude: f.Latitude, Longitude: f.Longitude}
		case errors.Is(err, pharmacy.ErrNotFound):
		default:
			s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("pharmacy details unavailable")
		}
	}
	return snap, nil
}

// CanView reports whether actor may read o: its owner, its assigned
// pharmacy, or an administrator.
func CanView(actor Actor, o *Order) bool {
	switch actor.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleUser:
		return actor.ID == o.OwnerIdentity
	case auth.RolePharmacy:
		return actor.FacilityID != nil && o.FacilityID != nil && *actor.FacilityID == *o.FacilityID
	}
	return false
}

// ListForOwner returns an owner's orders, newest first.
func (s *Service) ListForOwner(ctx context.Context, actor Actor, owner string, limit, offset int) ([]*Order, int, error) {
	switch {
	case actor.Role == auth.RoleAdmin:
	case actor.Role == auth.RoleUser && actor.ID == owner:
	default:
		return nil, 0, &ForbiddenError{Reason: "history belongs to another user"}
	}
	return s.repo.ListByOwner(ctx, owner, limit, offset)
}

// ListForFacility is the pharmacy worklist: open orders plus those that
// finished within the worklist window.
func (s *Service) ListForFacility(ctx context.Context, actor Actor, facilityID int64, limit, offset int) ([]*Order, int, error) {
	if err := facilityAccess(actor, facilityID); err != nil {
		return nil, 0, err
	}
	since := s.now().UTC().Add(-s.window)
	return s.repo.ListForFacility(ctx, facilityID, since, limit, offset)
}

// ReportForFacility summarizes the facility's orders that finished within
// [from, to].
func (s *Service) ReportForFacility(ctx context.Context, actor Actor, facilityID int64, from, to time.Time) (*Report, error) {
	if err := facilityAccess(actor, facilityID); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, &PayloadError{Field: "to", Reason: "must not be before from"}
	}
	if to.Sub(from) > maxReportRange {
		return nil, &PayloadError{Field: "to", Reason: "report range is limited to one year"}
	}
	orders, err := s.repo.ListFinished(ctx, facilityID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}

	rep := &Report{
		FacilityID:   facilityID,
		From:         from.UTC(),
		To:           to.UTC(),
		Counts:       make(map[Status]int, 3),
		InvoiceTotal: decimal.Zero,
		Orders:       orders,
	}
	for _, o := range orders {
		rep.Counts[o.Status]++
		if o.Status == StatusSettled && o.InvoiceAmount != nil {
			rep.InvoiceTotal = rep.InvoiceTotal.Add(*o.InvoiceAmount)
		}
	}
	if rep.Orders == nil {
		rep.Orders = []*Order{}
	}
	return rep, nil
}

// Stats counts orders by status and those created since midnight UTC.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	byStatus, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.repo.CountCreatedSince(ctx, midnight)
	if err != nil {
		return nil, err
	}

	st := &Stats{ByStatus: make(map[Status]int, len(Statuses)), CreatedToday: today}
	for _, status := range Statuses {
		st.ByStatus[status] = byStatus[status]
		st.Total += byStatus[status]
	}
	return st, nil
}

// CanSubscribe decides live feed subscriptions. Order topics follow CanView;
// facility and owner topics follow the worklist and history rules.
func (s *Service) CanSubscribe(ctx context.Context, p auth.Principal, topic string) bool {
	kind, key, ok := strings.Cut(topic, ":")
	if !ok || key == "" {
		return false
	}
	switch kind {
	case "order":
		id, err := uuid.Parse(key)
		if err != nil {
			return false
		}
		o, err := s.repo.GetByID(ctx, id)
		return err == nil && CanView(p, o)
	case "facility":
		id, err := strconv.ParseInt(key, 10, 64)
		return err == nil && facilityAccess(p, id) == nil
	case "owner":
		return p.Role == auth.RoleAdmin || (p.Role == auth.RoleUser && p.ID == key)
	}
	return false
}

func facilityAccess(actor Actor, facilityID int64) error {
	switch actor.Role {
	case auth.RoleAdmin:
		return nil
	case auth.RolePharmacy:
		if actor.FacilityID != nil && *actor.FacilityID == facilityID {
			return nil
		}
	}
	return &ForbiddenError{Reason: "pharmacy data belongs to another facility"}
}
