package prescription

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order maps to the prescriptions table.
type Order struct {
	ID                  uuid.UUID        `db:"id" json:"id"`
	OwnerIdentity       string           `db:"owner_identity" json:"ownerIdentity"`
	TrackingCode        string           `db:"tracking_code" json:"trackingCode"`
	InsuranceClass      InsuranceClass   `db:"insurance_class" json:"insuranceClass"`
	FacilityID          *int64           `db:"pharmacy_id" json:"pharmacyId,omitempty"`
	Status              Status           `db:"status" json:"status"`
	CreatedAt           time.Time        `db:"created_at" json:"createdAt"`
	FacilityAssignedAt  *time.Time       `db:"pharmacy_assigned_at" json:"pharmacyAssignedAt,omitempty"`
	ProcessingStartedAt *time.Time       `db:"processing_started_at" json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time       `db:"completed_at" json:"completedAt,omitempty"`
	SettledAt           *time.Time       `db:"settled_at" json:"settledAt,omitempty"`
	InvoiceAmount       *decimal.Decimal `db:"invoice_amount" json:"invoiceAmount,omitempty"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.FacilityID = cloneInt(o.FacilityID)
	c.FacilityAssignedAt = cloneTime(o.FacilityAssignedAt)
	c.ProcessingStartedAt = cloneTime(o.ProcessingStartedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.SettledAt = cloneTime(o.SettledAt)
	if o.InvoiceAmount != nil {
		amt := *o.InvoiceAmount
		c.InvoiceAmount = &amt
	}
	return &c
}

// Milestone returns the timestamp recorded for m, or nil.
func (o *Order) Milestone(m Milestone) *time.Time {
	switch m {
	case MilestoneFacilityAssigned:
		return o.FacilityAssignedAt
	case MilestoneProcessingStarted:
		return o.ProcessingStartedAt
	case MilestoneCompleted:
		return o.CompletedAt
	case MilestoneSettled:
		return o.SettledAt
	}
	return nil
}

func (o *Order) stamp(m Milestone, at time.Time) {
	t := at
	switch m {
	case MilestoneFacilityAssigned:
		o.FacilityAssignedAt = &t
	case MilestoneProcessingStarted:
		o.ProcessingStartedAt = &t
	case MilestoneCompleted:
		o.CompletedAt = &t
	case MilestoneSettled:
		o.SettledAt = &t
	}
}

// reset returns the order to a freshly submitted shape. Identity, owner,
// tracking code, insurance class and creation time survive.
func (o *Order) reset() {
	o.Status = StatusPending
	o.FacilityID = nil
	o.FacilityAssignedAt = nil
	o.ProcessingStartedAt = nil
	o.CompletedAt = nil
	o.SettledAt = nil
	o.InvoiceAmount = nil
}

// TerminalAt is when the order left the active flow: settlement time when
// settled, otherwise completion time.
func (o *Order) TerminalAt() *time.Time {
	if o.SettledAt != nil {
		return o.SettledAt
	}
	return o.CompletedAt
}

// Payload carries the optional inputs a transition may require.
type Payload struct {
	FacilityID    *int64           `json:"pharmacyId,omitempty"`
	InvoiceAmount *decimal.Decimal `json:"invoiceAmount,omitempty"`
}

// SubmitRequest is the input for a new order.
type SubmitRequest struct {
	OwnerIdentity  string         `json:"ownerIdentity"`
	TrackingCode   string         `json:"trackingCode"`
	InsuranceClass InsuranceClass `json:"insuranceClass"`
}

// Facility is the pharmacy summary shown alongside an order.
type Facility struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Snapshot is the status view of one order.
type Snapshot struct {
	*Order
	Pharmacy    *Facility `json:"pharmacy,omitempty"`
	AllowedNext []Status  `json:"allowedNext"`
}

// Report summarizes a facility's finished orders in a period.
type Report struct {
	FacilityID   int64           `json:"pharmacyId"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Counts       map[Status]int  `json:"counts"`
	InvoiceTotal decimal.Decimal `json:"invoiceTotal"`
	Orders       []*Order        `json:"orders"`
}

// Stats is the administrator dashboard summary.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"byStatus"`
	CreatedToday int            `json:"createdToday"`
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
