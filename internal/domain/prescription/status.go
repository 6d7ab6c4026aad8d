package prescription

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPharmacySelected Status = "pharmacy_selected"
	StatusPreparing        Status = "preparing"
	StatusReady            Status = "ready"
	StatusSettled          Status = "settled"
	StatusRejected         Status = "rejected"
	StatusCancelledByUser  Status = "cancelled_by_user"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusPharmacySelected,
	StatusPreparing,
	StatusReady,
	StatusSettled,
	StatusRejected,
	StatusCancelledByUser,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Open statuses keep an order on its pharmacy's worklist regardless of age.
// A ready order stays until it is settled.
func (s Status) Open() bool {
	return s == StatusPharmacySelected || s == StatusPreparing || s == StatusReady
}

// Finished statuses are the ones a facility report covers.
func (s Status) Finished() bool {
	return s == StatusSettled || s == StatusRejected || s == StatusCancelledByUser
}

// ParseStatus accepts the wire form, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// InsuranceClass is the payer category recorded at submission.
type InsuranceClass string

const (
	InsuranceSocialSecurity InsuranceClass = "social_security"
	InsuranceHealthServices InsuranceClass = "health_services"
	InsuranceArmedForces    InsuranceClass = "armed_forces"
	InsuranceSupplementary  InsuranceClass = "supplementary"
	InsuranceUninsured      InsuranceClass = "uninsured"
)

var InsuranceClasses = []InsuranceClass{
	InsuranceSocialSecurity,
	InsuranceHealthServices,
	InsuranceArmedForces,
	InsuranceSupplementary,
	InsuranceUninsured,
}

func (c InsuranceClass) Valid() bool {
	for _, v := range InsuranceClasses {
		if c == v {
			return true
		}
	}
	return false
}
