package prescription

import (
	"sort"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
)

// Milestone names a timestamp an order records when it enters a status.
type Milestone int

const (
	MilestoneNone Milestone = iota
	MilestoneFacilityAssigned
	MilestoneProcessingStarted
	MilestoneCompleted
	MilestoneSettled
)

// Entry identifies which component is allowed to perform a transition.
type Entry int

const (
	// EntryWorkflow transitions go through Executor.AttemptTransition.
	EntryWorkflow Entry = iota
	// EntrySettlement is reserved to the Ledger.
	EntrySettlement
	// EntryResubmission is reserved to the Resetter.
	EntryResubmission
)

func (e Entry) String() string {
	switch e {
	case EntrySettlement:
		return "settlement"
	case EntryResubmission:
		return "resubmission"
	default:
		return "workflow"
	}
}

// Scope restricts a non-admin actor to orders it is attached to.
type Scope int

const (
	ScopeOwner Scope = iota + 1
	ScopeFacility
)

// Effect is what a legal transition does besides changing status.
type Effect struct {
	Entry Entry
	Stamp Milestone
	// AssignFacility requires a facility id in the payload and records it.
	AssignFacility bool
	// RequireInvoice requires a positive invoice amount in the payload.
	RequireInvoice bool
	// RequireRecordedInvoice requires the order to already carry an invoice.
	RequireRecordedInvoice bool
	// Reset clears the facility, every milestone and the invoice.
	Reset bool
	Roles []auth.Role
	Scope Scope
}

var (
	ownerRoles    = []auth.Role{auth.RoleUser, auth.RoleAdmin}
	facilityRoles = []auth.Role{auth.RolePharmacy, auth.RoleAdmin}
)

var (
	cancel   = Effect{Entry: EntryWorkflow, Stamp: MilestoneCompleted, Roles: ownerRoles, Scope: ScopeOwner}
	reject   = Effect{Entry: EntryWorkflow, Stamp: MilestoneCompleted, Roles: facilityRoles, Scope: ScopeFacility}
	resubmit = Effect{Entry: EntryResubmission, Reset: true, Roles: ownerRoles, Scope: ScopeOwner}
)

// table is the complete set of legal transitions. Pairs that are absent are
// illegal.
var table = map[Status]map[Status]Effect{
	StatusPending: {
		StatusPharmacySelected: {Entry: EntryWorkflow, Stamp: MilestoneFacilityAssigned, AssignFacility: true, Roles: ownerRoles, Scope: ScopeOwner},
		StatusCancelledByUser:  cancel,
	},
	StatusPharmacySelected: {
		StatusPreparing:       {Entry: EntryWorkflow, Stamp: MilestoneProcessingStarted, Roles: facilityRoles, Scope: ScopeFacility},
		StatusRejected:        reject,
		StatusCancelledByUser: cancel,
	},
	StatusPreparing: {
		StatusReady:           {Entry: EntryWorkflow, Stamp: MilestoneCompleted, RequireInvoice: true, Roles: facilityRoles, Scope: ScopeFacility},
		StatusRejected:        reject,
		StatusCancelledByUser: cancel,
	},
	StatusReady: {
		StatusSettled: {Entry: EntrySettlement, Stamp: MilestoneSettled, RequireRecordedInvoice: true, Roles: facilityRoles, Scope: ScopeFacility},
	},
	StatusRejected: {
		StatusPending: resubmit,
	},
	StatusCancelledByUser: {
		StatusPending: resubmit,
	},
}

// Lookup returns the effect of moving from -> to, and whether it is legal.
func Lookup(from, to Status) (Effect, bool) {
	e, ok := table[from][to]
	return e, ok
}

// AllowedNext lists the statuses reachable from s in lifecycle order.
func AllowedNext(s Status) []Status {
	out := make([]Status, 0, len(table[s]))
	for to := range table[s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// EntryFor reports which component owns transitions into target. The table
// routes every target through a single entry.
func EntryFor(target Status) Entry {
	for _, edges := range table {
		if e, ok := edges[target]; ok && e.Entry != EntryWorkflow {
			return e.Entry
		}
	}
	return EntryWorkflow
}

// Permits reports whether role may request the transition at all, before
// scope is considered.
func (e Effect) Permits(role auth.Role) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func rank(s Status) int {
	for i, v := range Statuses {
		if v == s {
			return i
		}
	}
	return len(Statuses)
}
