package auth

import (
	"context"
	"fmt"
)

// Role is the coarse actor category carried in the access token.
type Role string

const (
	// RoleUser is the patient who submitted the prescription.
	RoleUser Role = "user"
	// RolePharmacy is staff of one pharmacy; tokens carry its facility id.
	RolePharmacy Role = "pharmacy"
	// RoleAdmin is a platform administrator.
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RolePharmacy, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller as vouched for by the identity
// provider. The service trusts it as given.
type Principal struct {
	ID         string `json:"id"`
	Role       Role   `json:"role"`
	FacilityID *int64 `json:"facility_id,omitempty"`
}

func (p Principal) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("principal has no subject")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	if p.Role == RolePharmacy && p.FacilityID == nil {
		return fmt.Errorf("pharmacy principal %q has no pharmacy id", p.ID)
	}
	return nil
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by JWTMiddleware or
// DevAuthMiddleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
