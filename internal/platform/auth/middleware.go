package auth

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims is the access token payload. Username is accepted as the subject
// for tokens that predate the sub claim.
type Claims struct {
	jwt.RegisteredClaims
	Username   string `json:"username,omitempty"`
	Role       string `json:"role"`
	PharmacyID *int64 `json:"pharmacyId,omitempty"`
}

// Principal converts verified claims into the caller identity.
func (c *Claims) Principal() Principal {
	id := c.Subject
	if id == "" {
		id = c.Username
	}
	return Principal{ID: id, Role: Role(c.Role), FacilityID: c.PharmacyID}
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey verifies HS256 tokens; when empty tokens are verified
	// against JWKSURL.
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var keyfunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyfunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyfunc = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL).Keyfunc
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyfunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			p := claims.Principal()
			if err := p.Validate(); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// Development impersonation headers honoured by DevAuthMiddleware.
const (
	DevUserHeader     = "X-Dev-User"
	DevRoleHeader     = "X-Dev-Role"
	DevPharmacyHeader = "X-Dev-Pharmacy"
)

// DevAuthMiddleware is a permissive middleware for development. Requests
// without impersonation headers run as an administrator; the X-Dev-* headers
// let a developer act as a patient or a pharmacy.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			p := Principal{ID: "dev-admin", Role: RoleAdmin}
			if id := h.Get(DevUserHeader); id != "" {
				p.ID = id
			}
			if role := h.Get(DevRoleHeader); role != "" {
				p.Role = Role(strings.ToLower(role))
			}
			if raw := h.Get(DevPharmacyHeader); raw != "" {
				fid, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid "+DevPharmacyHeader)
				}
				p.FacilityID = &fid
			}
			if err := p.Validate(); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}
