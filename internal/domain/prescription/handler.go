package prescription

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/amir0631/noskhe-resan-backend/internal/domain/pharmacy"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/reporting"
	"github.com/amir0631/noskhe-resan-backend/pkg/pagination"
)

// retryAfterSeconds is advertised on storage failures.
const retryAfterSeconds = "1"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the order routes on an authenticated group.
// Transition routes check roles per transition inside the executor.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	owners := api.Group("", auth.RequireRole(auth.RoleUser, auth.RoleAdmin))
	owners.POST("/prescriptions", h.Submit)
	owners.POST("/prescriptions/:id/select-pharmacy", h.SelectPharmacy)
	owners.POST("/prescriptions/:id/cancel", h.Cancel)
	owners.POST("/prescriptions/:id/resubmit", h.Resubmit)
	owners.GET("/owners/:identity/prescriptions", h.ListForOwner)

	signedIn := api.Group("", auth.RequireAuthenticated())
	signedIn.GET("/prescriptions/:id", h.GetStatus)
	signedIn.GET("/prescriptions/track/:code", h.Track)
	signedIn.POST("/prescriptions/:id/transition", h.Transition)
	api.POST("/prescriptions/:id/settle", h.Settle, auth.RequireRole(auth.RolePharmacy, auth.RoleAdmin))

	api.GET("/pharmacy/prescriptions", h.Worklist, auth.RequireRole(auth.RolePharmacy))
	api.GET("/pharmacies/:id/prescriptions", h.FacilityWorklist, auth.RequireRole(auth.RoleAdmin))
	api.GET("/pharmacies/:id/report", h.Report, auth.RequireRole(auth.RolePharmacy, auth.RoleAdmin))
	api.GET("/admin/stats", h.Stats, auth.RequireRole(auth.RoleAdmin))
}

func actorFrom(c echo.Context) (Actor, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

func parseOrderID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid prescription id")
	}
	return id, nil
}

func (h *Handler) Submit(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	o, err := h.svc.Submit(c.Request().Context(), actor, req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, &Snapshot{Order: o, AllowedNext: AllowedNext(o.Status)})
}

func (h *Handler) GetStatus(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseOrderID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetStatus(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Track(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetByTrackingCode(c.Request().Context(), actor, c.Param("code"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

type selectPharmacyRequest struct {
	PharmacyID *int64 `json:"pharmacyId"`
}

func (h *Handler) SelectPharmacy(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseOrderID(c)
	if err != nil {
		return err
	}
	var req selectPharmacyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.PharmacyID == nil {
		return httpError(c, &PayloadError{Field: "pharmacyId", Reason: "required"})
	}
	o, err := h.svc.AssignFacility(c.Request().Context(), actor, id, *req.PharmacyID)
	return h.respond(c, o, err)
}

type transitionRequest struct {
	Status        string           `json:"status"`
	PharmacyID    *int64           `json:"pharmacyId"`
	InvoiceAmount *decimal.Decimal `json:"invoiceAmount"`
}

func (h *Handler) Transition(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseOrderID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Transition(c.Request().Context(), actor, id, to, Payload{
		FacilityID:    req.PharmacyID,
		InvoiceAmount: req.InvoiceAmount,
	})
	return h.respond(c, o, err)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.simple(c, h.svc.Cancel)
}

func (h *Handler) Settle(c echo.Context) error {
	return h.simple(c, h.svc.Settle)
}

func (h *Handler) Resubmit(c echo.Context) error {
	return h.simple(c, h.svc.Resubmit)
}

func (h *Handler) simple(c echo.Context, op func(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error)) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseOrderID(c)
	if err != nil {
		return err
	}
	o, err := op(c.Request().Context(), actor, id)
	return h.respond(c, o, err)
}

func (h *Handler) respond(c echo.Context, o *Order, err error) error {
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, &Snapshot{Order: o, AllowedNext: AllowedNext(o.Status)})
}

func (h *Handler) ListForOwner(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForOwner(c.Request().Context(), actor, c.Param("identity"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL))
}

// Worklist serves the caller's own pharmacy.
func (h *Handler) Worklist(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if actor.FacilityID == nil {
		return echo.NewHTTPError(http.StatusForbidden, "token carries no pharmacy")
	}
	return h.worklist(c, actor, *actor.FacilityID)
}

func (h *Handler) FacilityWorklist(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	facilityID, err := pharmacy.ParseID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pharmacy id")
	}
	return h.worklist(c, actor, facilityID)
}

func (h *Handler) worklist(c echo.Context, actor Actor, facilityID int64) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForFacility(c.Request().Context(), actor, facilityID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL))
}

// Report accepts from/to as RFC 3339 timestamps or dates. A date-only "to"
// covers that whole day. The default range is the last 30 days.
func (h *Handler) Report(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	facilityID, err := pharmacy.ParseID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pharmacy id")
	}

	to := h.svc.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = reporting.ParseTime(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from: use RFC 3339 or YYYY-MM-DD")
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = reporting.ParseTime(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to: use RFC 3339 or YYYY-MM-DD")
		}
		if len(raw) == len(time.DateOnly) {
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
	}

	rep, err := h.svc.ReportForFacility(c.Request().Context(), actor, facilityID, from, to)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// httpError translates service errors into responses.
func httpError(c echo.Context, err error) error {
	var (
		dup     *DuplicateTrackingCodeError
		illegal *TransitionError
		payload *PayloadError
	)
	switch {
	case errors.As(err, &dup):
		return echo.NewHTTPError(http.StatusConflict, echo.Map{
			"message":         err.Error(),
			"trackingCode":    dup.TrackingCode,
			"existingOrderId": dup.ExistingID,
		})
	case errors.As(err, &illegal):
		return echo.NewHTTPError(http.StatusConflict, echo.Map{
			"message":         err.Error(),
			"currentStatus":   illegal.From,
			"requestedStatus": illegal.To,
			"allowedNext":     AllowedNext(illegal.From),
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
	case errors.As(err, &payload):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, echo.Map{
			"message": err.Error(),
			"field":   payload.Field,
		})
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "prescription store unavailable, retry shortly")
	}
}
