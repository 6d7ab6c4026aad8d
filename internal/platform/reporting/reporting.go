// Package reporting runs predefined administrative measures directly
// against the order tables.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
)

// MeasureDefinition is a named, parameterised SQL query. Parameters are bound
// positionally in the listed order.
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"-"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measureId"`
	MeasureName string                   `json:"measureName"`
	GeneratedAt time.Time                `json:"generatedAt"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures. Window
// parameters "from" and "to" default to the last 30 days.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "orders-by-status",
		Name:        "Orders by Status",
		Description: "Number of prescription orders in each lifecycle status",
		SQL:         `SELECT status, COUNT(*) AS total FROM prescriptions GROUP BY status ORDER BY total DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "facility-throughput",
		Name:        "Facility Throughput",
		Description: "Orders finished per pharmacy in the window, split by outcome",
		SQL: `SELECT p.pharmacy_id, ph.name AS pharmacy_name,
       COUNT(*) FILTER (WHERE p.status = 'settled') AS settled,
       COUNT(*) FILTER (WHERE p.status = 'rejected') AS rejected,
       COUNT(*) FILTER (WHERE p.status = 'cancelled_by_user') AS cancelled
FROM prescriptions p JOIN pharmacies ph ON ph.id = p.pharmacy_id
WHERE COALESCE(p.settled_at, p.completed_at) >= $1 AND COALESCE(p.settled_at, p.completed_at) < $2
GROUP BY p.pharmacy_id, ph.name ORDER BY settled DESC`,
		Parameters: []string{"from", "to"},
	},
	{
		ID:          "settled-revenue",
		Name:        "Settled Revenue",
		Description: "Sum of recorded invoice amounts of settled orders per pharmacy",
		SQL: `SELECT p.pharmacy_id, ph.name AS pharmacy_name, COUNT(*) AS orders,
       COALESCE(SUM(p.invoice_amount), 0)::text AS invoice_total
FROM prescriptions p JOIN pharmacies ph ON ph.id = p.pharmacy_id
WHERE p.status = 'settled' AND p.settled_at >= $1 AND p.settled_at < $2
GROUP BY p.pharmacy_id, ph.name ORDER BY p.pharmacy_id`,
		Parameters: []string{"from", "to"},
	},
	{
		ID:          "insurance-mix",
		Name:        "Insurance Mix",
		Description: "Orders submitted in the window grouped by insurance class",
		SQL: `SELECT insurance_class, COUNT(*) AS total FROM prescriptions
WHERE created_at >= $1 AND created_at < $2 GROUP BY insurance_class ORDER BY total DESC`,
		Parameters: []string{"from", "to"},
	},
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db  Querier
	now func() time.Time
}

func NewHandler(db Querier) *Handler {
	return &Handler{db: db, now: time.Now}
}

// RegisterRoutes mounts /reports for administrators.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RoleAdmin))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure binds the measure's parameters from the query string and
// executes it.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	args, params, err := h.bind(measure, c.QueryParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	results, err := h.execute(c.Request().Context(), measure.SQL, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "measure evaluation failed")
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: h.now().UTC(),
		Results:     results,
		Parameters:  params,
	})
}

func (h *Handler) bind(m *MeasureDefinition, query func(string) string) ([]any, map[string]string, error) {
	now := h.now().UTC()
	defaults := map[string]time.Time{
		"from": now.AddDate(0, 0, -30),
		"to":   now,
	}

	args := make([]any, 0, len(m.Parameters))
	params := make(map[string]string, len(m.Parameters))
	for _, name := range m.Parameters {
		v := defaults[name]
		if raw := query(name); raw != "" {
			parsed, err := ParseTime(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid %s: %w", name, err)
			}
			v = parsed
		}
		args = append(args, v)
		params[name] = v.Format(time.RFC3339)
	}
	if len(args) == 2 && !args[0].(time.Time).Before(args[1].(time.Time)) {
		return nil, nil, fmt.Errorf("from must be before to")
	}
	return args, params, nil
}

func (h *Handler) execute(ctx context.Context, sql string, args ...any) ([]map[string]interface{}, error) {
	rows, err := h.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// ParseTime accepts RFC 3339 timestamps or plain dates (YYYY-MM-DD, UTC
// midnight).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
