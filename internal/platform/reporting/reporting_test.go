package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

type failingQuerier struct {
	sql  string
	args []any
}

func (f *failingQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql, f.args = sql, args
	return nil, errors.New("connection reset")
}

func fixedNow() time.Time { return time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC) }

func TestFindMeasure(t *testing.T) {
	if m := FindMeasure("orders-by-status"); m == nil || m.Name != "Orders by Status" {
		t.Fatalf("expected orders-by-status, got %+v", m)
	}
	if FindMeasure("nope") != nil {
		t.Error("expected nil for unknown measure")
	}
}

func TestMeasures_UniqueIDsAndParameterCount(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range PredefinedMeasures {
		if seen[m.ID] {
			t.Errorf("duplicate measure id %s", m.ID)
		}
		seen[m.ID] = true
		for i := range m.Parameters {
			if !containsPlaceholder(m.SQL, i+1) {
				t.Errorf("%s: parameter %d not referenced in SQL", m.ID, i+1)
			}
		}
	}
}

func containsPlaceholder(sql string, n int) bool {
	p := "$" + string(rune('0'+n))
	for i := 0; i+len(p) <= len(sql); i++ {
		if sql[i:i+len(p)] == p {
			return true
		}
	}
	return false
}

func TestListMeasures_HidesSQL(t *testing.T) {
	h := NewHandler(&failingQuerier{})
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/reports/measures", nil), rec)

	if err := h.ListMeasures(c); err != nil {
		t.Fatal(err)
	}
	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(PredefinedMeasures) {
		t.Fatalf("expected %d measures, got %d", len(PredefinedMeasures), len(got))
	}
	if _, ok := got[0]["SQL"]; ok {
		t.Error("SQL must not be exposed")
	}
}

func evaluate(t *testing.T, q *failingQuerier, id, query string) error {
	t.Helper()
	h := NewHandler(q)
	h.now = fixedNow
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/reports/measures/"+id+"/evaluate?"+query, nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)
	return h.EvaluateMeasure(c)
}

func assertCode(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestEvaluateMeasure_NotFound(t *testing.T) {
	assertCode(t, evaluate(t, &failingQuerier{}, "missing", ""), http.StatusNotFound)
}

func TestEvaluateMeasure_BadParameter(t *testing.T) {
	assertCode(t, evaluate(t, &failingQuerier{}, "settled-revenue", "from=yesterday"), http.StatusBadRequest)
	assertCode(t, evaluate(t, &failingQuerier{}, "settled-revenue", "from=2024-06-02&to=2024-06-01"), http.StatusBadRequest)
}

func TestEvaluateMeasure_BindsDefaultWindow(t *testing.T) {
	q := &failingQuerier{}
	assertCode(t, evaluate(t, q, "facility-throughput", ""), http.StatusServiceUnavailable)

	if len(q.args) != 2 {
		t.Fatalf("expected 2 bound args, got %d", len(q.args))
	}
	from, to := q.args[0].(time.Time), q.args[1].(time.Time)
	if !to.Equal(fixedNow()) || !from.Equal(fixedNow().AddDate(0, 0, -30)) {
		t.Errorf("unexpected window %s..%s", from, to)
	}
}

func TestParseTime(t *testing.T) {
	if got, err := ParseTime("2024-06-01"); err != nil || !got.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date form: %v %v", got, err)
	}
	if _, err := ParseTime("2024-06-01T10:00:00+03:30"); err != nil {
		t.Errorf("rfc3339 form: %v", err)
	}
	if _, err := ParseTime("01/06/2024"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
