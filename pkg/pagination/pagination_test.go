package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/items?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=10&offset=30", Params{Limit: 10, Offset: 30}},
		{"limit=500", Params{Limit: MaxLimit, Offset: 0}},
		{"limit=-3&offset=-1", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=abc", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=10&page=3", Params{Limit: 10, Offset: 20}},
		{"limit=10&page=3&offset=5", Params{Limit: 10, Offset: 5}},
	}
	for _, tt := range tests {
		if got := paramsFor(t, tt.query); got != tt.want {
			t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("HasNext boundary is wrong")
	}
	if p.NextOffset() != 15 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 30}).PreviousOffset() != 20 {
		t.Error("PreviousOffset from 30 should be 20")
	}
}

func TestNewResponse_MiddlePage(t *testing.T) {
	base, _ := url.Parse("http://api.local/api/v1/owners/u1/prescriptions?status=ready&page=2")
	resp := NewResponse([]string{"a", "b"}, 25, Params{Limit: 10, Offset: 10}, base)

	if !resp.HasMore || resp.Total != 25 {
		t.Errorf("unexpected page %+v", resp)
	}
	if resp.Links.Next != "/api/v1/owners/u1/prescriptions?limit=10&offset=20&status=ready" {
		t.Errorf("unexpected next link %q", resp.Links.Next)
	}
	if resp.Links.Previous != "/api/v1/owners/u1/prescriptions?limit=10&offset=0&status=ready" {
		t.Errorf("unexpected previous link %q", resp.Links.Previous)
	}
}

func TestNewResponse_NilItemsRenderAsEmptyArray(t *testing.T) {
	resp := NewResponse[int](nil, 0, Params{Limit: 20}, nil)
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	_ = json.Unmarshal(raw, &decoded)
	if items, ok := decoded["items"].([]interface{}); !ok || len(items) != 0 {
		t.Errorf("expected empty items array, got %s", raw)
	}
	if decoded["hasMore"] != false {
		t.Errorf("expected hasMore false, got %v", decoded["hasMore"])
	}
}
