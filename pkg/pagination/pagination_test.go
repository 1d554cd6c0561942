package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(newContext("/?limit=10&offset=20"))

	if p.Limit != 10 {
		t.Errorf("expected limit 10, got %d", p.Limit)
	}
	if p.Offset != 20 {
		t.Errorf("expected offset 20, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(newContext("/?limit=5000"))

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := FromContext(newContext("/?limit=abc&offset=-5"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for invalid input, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected negative offset clamped to 0, got %d", p.Offset)
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		name           string
		p              Params
		total          int
		wantStart, end int
	}{
		{"first page", Params{Limit: 2, Offset: 0}, 5, 0, 2},
		{"last partial page", Params{Limit: 2, Offset: 4}, 5, 4, 5},
		{"offset past end", Params{Limit: 2, Offset: 9}, 5, 5, 5},
		{"empty list", Params{Limit: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.p.Window(tt.total)
			if start != tt.wantStart || end != tt.end {
				t.Errorf("Window(%d) = [%d,%d), want [%d,%d)", tt.total, start, end, tt.wantStart, tt.end)
			}
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]string{"P001", "P002"}, 3, 2, 0)
	if !r.HasMore {
		t.Error("expected has_more when items remain")
	}

	r = NewResponse([]string{"P003"}, 3, 2, 2)
	if r.HasMore {
		t.Error("expected no has_more on the last page")
	}
	if !(Params{Limit: 2, Offset: 0}).HasNext(3) {
		t.Error("expected HasNext for first page")
	}
}
