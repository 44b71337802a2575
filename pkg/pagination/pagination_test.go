package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=10", 10, 0},
		{"?limit=10&offset=30", 10, 30},
		{"?limit=0", DefaultLimit, 0},
		{"?limit=-5", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
		{"?limit=10000", MaxLimit, 0},
		{"?offset=-1", DefaultLimit, 0},
		{"?limit=25&page=3", 25, 50},
		{"?limit=25&page=1", 25, 0},
		{"?limit=25&page=3&offset=5", 25, 5},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := paramsFor(tt.query)
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("got limit=%d offset=%d, want limit=%d offset=%d", p.Limit, p.Offset, tt.limit, tt.offset)
			}
		})
	}
}

func TestParams_Next(t *testing.T) {
	next := Params{Limit: 20, Offset: 40}.Next()
	if next.Limit != 20 || next.Offset != 60 {
		t.Errorf("unexpected next window %+v", next)
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	tests := []struct {
		name   string
		items  []int
		total  int
		offset int
		want   bool
	}{
		{"full first page", []int{1, 2}, 5, 0, true},
		{"last page", []int{5}, 5, 4, false},
		{"short page", []int{1, 2}, 2, 0, false},
		{"past the end", nil, 3, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse(tt.items, tt.total, 2, tt.offset)
			if r.HasMore != tt.want {
				t.Errorf("HasMore = %v, want %v", r.HasMore, tt.want)
			}
		})
	}
}

func TestNewResponse_EmptyEncodesAsList(t *testing.T) {
	b, err := json.Marshal(NewResponse[string](nil, 0, 10, 0))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"data":[],"total":0,"limit":10,"offset":0,"has_more":false}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}
