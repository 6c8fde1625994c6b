package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=50", 50, 0},
		{"custom offset", "offset=10", defaultPageLimit, 10},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit at max", "limit=500", maxPageLimit, 0},
		{"limit exceeds max", "limit=5000", maxPageLimit, 0},
		{"negative limit", "limit=-1", defaultPageLimit, 0},
		{"negative offset", "offset=-5", defaultPageLimit, 0},
		{"non-numeric", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit", "limit=0", defaultPageLimit, 0},
		{"large offset", "offset=999999", defaultPageLimit, 999999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/pki/ca?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPage(t *testing.T) {
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}

	tests := []struct {
		name      string
		query     string
		wantFirst int
		wantLen   int
		wantMore  bool
	}{
		{"first page", "limit=10", 0, 10, true},
		{"second page", "limit=10&offset=10", 10, 10, true},
		{"last page partial", "limit=10&offset=20", 20, 5, false},
		{"exact fit", "limit=25", 0, 25, false},
		{"offset beyond total", "limit=10&offset=100", -1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/pki/ca?"+tt.query, nil)
			got, meta := page(r, items)
			assert.Len(t, got, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirst, got[0])
			}
			assert.Equal(t, 25, meta.TotalCount)
			assert.Equal(t, tt.wantMore, meta.HasMore)
		})
	}

	empty, meta := page(httptest.NewRequest("GET", "/pki/ca", nil), []string{})
	assert.Empty(t, empty)
	assert.Equal(t, PaginationMeta{Limit: defaultPageLimit}, meta)
}
