package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
)

// TestExtractParams tests extractor order and precedence.
func TestExtractParams(t *testing.T) {
	t.Parallel()

	rt := &route.Route{Path: "/open/orders/{orderId}/items/{sku}"}

	tests := []struct {
		name string
		req  *Request
		want Params
	}{
		{
			name: "path only",
			req:  &Request{Route: rt, Method: "GET", Path: "/open/orders/9/items/ab"},
			want: Params{"orderId": "9", "sku": "ab"},
		},
		{
			name: "query overrides path",
			req:  &Request{Route: rt, Method: "GET", Path: "/open/orders/9/items/ab", RawQuery: "sku=zz&x=1&x=2"},
			want: Params{"orderId": "9", "sku": "zz", "x": []any{"1", "2"}},
		},
		{
			name: "body overrides query",
			req: &Request{
				Route:    rt,
				Method:   "PATCH",
				Path:     "/open/orders/9/items/ab",
				RawQuery: "qty=1",
				Body:     []byte(`{"qty":5,"gift":true}`),
			},
			want: Params{"orderId": "9", "sku": "ab", "qty": float64(5), "gift": true},
		},
		{
			name: "body ignored for GET",
			req:  &Request{Route: rt, Method: "GET", Path: "/open/orders/9/items/ab", Body: []byte(`{"qty":5}`)},
			want: Params{"orderId": "9", "sku": "ab"},
		},
		{
			name: "malformed body is skipped",
			req:  &Request{Route: rt, Method: "POST", Path: "/open/orders/9/items/ab", Body: []byte(`[1,2]`)},
			want: Params{"orderId": "9", "sku": "ab"},
		},
		{
			name: "literal template has no path params",
			req:  &Request{Route: &route.Route{Path: "/open/orders"}, Method: "GET", Path: "/open/orders"},
			want: Params{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractParams(tt.req, DefaultExtractors(), observability.NopLogger())
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestDefaultExtractors tests extractor ordering.
func TestDefaultExtractors(t *testing.T) {
	t.Parallel()

	var orders []int
	for _, e := range DefaultExtractors() {
		orders = append(orders, e.Order())
	}
	assert.Equal(t, []int{100, 200, 300}, orders)
}

// TestSelectStrategy tests first-match strategy selection.
func TestSelectStrategy(t *testing.T) {
	t.Parallel()

	strategies := DefaultStrategies()
	for count, want := range map[int]string{0: "no-arg", 1: "single-arg", 2: "multi-arg", 9: "multi-arg"} {
		s, ok := SelectStrategy(strategies, count)
		require.True(t, ok)
		assert.Equal(t, want, s.Name)
	}

	_, ok := SelectStrategy(nil, 1)
	assert.False(t, ok)
}

// TestStrategyBuild tests argument values and inferred types.
func TestStrategyBuild(t *testing.T) {
	t.Parallel()

	s, _ := SelectStrategy(DefaultStrategies(), 1)
	v, types, err := s.Build(Params{"ids": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v.AsInterface())
	assert.Equal(t, []string{"list"}, types)

	_, _, err = s.Build(Params{"bad": make(chan int)})
	assert.Error(t, err)

	m, _ := SelectStrategy(DefaultStrategies(), 2)
	v, types, err = m.Build(Params{"b": true, "a": nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": nil, "b": true}, v.AsInterface())
	assert.Equal(t, []string{"a=null", "b=bool"}, types)
}
