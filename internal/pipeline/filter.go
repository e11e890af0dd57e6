package pipeline

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// Filter names.
const (
	FilterPathSnapshot = "path-snapshot"
	FilterAccessLog    = "access-log"
	FilterTenant       = "tenant"
	FilterRouteMatch   = "route-match"
	FilterAuth         = "auth"
	FilterRateLimit    = "rate-limit"
	FilterBodyCache    = "body-cache"
	FilterDispatch     = "dispatch"
)

// Filter orders. Lower runs first.
const (
	OrderPathSnapshot = 100
	OrderAccessLog    = 200
	OrderTenant       = 300
	OrderRouteMatch   = 400
	OrderAuth         = 500
	OrderRateLimit    = 600
	OrderBodyCache    = 700
	OrderDispatch     = 800
)

// Order is the filter table in execution order.
var Order = []string{
	FilterPathSnapshot,
	FilterAccessLog,
	FilterTenant,
	FilterRouteMatch,
	FilterAuth,
	FilterRateLimit,
	FilterBodyCache,
	FilterDispatch,
}

// Filter is one stage of the chain. Filters keep no per-request state.
type Filter interface {
	Name() string
	Order() int
	Handle(c *gin.Context)
}

type filter struct {
	name    string
	order   int
	handler gin.HandlerFunc
}

func (f filter) Name() string          { return f.name }
func (f filter) Order() int            { return f.order }
func (f filter) Handle(c *gin.Context) { f.handler(c) }

// NewFilter wraps a handler as a Filter.
func NewFilter(name string, order int, handler gin.HandlerFunc) Filter {
	return filter{name: name, order: order, handler: handler}
}

// Build validates the filter table and returns its handlers. Names must be
// unique and non-empty, and orders strictly increasing.
func Build(filters ...Filter) ([]gin.HandlerFunc, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("pipeline has no filters")
	}

	seen := make(map[string]bool, len(filters))
	handlers := make([]gin.HandlerFunc, 0, len(filters))
	for i, f := range filters {
		name := f.Name()
		if name == "" {
			return nil, fmt.Errorf("filter at position %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate filter %q", name)
		}
		seen[name] = true

		if i > 0 && f.Order() <= filters[i-1].Order() {
			return nil, fmt.Errorf("filter %q (order %d) must run after %q (order %d)",
				name, f.Order(), filters[i-1].Name(), filters[i-1].Order())
		}
		handlers = append(handlers, f.Handle)
	}
	return handlers, nil
}
