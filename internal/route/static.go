package route

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// StaticRoute sends every request under Prefix to a fixed backend. Exactly
// one of Service and URL is set. StripPrefix drops that many leading path
// segments before forwarding.
type StaticRoute struct {
	Prefix      string
	Service     string
	URL         string
	StripPrefix int
}

// Matches reports whether path is Prefix itself or lies below it.
func (s StaticRoute) Matches(path string) bool {
	prefix := strings.TrimSuffix(s.Prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Rewrite returns the backend path for path.
func (s StaticRoute) Rewrite(path string) string {
	if s.StripPrefix <= 0 {
		return path
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if s.StripPrefix >= len(segments) {
		return "/"
	}
	return "/" + strings.Join(segments[s.StripPrefix:], "/")
}

func (s StaticRoute) validate() error {
	if !strings.HasPrefix(s.Prefix, "/") {
		return fmt.Errorf("static route prefix %q must start with /", s.Prefix)
	}
	if (s.Service == "") == (s.URL == "") {
		return fmt.Errorf("static route %s needs exactly one of service and url", s.Prefix)
	}
	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("static route %s has an invalid url %q", s.Prefix, s.URL)
		}
	}
	if s.StripPrefix < 0 {
		return fmt.Errorf("static route %s has a negative stripPrefix", s.Prefix)
	}
	return nil
}

// StaticTable matches paths against static routes, longest prefix first.
// A nil table matches nothing.
type StaticTable struct {
	routes []StaticRoute
}

// NewStaticTable validates routes and orders them for matching.
func NewStaticTable(routes []StaticRoute) (*StaticTable, error) {
	sorted := make([]StaticRoute, 0, len(routes))
	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		key := strings.TrimSuffix(r.Prefix, "/")
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate static route prefix %q", r.Prefix)
		}
		seen[key] = struct{}{}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(strings.TrimSuffix(sorted[i].Prefix, "/")) > len(strings.TrimSuffix(sorted[j].Prefix, "/"))
	})
	return &StaticTable{routes: sorted}, nil
}

// Match returns the most specific static route for path.
func (t *StaticTable) Match(path string) (StaticRoute, bool) {
	if t == nil {
		return StaticRoute{}, false
	}
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, true
		}
	}
	return StaticRoute{}, false
}

// Len returns the number of routes.
func (t *StaticTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}
