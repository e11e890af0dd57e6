package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/pathmatch"
)

// Params are the named arguments of an RPC call.
type Params map[string]any

// Extractor contributes parameters from one part of the request. Later
// extractors overwrite earlier ones on name clashes.
type Extractor interface {
	Name() string
	Order() int
	Supports(req *Request) bool
	Extract(req *Request, params Params) error
}

// PathExtractor captures {name} variables of the route template.
type PathExtractor struct{}

func (PathExtractor) Name() string { return "path" }
func (PathExtractor) Order() int   { return 100 }

func (PathExtractor) Supports(req *Request) bool {
	return req.Route != nil && strings.Contains(req.Route.Path, "{")
}

func (PathExtractor) Extract(req *Request, params Params) error {
	p, err := pathmatch.Compile(req.Route.Path)
	if err != nil {
		return err
	}
	vars, ok := p.Extract(req.Path)
	if !ok {
		return fmt.Errorf("path %s does not match template %s", req.Path, req.Route.Path)
	}
	for k, v := range vars {
		params[k] = v
	}
	return nil
}

// QueryExtractor adds query parameters. A repeated parameter becomes a
// list.
type QueryExtractor struct{}

func (QueryExtractor) Name() string           { return "query" }
func (QueryExtractor) Order() int             { return 200 }
func (QueryExtractor) Supports(*Request) bool { return true }

func (QueryExtractor) Extract(req *Request, params Params) error {
	for k, vv := range req.Query() {
		switch len(vv) {
		case 0:
		case 1:
			params[k] = vv[0]
		default:
			list := make([]any, len(vv))
			for i, v := range vv {
				list[i] = v
			}
			params[k] = list
		}
	}
	return nil
}

// BodyExtractor merges the fields of a JSON object body.
type BodyExtractor struct{}

func (BodyExtractor) Name() string { return "body" }
func (BodyExtractor) Order() int   { return 300 }

func (BodyExtractor) Supports(req *Request) bool {
	switch strings.ToUpper(req.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return len(req.Body) > 0
	}
	return false
}

func (BodyExtractor) Extract(req *Request, params Params) error {
	var fields map[string]any
	if err := json.Unmarshal(req.Body, &fields); err != nil {
		return fmt.Errorf("body is not a json object: %w", err)
	}
	for k, v := range fields {
		params[k] = v
	}
	return nil
}

// DefaultExtractors returns the path, query and body extractors in order.
func DefaultExtractors() []Extractor {
	return SortExtractors([]Extractor{BodyExtractor{}, QueryExtractor{}, PathExtractor{}})
}

// SortExtractors orders extractors by ascending Order.
func SortExtractors(extractors []Extractor) []Extractor {
	out := append([]Extractor(nil), extractors...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
	return out
}

// ExtractParams runs every supporting extractor. A failing extractor is
// logged and skipped.
func ExtractParams(req *Request, extractors []Extractor, logger observability.Logger) Params {
	params := make(Params)
	for _, e := range extractors {
		if !e.Supports(req) {
			continue
		}
		if err := e.Extract(req, params); err != nil {
			logger.Warn("parameter extraction failed",
				observability.String("source", e.Name()),
				observability.Error(err),
			)
		}
	}
	return params
}
