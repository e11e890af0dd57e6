package dispatch

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/types/known/structpb"
)

// Strategy turns extracted parameters into the single argument of an RPC
// call. Build also returns the inferred type of each positional value.
type Strategy struct {
	Name  string
	Match func(count int) bool
	Build func(params Params) (*structpb.Value, []string, error)
}

// DefaultStrategies are tried in order; the first match wins.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "no-arg", Match: func(n int) bool { return n == 0 }, Build: buildNoArg},
		{Name: "single-arg", Match: func(n int) bool { return n == 1 }, Build: buildSingleArg},
		{Name: "multi-arg", Match: func(n int) bool { return n > 1 }, Build: buildMultiArg},
	}
}

// SelectStrategy returns the first strategy matching count parameters.
func SelectStrategy(strategies []Strategy, count int) (Strategy, bool) {
	for _, s := range strategies {
		if s.Match(count) {
			return s, true
		}
	}
	return Strategy{}, false
}

func buildNoArg(Params) (*structpb.Value, []string, error) {
	return structpb.NewNullValue(), nil, nil
}

func buildSingleArg(params Params) (*structpb.Value, []string, error) {
	for name, v := range params {
		value, err := structpb.NewValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		return value, []string{TypeOf(v)}, nil
	}
	return nil, nil, fmt.Errorf("no parameter to pass")
}

func buildMultiArg(params Params) (*structpb.Value, []string, error) {
	s, err := structpb.NewStruct(params)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	types := make([]string, len(names))
	for i, name := range names {
		types[i] = name + "=" + TypeOf(params[name])
	}
	return structpb.NewStructValue(s), types, nil
}

// TypeOf names the wire type of a parameter value.
func TypeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
