package notify

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// Filter selects notifications with a jq expression, e.g. `.type == "error"`.
// A notification matches when the first result is truthy.
type Filter struct {
	expr string
	code *gojq.Code
}

// CompileFilter parses and compiles a jq expression. An empty expression
// yields a nil filter, which matches everything.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, code: code}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against n.
func (f *Filter) Match(n Notification) bool {
	if f == nil {
		return true
	}
	// gojq wants plain maps, so round-trip through JSON
	data, err := json.Marshal(n)
	if err != nil {
		return false
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	iter := f.code.Run(v)
	result, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := result.(error); isErr {
		return false
	}
	return IsTruthy(result)
}

// IsTruthy follows jq truthiness: only false and null are false.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}
