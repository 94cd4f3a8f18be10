package miniapm

import (
	"regexp"
	"strings"
)

const (
	filterMaxDepth    = 10
	filterMaxElements = 100

	// FilteredValue replaces any value whose key matches a sensitive
	// pattern.
	FilteredValue = "[FILTERED]"
)

// DefaultFilterKeys are the parameter names filtered out of error payloads
// unless the configuration replaces them.
var DefaultFilterKeys = []string{
	"password",
	"password_confirmation",
	"token",
	"secret",
	"api_key",
	"access_token",
}

// ParamFilter deep-filters parameter maps against a set of sensitive key
// patterns. String patterns match any key containing them, case-insensitive;
// regexp patterns match the key directly. Safe for concurrent use once built.
type ParamFilter struct {
	substrings []string
	patterns   []*regexp.Regexp
}

// NewParamFilter builds a filter from the given patterns, each either a
// string or a *regexp.Regexp. Anything else is ignored. No patterns means
// the default sensitive keys.
func NewParamFilter(filters ...interface{}) *ParamFilter {
	if len(filters) == 0 {
		for _, k := range DefaultFilterKeys {
			filters = append(filters, k)
		}
	}
	f := &ParamFilter{}
	for _, raw := range filters {
		switch p := raw.(type) {
		case string:
			f.substrings = append(f.substrings, strings.ToLower(p))
		case *regexp.Regexp:
			f.patterns = append(f.patterns, p)
		}
	}
	return f
}

// Filter returns a filtered deep copy of params. Values under matching keys
// at any depth become FilteredValue; nesting past 10 levels collapses into a
// truncation marker and sequences are capped at 100 elements.
func (f *ParamFilter) Filter(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	return f.filterMap(params, 0)
}

func (f *ParamFilter) filterMap(m map[string]interface{}, depth int) map[string]interface{} {
	if depth >= filterMaxDepth {
		return map[string]interface{}{"__truncated__": "max depth exceeded"}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case f.matches(k):
			out[k] = FilteredValue
		default:
			out[k] = f.filterValue(v, depth)
		}
	}
	return out
}

func (f *ParamFilter) filterValue(v interface{}, depth int) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return f.filterMap(vv, depth+1)
	case []interface{}:
		n := len(vv)
		if n > filterMaxElements {
			n = filterMaxElements
		}
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			if m, ok := vv[i].(map[string]interface{}); ok {
				out[i] = f.filterMap(m, depth+1)
			} else {
				out[i] = vv[i]
			}
		}
		return out
	default:
		return v
	}
}

func (f *ParamFilter) matches(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range f.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, p := range f.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
