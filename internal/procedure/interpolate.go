package procedure

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {{path.to.var}} template tokens.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces every {{path.to.var}} token in s with the value at
// that dot-path in variables. Unresolved placeholders are left literal so a
// misconfigured template degrades visibly instead of silently.
func Interpolate(s string, variables map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := LookupVar(variables, path); ok {
			return stringify(v)
		}
		return match
	})
}

// LookupVar walks variables by the dot-segments of path. Each intermediate
// segment must resolve to a map.
func LookupVar(variables map[string]any, path string) (any, bool) {
	var current any = variables
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetVar writes value at the dot-path, creating nested maps for
// intermediate segments. Existing non-map intermediates are overwritten.
func SetVar(variables map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	current := variables
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segs[len(segs)-1]] = value
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ── Conditions ──────────────────────────────────────────────

// condOps is checked longest-operator-first so ">=" never parses as ">".
var condOps = []string{">=", "<=", "==", "!=", ">", "<"}

// EvalCondition evaluates "left OP right". Both sides are interpolated
// first; when both parse as numbers the comparison is numeric, otherwise
// string equality (only == and != are meaningful). Anything malformed
// evaluates to false.
func EvalCondition(expr string, variables map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}

	for _, op := range condOps {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(Interpolate(expr[:idx], variables))
		right := strings.TrimSpace(Interpolate(expr[idx+len(op):], variables))

		lf, lerr := strconv.ParseFloat(left, 64)
		rf, rerr := strconv.ParseFloat(right, 64)
		if lerr == nil && rerr == nil {
			switch op {
			case ">":
				return lf > rf
			case "<":
				return lf < rf
			case ">=":
				return lf >= rf
			case "<=":
				return lf <= rf
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			}
		}

		switch op {
		case "==":
			return left == right
		case "!=":
			return left != right
		}
		return false // ordering on non-numbers is undefined
	}
	return false
}

// ── Response mapping ────────────────────────────────────────

// ResolveJSONPath walks a decoded JSON document by the dot-segments of a
// simplified JSON path ("$." prefix optional, numeric segments index
// arrays).
func ResolveJSONPath(doc any, path string) (any, bool) {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return doc, true
	}

	current := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}
