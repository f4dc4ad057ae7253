package wire

// AnyOf is a filter alternative: it matches a candidate value when at
// least one candidate-side element deep-matches one of its members. A
// non-list candidate is treated as a single-element list.
type AnyOf []any

// Match reports whether candidate structurally contains filter.
//
// Maps match when every filter key is present in the candidate and its
// value recursively matches. Plain lists match elementwise and require
// equal length. AnyOf values match per the type's documentation. Leaves
// compare by value, with numeric types compared numerically so that a
// filter built with Go ints matches JSON-decoded float64s.
//
// Matching never panics; any shape mismatch is simply a non-match.
func Match(filter, candidate any) bool {
	switch f := filter.(type) {
	case nil:
		return true
	case Map:
		c, ok := candidate.(map[string]any)
		if !ok {
			return false
		}
		for k, fv := range f {
			cv, present := c[k]
			if !present || !Match(fv, cv) {
				return false
			}
		}
		return true
	case AnyOf:
		for _, cv := range asList(candidate) {
			for _, fv := range f {
				if Match(fv, cv) {
					return true
				}
			}
		}
		return false
	case []any:
		c, ok := candidate.([]any)
		if !ok || len(c) != len(f) {
			return false
		}
		for i := range f {
			if !Match(f[i], c[i]) {
				return false
			}
		}
		return true
	default:
		return leafEqual(filter, candidate)
	}
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

func leafEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch b.(type) {
	case map[string]any, []any:
		// Scalar filter leaf against a composite candidate; comparing
		// would panic.
		return false
	}
	return a == b
}

// asFloat widens the numeric types that appear in hand-built filters and
// JSON-decoded candidates.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
