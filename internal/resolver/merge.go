package resolver

import (
	"reflect"
	"strings"
)

// counterHint marks field names whose numeric values accumulate rather than
// overwrite: for those, the larger value is the safer pick.
var counterHints = []string{"count", "total", "streak"}

// mergeField is the generic heuristic applied to a conflicting field that
// has no registered FieldResolver. The rules, in order:
//
//  1. One side nil/absent → take the other side.
//  2. Both arrays → union, deduplicated by deep value equality.
//  3. Both numbers → max when the field name hints at a counter
//     ("count"/"total"/"streak", case-insensitive), else prefer local.
//  4. Both strings → prefer the non-empty one; both non-empty prefers local.
//  5. Both objects → shallow merge, local keys winning.
//  6. Anything else → prefer local.
func mergeField(field string, local, remote any) (any, Provenance) {
	// Rule 1: nil/absent loses to a present value.
	if local == nil && remote != nil {
		return remote, FromRemote
	}
	if remote == nil {
		return local, FromLocal
	}

	// Rule 2: arrays union.
	la, lok := local.([]any)
	ra, rok := remote.([]any)
	if lok && rok {
		return unionArrays(la, ra), Merged
	}

	// Rule 3: numbers.
	lf, lok := asNumber(local)
	rf, rok := asNumber(remote)
	if lok && rok {
		if isCounterField(field) {
			if rf > lf {
				return remote, Merged
			}
			return local, Merged
		}
		return local, FromLocal
	}

	// Rule 4: strings prefer non-empty, then local.
	ls, lok := local.(string)
	rs, rok := remote.(string)
	if lok && rok {
		if ls == "" && rs != "" {
			return rs, FromRemote
		}
		return ls, FromLocal
	}

	// Rule 5: objects shallow-merge with local precedence.
	lm, lok := local.(map[string]any)
	rm, rok := remote.(map[string]any)
	if lok && rok {
		out := make(map[string]any, len(lm)+len(rm))
		for k, v := range rm {
			out[k] = v
		}
		for k, v := range lm {
			out[k] = v
		}
		return out, Merged
	}

	// Rule 6: default to local.
	return local, FromLocal
}

// isCounterField reports whether the field name contains a counter hint,
// case-insensitive.
func isCounterField(field string) bool {
	f := strings.ToLower(field)
	for _, hint := range counterHints {
		if strings.Contains(f, hint) {
			return true
		}
	}
	return false
}

// unionArrays appends remote elements not already present in local,
// deduplicating by deep value equality. Local order is preserved, remote
// extras keep their relative order.
func unionArrays(local, remote []any) []any {
	out := append([]any(nil), local...)
	for _, rv := range remote {
		found := false
		for _, existing := range out {
			if reflect.DeepEqual(existing, rv) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, rv)
		}
	}
	return out
}

// asNumber normalises JSON numbers. Decoded JSON yields float64, but
// records built in Go code may carry int values.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
