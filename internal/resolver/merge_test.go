package resolver_test

import (
	"reflect"
	"testing"

	"github.com/duetlabs/pairsync/internal/resolver"
	"github.com/duetlabs/pairsync/internal/types"
)

// mergeResolver returns a resolver where "thing" merges with no per-field
// resolvers, so every conflict goes through the generic heuristic.
func mergeResolver(t *testing.T) *resolver.Resolver {
	t.Helper()
	r := resolver.New(nil)
	r.RegisterDefault("thing", resolver.StrategyMerge)
	return r
}

func mergeOne(t *testing.T, field string, local, remote any) (any, resolver.Provenance) {
	t.Helper()
	r := mergeResolver(t)
	c := r.Detect(types.Record{field: local}, types.Record{field: remote}, "thing", "x1")
	if c == nil {
		t.Fatal("Detect: expected a conflict")
	}
	res, err := r.Resolve(c)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return res.Record[field], res.Provenance[field]
}

func TestMerge_NilSideLoses(t *testing.T) {
	v, p := mergeOne(t, "f", nil, "remote value")
	if v != "remote value" || p != resolver.FromRemote {
		t.Errorf("nil local: want remote value/remote, got %v/%s", v, p)
	}

	v, p = mergeOne(t, "f", "local value", nil)
	if v != "local value" || p != resolver.FromLocal {
		t.Errorf("nil remote: want local value/local, got %v/%s", v, p)
	}
}

func TestMerge_ArraysUnion(t *testing.T) {
	v, p := mergeOne(t, "tags", []any{"a", "b"}, []any{"b", "c"})
	if !reflect.DeepEqual(v, []any{"a", "b", "c"}) {
		t.Errorf("array union: got %v", v)
	}
	if p != resolver.Merged {
		t.Errorf("array union provenance: want merged, got %s", p)
	}
}

func TestMerge_ArrayUnionDedupsByDeepEquality(t *testing.T) {
	v, _ := mergeOne(t, "items",
		[]any{map[string]any{"id": "a"}},
		[]any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
	)
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("deep-equal elements must dedup: got %v", v)
	}
}

func TestMerge_CounterFieldsTakeMax(t *testing.T) {
	cases := []struct {
		field string
		want  float64
	}{
		{"loginCount", 9},
		{"totalPoints", 9},
		{"currentStreak", 9},
		{"TotalXP", 9}, // hint matching is case-insensitive
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			v, p := mergeOne(t, tc.field, 4.0, 9.0)
			if v != tc.want {
				t.Errorf("want max %v, got %v", tc.want, v)
			}
			if p != resolver.Merged {
				t.Errorf("provenance: want merged, got %s", p)
			}
		})
	}
}

func TestMerge_PlainNumbersPreferLocal(t *testing.T) {
	v, p := mergeOne(t, "position", 4.0, 9.0)
	if v != 4.0 || p != resolver.FromLocal {
		t.Errorf("plain number: want 4/local, got %v/%s", v, p)
	}
}

func TestMerge_StringsPreferNonEmptyThenLocal(t *testing.T) {
	v, p := mergeOne(t, "note", "", "remote note")
	if v != "remote note" || p != resolver.FromRemote {
		t.Errorf("empty local: want remote note/remote, got %v/%s", v, p)
	}

	v, p = mergeOne(t, "note", "local note", "remote note")
	if v != "local note" || p != resolver.FromLocal {
		t.Errorf("both non-empty: want local note/local, got %v/%s", v, p)
	}
}

func TestMerge_ObjectsShallowMergeLocalWins(t *testing.T) {
	v, p := mergeOne(t, "settings",
		map[string]any{"theme": "dark", "sound": true},
		map[string]any{"theme": "light", "volume": 3.0},
	)
	want := map[string]any{"theme": "dark", "sound": true, "volume": 3.0}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("object merge: want %v, got %v", want, v)
	}
	if p != resolver.Merged {
		t.Errorf("object merge provenance: want merged, got %s", p)
	}
}

func TestMerge_MixedTypesDefaultToLocal(t *testing.T) {
	v, p := mergeOne(t, "f", true, "not a bool")
	if v != true || p != resolver.FromLocal {
		t.Errorf("mixed types: want true/local, got %v/%s", v, p)
	}
}

func TestMerge_AgreedFieldsCarryOver(t *testing.T) {
	r := mergeResolver(t)
	c := r.Detect(
		types.Record{"title": "same", "note": "local"},
		types.Record{"title": "same", "note": "remote", "serverOnly": "kept"},
		"thing", "x1",
	)
	if c == nil {
		t.Fatal("Detect: expected a conflict")
	}
	res, err := r.Resolve(c)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Record["title"] != "same" {
		t.Errorf("agreed field lost: %+v", res.Record)
	}
}
