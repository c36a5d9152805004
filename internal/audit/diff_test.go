package audit

import (
	"reflect"
	"testing"
)

func TestFlattenDiff(t *testing.T) {
	cases := []struct {
		name string
		old  map[string]any
		new  map[string]any
		want []string
	}{
		{
			name: "both empty",
			want: nil,
		},
		{
			name: "additive",
			new:  map[string]any{"role": "worker", "scope": "site:s1"},
			want: []string{"role: +worker", "scope: +site:s1"},
		},
		{
			name: "subtractive",
			old:  map[string]any{"role": "worker"},
			want: []string{"role: -worker"},
		},
		{
			name: "changed keys only",
			old:  map[string]any{"expires_at": "2026-01-01", "role": "worker"},
			new:  map[string]any{"expires_at": "2026-06-01", "role": "worker"},
			want: []string{"expires_at: 2026-01-01→2026-06-01"},
		},
		{
			name: "mixed add remove change",
			old:  map[string]any{"a": 1, "b": 2},
			new:  map[string]any{"b": 3, "c": 4},
			want: []string{"a: -1", "b: 2→3", "c: +4"},
		},
		{
			name: "identical maps collapse to nothing",
			old:  map[string]any{"x": "same"},
			new:  map[string]any{"x": "same"},
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FlattenDiff(tc.old, tc.new)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("FlattenDiff = %v, want %v", got, tc.want)
			}
		})
	}
}
