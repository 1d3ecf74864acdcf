package dispatch

import (
	"sort"
	"testing"

	"github.com/sbenjam1n/tutorsim/internal/generation"
)

func TestSpeakingOrderIsSeededPermutation(t *testing.T) {
	keys := []string{"S1", "S2", "S3", "S4"}

	a := NewShuffler(42).SpeakingOrder(keys)
	b := NewShuffler(42).SpeakingOrder(keys)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced %v and %v", a, b)
		}
	}

	sorted := append([]string(nil), a...)
	sort.Strings(sorted)
	for i := range keys {
		if sorted[i] != keys[i] {
			t.Fatalf("%v is not a permutation of %v", a, keys)
		}
	}
	if keys[0] != "S1" || keys[3] != "S4" {
		t.Error("input slice was modified")
	}
}

func TestArrange(t *testing.T) {
	outcomes := []Outcome{
		{Key: "a", Result: generation.Result{Output: map[string]any{}}},
		{Key: "b"},
		{Key: "c"},
	}

	tests := []struct {
		name  string
		order []string
		want  []string
	}{
		{"full order", []string{"c", "a", "b"}, []string{"c", "a", "b"}},
		{"partial order", []string{"b"}, []string{"b", "a", "c"}},
		{"unknown keys ignored", []string{"z", "c"}, []string{"c", "a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Arrange(outcomes, tt.order)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Key != tt.want[i] {
					t.Errorf("Arrange[%d] = %s, want %s", i, got[i].Key, tt.want[i])
				}
			}
		})
	}
}
