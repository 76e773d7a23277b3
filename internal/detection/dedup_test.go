package detection

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

func cand(id string, conf float64, x int) schemas.AdCandidate {
	return schemas.AdCandidate{
		Element:    schemas.ElementRef{ID: id},
		Confidence: conf,
		Geometry:   schemas.Geometry{X: x, Y: 10, Width: 300, Height: 250},
	}
}

func TestDedup(t *testing.T) {
	in := []schemas.AdCandidate{
		cand("a", 0.9, 0),
		cand("b", 0.5, 0),
		cand("c", 0.7, 400),
		cand("d", 0.8, 800),
		cand("e", 0.95, 400),
	}

	got := Dedup(in)
	want := []schemas.AdCandidate{in[0], in[2], in[3]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Dedup() mismatch (-want +got):\n%s", diff)
	}

	// Idempotent.
	if diff := cmp.Diff(got, Dedup(got)); diff != "" {
		t.Errorf("Dedup() is not idempotent (-first +second):\n%s", diff)
	}

	assert.Empty(t, Dedup(nil))
}

func TestSortByConfidence(t *testing.T) {
	in := []schemas.AdCandidate{cand("a", 0.5, 0), cand("b", 0.9, 1), cand("c", 0.5, 2), cand("d", 0.7, 3)}

	got := SortByConfidence(in)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.Element.ID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
	assert.Equal(t, "a", in[0].Element.ID, "input must not be reordered")
}

func TestSelectStrong(t *testing.T) {
	in := []schemas.AdCandidate{
		cand("a", 0.5, 0), cand("b", 0.9, 1), cand("c", 0.6, 2), cand("d", 0.7, 3), cand("e", 0.8, 4),
	}

	testCases := []struct {
		name    string
		minConf float64
		limit   int
		want    []string
	}{
		{"threshold inclusive", 0.6, 0, []string{"b", "e", "d", "c"}},
		{"limited", 0.6, 2, []string{"b", "e"}},
		{"none strong", 0.95, 5, nil},
		{"everything", 0, 10, []string{"b", "e", "d", "c", "a"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var ids []string
			for _, c := range SelectStrong(in, tc.minConf, tc.limit) {
				ids = append(ids, c.Element.ID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}
