// internal/detection/dedup.go
package detection

import (
	"sort"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// Dedup drops candidates whose geometry was already seen. The first occurrence
// wins and order is preserved, so two distinct elements with identical bounds
// collapse into one.
func Dedup(candidates []schemas.AdCandidate) []schemas.AdCandidate {
	seen := make(map[schemas.Geometry]struct{}, len(candidates))
	out := make([]schemas.AdCandidate, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Geometry]; dup {
			continue
		}
		seen[c.Geometry] = struct{}{}
		out = append(out, c)
	}
	return out
}

// SortByConfidence returns a copy ordered by descending confidence. Ties keep
// their discovery order.
func SortByConfidence(candidates []schemas.AdCandidate) []schemas.AdCandidate {
	out := append([]schemas.AdCandidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// SelectStrong returns up to limit candidates with confidence >= minConfidence,
// strongest first. A limit <= 0 means no limit.
func SelectStrong(candidates []schemas.AdCandidate, minConfidence float64, limit int) []schemas.AdCandidate {
	var strong []schemas.AdCandidate
	for _, c := range candidates {
		if c.Confidence >= minConfidence {
			strong = append(strong, c)
		}
	}
	strong = SortByConfidence(strong)
	if limit > 0 && len(strong) > limit {
		strong = strong[:limit]
	}
	return strong
}
