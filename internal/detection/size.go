// internal/detection/size.go
package detection

import (
	"github.com/xkilldash9x/adprobe/internal/config"
)

// DefaultSizeTolerance is the per-dimension slack, in pixels, used by Classify.
const DefaultSizeTolerance = 5

// Size categories by area.
const (
	CategoryVerySmall = "very_small"
	CategorySmall     = "small"
	CategoryMedium    = "medium"
	CategoryLarge     = "large"
	CategoryVeryLarge = "very_large"
)

// SizeAnalyzer classifies element dimensions against standard ad-unit sizes.
type SizeAnalyzer struct {
	sizes []config.AdSize
}

// NewSizeAnalyzer builds an analyzer over the catalog's standard sizes.
func NewSizeAnalyzer(catalog *config.PatternCatalog) (*SizeAnalyzer, error) {
	sizes, err := catalog.Sizes()
	if err != nil {
		return nil, err
	}
	return &SizeAnalyzer{sizes: sizes}, nil
}

// Classify returns the label ("300x250") of the nearest standard size whose
// width and height are both within tolerance. Nearest means the smallest sum
// of absolute differences; ties go to the size listed first.
func (s *SizeAnalyzer) Classify(width, height, tolerance int) (string, bool) {
	best := -1
	bestDist := 0
	for i, size := range s.sizes {
		dw := abs(width - size.Width)
		dh := abs(height - size.Height)
		if dw > tolerance || dh > tolerance {
			continue
		}
		if best == -1 || dw+dh < bestDist {
			best, bestDist = i, dw+dh
		}
	}
	if best == -1 {
		return "", false
	}
	return s.sizes[best].String(), true
}

// Category buckets an element by area.
func (s *SizeAnalyzer) Category(width, height int) string {
	area := width * height
	switch {
	case area < 10000:
		return CategoryVerySmall
	case area < 25000:
		return CategorySmall
	case area < 75000:
		return CategoryMedium
	case area < 200000:
		return CategoryLarge
	default:
		return CategoryVeryLarge
	}
}

// IsSuspiciousAspect flags layout outliers: extreme aspect ratios, or areas
// below 100 or above 1,000,000 square pixels.
func (s *SizeAnalyzer) IsSuspiciousAspect(width, height int) bool {
	if height > 0 {
		ratio := float64(width) / float64(height)
		if ratio > 10 || ratio < 0.1 {
			return true
		}
	}
	area := width * height
	return area < 100 || area > 1000000
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
