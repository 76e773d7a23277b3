package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/adprobe/internal/config"
)

func newTestSizeAnalyzer(t *testing.T) *SizeAnalyzer {
	t.Helper()
	s, err := NewSizeAnalyzer(config.DefaultCatalog())
	require.NoError(t, err)
	return s
}

func TestSizeAnalyzer_Classify(t *testing.T) {
	s := newTestSizeAnalyzer(t)

	testCases := []struct {
		name          string
		width, height int
		tolerance     int
		want          string
		found         bool
	}{
		{"exact", 300, 250, 5, "300x250", true},
		{"within tolerance", 303, 252, 5, "300x250", true},
		{"height out of tolerance", 303, 260, 5, "", false},
		{"leaderboard", 728, 90, 5, "728x90", true},
		{"nearest wins", 969, 88, 5, "970x90", true},
		{"zero tolerance miss", 301, 250, 0, "", false},
		{"nothing close", 500, 500, 5, "", false},
		{"zero size", 0, 0, 5, "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := s.Classify(tc.width, tc.height, tc.tolerance)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSizeAnalyzer_ClassifyTieGoesToCatalogOrder(t *testing.T) {
	catalog := config.DefaultCatalog()
	catalog.StandardSizes = []string{"300x250", "300x260"}
	s, err := NewSizeAnalyzer(catalog)
	require.NoError(t, err)

	got, ok := s.Classify(300, 255, 5)
	require.True(t, ok)
	assert.Equal(t, "300x250", got)
}

func TestNewSizeAnalyzer_InvalidSize(t *testing.T) {
	catalog := config.DefaultCatalog()
	catalog.StandardSizes = []string{"300by250"}
	_, err := NewSizeAnalyzer(catalog)
	assert.Error(t, err)
}

func TestSizeAnalyzer_Category(t *testing.T) {
	s := newTestSizeAnalyzer(t)

	assert.Equal(t, CategoryVerySmall, s.Category(88, 31))
	assert.Equal(t, CategorySmall, s.Category(320, 50))
	assert.Equal(t, CategoryMedium, s.Category(250, 250))
	assert.Equal(t, CategoryLarge, s.Category(300, 600))
	assert.Equal(t, CategoryVeryLarge, s.Category(970, 250))
}

func TestSizeAnalyzer_IsSuspiciousAspect(t *testing.T) {
	s := newTestSizeAnalyzer(t)

	assert.False(t, s.IsSuspiciousAspect(300, 250))
	assert.True(t, s.IsSuspiciousAspect(1100, 100), "ratio above 10")
	assert.True(t, s.IsSuspiciousAspect(20, 300), "ratio below 0.1")
	assert.True(t, s.IsSuspiciousAspect(9, 9), "tiny area")
	assert.True(t, s.IsSuspiciousAspect(2000, 1000), "huge area")
	assert.True(t, s.IsSuspiciousAspect(0, 0))
}
