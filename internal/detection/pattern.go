// internal/detection/pattern.go
package detection

import (
	"strings"

	"github.com/xkilldash9x/adprobe/internal/config"
)

// Sub-score weights.
const (
	classLongScore   = 0.8
	classShortScore  = 0.6
	idMatchScore     = 0.7
	dataAttrScore    = 0.9
	srcKeywordScore  = 0.6
	hrefKeywordScore = 0.5
)

// PatternMatcher scores class, id and attribute strings against the catalog vocabularies.
type PatternMatcher struct {
	classPatterns []string
	idPatterns    []string
	dataAttrs     []string
	adKeywords    []string
	srcKeywords   []string
}

// NewPatternMatcher lower-cases the catalog vocabularies once.
func NewPatternMatcher(catalog *config.PatternCatalog) *PatternMatcher {
	return &PatternMatcher{
		classPatterns: lowerAll(catalog.ClassPatterns),
		idPatterns:    lowerAll(catalog.IDPatterns),
		dataAttrs:     lowerAll(catalog.DataAttributes),
		adKeywords:    lowerAll(catalog.AdKeywords),
		srcKeywords:   lowerAll(catalog.SrcKeywords),
	}
}

// Score returns the maximum of the class, id, data-attribute and other-attribute
// sub-scores. Taking the maximum keeps several weak coincidences from adding up.
func (m *PatternMatcher) Score(classAttr, idAttr string, attributes map[string]string) float64 {
	score := m.classScore(classAttr)
	score = max(score, m.idScore(idAttr))
	score = max(score, m.dataScore(attributes))
	score = max(score, m.otherScore(attributes))
	return score
}

func (m *PatternMatcher) classScore(classAttr string) float64 {
	if classAttr == "" {
		return 0
	}
	lower := strings.ToLower(classAttr)
	for _, p := range m.classPatterns {
		if p != "" && strings.Contains(lower, p) {
			if len(p) > 3 {
				return classLongScore
			}
			return classShortScore
		}
	}
	return 0
}

func (m *PatternMatcher) idScore(idAttr string) float64 {
	if idAttr == "" {
		return 0
	}
	lower := strings.ToLower(idAttr)
	for _, p := range m.idPatterns {
		if p != "" && strings.Contains(lower, p) {
			return idMatchScore
		}
	}
	return 0
}

func (m *PatternMatcher) dataScore(attributes map[string]string) float64 {
	for key := range attributes {
		lower := strings.ToLower(key)
		if !strings.HasPrefix(lower, "data-") {
			continue
		}
		for _, vocab := range m.dataAttrs {
			if strings.Contains(lower, vocab) {
				return dataAttrScore
			}
		}
	}
	return 0
}

func (m *PatternMatcher) otherScore(attributes map[string]string) float64 {
	var score float64
	if src := strings.ToLower(attributes["src"]); src != "" && containsAny(src, m.srcKeywords) {
		score = srcKeywordScore
	}
	if href := strings.ToLower(attributes["href"]); href != "" && containsAny(href, m.adKeywords) {
		score = max(score, hrefKeywordScore)
	}
	return score
}

// ContainsAdKeyword reports whether s contains any catalog ad keyword.
func (m *PatternMatcher) ContainsAdKeyword(s string) bool {
	return s != "" && containsAny(strings.ToLower(s), m.adKeywords)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
