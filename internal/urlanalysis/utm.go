package urlanalysis

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

const utmPrefix = "utm_"

// Campaign tags scored by UTM.
var (
	RequiredUTM = []string{"utm_source", "utm_medium", "utm_campaign"}
	OptionalUTM = []string{
		"utm_term", "utm_content", "utm_id",
		"utm_source_platform", "utm_creative_format", "utm_marketing_tactic",
	}
)

// Recommendation messages.
const (
	RecommendNoUTM    = "No UTM parameters found. Consider adding them for better tracking."
	RecommendOptional = "Consider adding optional UTM parameters for better tracking."
	RecommendComplete = "UTM parameters are complete. Good for campaign tracking."
)

// UTM builds the campaign report from decoded query parameters. Every utm_*
// key is captured; completeness counts only the required ones.
func UTM(params map[string]string) schemas.UTMReport {
	report := schemas.UTMReport{
		Parameters:      map[string]string{},
		MissingRequired: []string{},
		FoundOptional:   []string{},
		Recommendations: []string{},
	}
	for _, k := range sortedKeys(params) {
		if strings.HasPrefix(strings.ToLower(k), utmPrefix) {
			report.Parameters[k] = params[k]
		}
	}

	present := 0
	for _, k := range RequiredUTM {
		if _, ok := report.Parameters[k]; ok {
			present++
		} else {
			report.MissingRequired = append(report.MissingRequired, k)
		}
	}
	for _, k := range OptionalUTM {
		if _, ok := report.Parameters[k]; ok {
			report.FoundOptional = append(report.FoundOptional, k)
		}
	}
	report.CompletenessPercent = float64(present) / float64(len(RequiredUTM)) * 100

	switch {
	case len(report.Parameters) == 0:
		report.Recommendations = append(report.Recommendations, RecommendNoUTM)
	case len(report.FoundOptional) == 0:
		report.Recommendations = append(report.Recommendations, RecommendOptional)
	}
	if len(report.MissingRequired) > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Missing required UTM parameters: %s", strings.Join(report.MissingRequired, ", ")))
	} else {
		report.Recommendations = append(report.Recommendations, RecommendComplete)
	}
	return report
}
