package urlanalysis

import (
	"net/netip"
	"strings"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// Risk weights. The sum is clamped to 100.
const (
	riskInsecureScheme = 30
	riskSuspiciousTLD  = 25
	riskIPHost         = 20
	riskKeyword        = 15
	riskEncoded        = 10
)

// Risk levels. A low score means a trustworthy URL, so the level reads "high".
const (
	RiskLevelHigh   = "high"
	RiskLevelMedium = "medium"
	RiskLevelLow    = "low"
)

// security scores rawURL. domain is the lower-cased hostname, empty when the
// URL did not parse.
func (a *Analyzer) security(rawURL, domain string) schemas.SecurityReport {
	lower := strings.ToLower(rawURL)
	report := schemas.SecurityReport{
		IsHTTPS:            strings.HasPrefix(lower, "https:"),
		IPAddress:          isIPv4(domain),
		SuspiciousKeywords: []string{},
		HasEncodedChars:    strings.Contains(rawURL, "%"),
		MultipleSubdomains: strings.Count(domain, ".") > 2,
		URLLength:          len(rawURL),
	}
	for _, tld := range a.suspiciousTLDs {
		if tld != "" && strings.HasSuffix(domain, tld) {
			report.SuspiciousTLD = true
			break
		}
	}
	for _, kw := range a.suspiciousKeywords {
		if kw != "" && strings.Contains(lower, kw) {
			report.SuspiciousKeywords = append(report.SuspiciousKeywords, kw)
		}
	}
	report.RiskScore, report.RiskLevel = riskOf(report)
	return report
}

func riskOf(r schemas.SecurityReport) (int, string) {
	score := 0
	if !r.IsHTTPS {
		score += riskInsecureScheme
	}
	if r.SuspiciousTLD {
		score += riskSuspiciousTLD
	}
	if r.IPAddress {
		score += riskIPHost
	}
	if len(r.SuspiciousKeywords) > 0 {
		score += riskKeyword
	}
	if r.HasEncodedChars {
		score += riskEncoded
	}
	score = min(max(score, 0), 100)
	return score, RiskLevel(score)
}

// RiskLevel maps a score onto its level name.
func RiskLevel(score int) string {
	switch {
	case score < 20:
		return RiskLevelHigh
	case score < 50:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

func isIPv4(host string) bool {
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is4()
}
