// Package urlanalysis inspects ad destination URLs: components, UTM
// campaign tags, tracking parameters, redirect hints, ad network signatures
// and a heuristic security score.
package urlanalysis

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/config"
)

type networkSignature struct {
	network  string
	patterns []*regexp.Regexp
}

// Analyzer is safe for concurrent use once constructed.
type Analyzer struct {
	logger             *zap.Logger
	networks           []networkSignature
	suspiciousTLDs     []string
	suspiciousKeywords []string
	trackingKeys       []string
	redirectParams     []string
}

// NewAnalyzer compiles the catalog's URL signature table.
func NewAnalyzer(catalog *config.PatternCatalog, logger *zap.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{
		logger:             logger.Named("url_analyzer"),
		suspiciousTLDs:     lowerAll(catalog.SuspiciousTLDs),
		suspiciousKeywords: lowerAll(catalog.SuspiciousKeywords),
		trackingKeys:       lowerAll(catalog.TrackingKeys),
		redirectParams:     lowerAll(catalog.RedirectParams),
	}
	for _, sig := range catalog.URLNetworkSignatures {
		ns := networkSignature{network: sig.Name}
		for _, p := range sig.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("%w: url signature %s pattern %q: %v", schemas.ErrInvalidCatalog, sig.Name, p, err)
			}
			ns.patterns = append(ns.patterns, re)
		}
		a.networks = append(a.networks, ns)
	}
	return a, nil
}

// Analyze never fails: a URL that does not parse, or lacks a scheme or
// host, comes back with Valid set to false.
func (a *Analyzer) Analyze(rawURL string) (analysis schemas.URLAnalysis) {
	analysis = emptyAnalysis(rawURL)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic while analyzing URL.", zap.String("url", rawURL), zap.Any("panic", r))
			analysis = emptyAnalysis(rawURL)
		}
	}()

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		a.logger.Debug("Unparseable URL.", zap.String("url", rawURL), zap.Error(err))
		analysis.Security = a.security(rawURL, "")
		return analysis
	}

	params := firstValues(u.RawQuery)
	analysis.Valid = u.Scheme != "" && u.Host != ""
	analysis.Components = components(u, params)
	analysis.UTM = UTM(params)
	analysis.Security = a.security(rawURL, analysis.Components.Domain)
	analysis.Redirect = a.redirect(u, params)
	analysis.Networks = a.detectNetworks(rawURL)
	analysis.TrackingParameters = a.tracking(params)
	return analysis
}

func emptyAnalysis(rawURL string) schemas.URLAnalysis {
	return schemas.URLAnalysis{
		URL: rawURL,
		Components: schemas.URLComponents{
			QueryParameters: map[string]string{},
		},
		UTM:                UTM(nil),
		Networks:           schemas.NetworkIndicators{Detected: []string{}},
		TrackingParameters: map[string]string{},
	}
}

func components(u *url.URL, params map[string]string) schemas.URLComponents {
	domain := strings.ToLower(u.Hostname())
	return schemas.URLComponents{
		Scheme:              u.Scheme,
		Host:                u.Host,
		Path:                u.Path,
		Query:               u.RawQuery,
		Fragment:            u.Fragment,
		Domain:              domain,
		RegisteredDomain:    registeredDomain(domain),
		QueryParameters:     params,
		QueryParameterCount: len(params),
	}
}

// registeredDomain keeps the last two labels. IP literals are returned whole.
func registeredDomain(host string) string {
	if host == "" || isIPv4(host) {
		return host
	}
	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	if len(labels) <= 2 {
		return strings.Join(labels, ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// firstValues decodes a query string keeping the first value of each key.
// Malformed pairs are skipped rather than failing the whole query.
func firstValues(rawQuery string) map[string]string {
	out := map[string]string{}
	if rawQuery == "" {
		return out
	}
	values, _ := url.ParseQuery(rawQuery)
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}

func (a *Analyzer) tracking(params map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range params {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, utmPrefix) {
			continue
		}
		if containsAny(lower, a.trackingKeys) != "" {
			out[k] = v
		}
	}
	return out
}

func (a *Analyzer) detectNetworks(rawURL string) schemas.NetworkIndicators {
	ind := schemas.NetworkIndicators{Detected: []string{}}
	for _, ns := range a.networks {
		for _, re := range ns.patterns {
			if re.MatchString(rawURL) {
				ind.Detected = append(ind.Detected, ns.network)
				break
			}
		}
	}
	if len(ind.Detected) > 0 {
		ind.Primary = ind.Detected[0]
		ind.IsAdNetworkURL = true
	}
	return ind
}

// containsAny returns the first needle found in s, or "".
func containsAny(s string, needles []string) string {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return n
		}
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
