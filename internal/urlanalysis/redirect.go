package urlanalysis

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

var (
	httpInParam = regexp.MustCompile(`(?i)=https?://`)
	encodedURL  = regexp.MustCompile(`(?i)%2F%2F|%3A%2F%2F`)
)

func (a *Analyzer) redirect(u *url.URL, params map[string]string) schemas.RedirectIndicators {
	rawQuery := u.RawQuery
	lowerQuery := strings.ToLower(rawQuery)
	ind := schemas.RedirectIndicators{
		HasURLParam:    strings.Contains(lowerQuery, "url="),
		HasHTTPInParam: httpInParam.MatchString(rawQuery),
		HasEncodedURL:  encodedURL.MatchString(rawQuery),
	}
	for _, k := range sortedKeys(params) {
		if containsAny(strings.ToLower(k), a.redirectParams) != "" {
			ind.HasRedirectParam = true
		}
		if target := nestedTarget(params[k]); target != "" {
			ind.NestedTargets = append(ind.NestedTargets, target)
		}
	}
	ind.LikelyRedirect = ind.HasRedirectParam || ind.HasURLParam || ind.HasHTTPInParam || ind.HasEncodedURL
	return ind
}

// nestedTarget returns v when it is an absolute http(s) URL, decoding one
// extra level of percent-encoding if needed.
func nestedTarget(v string) string {
	for range 2 {
		if t, ok := absoluteHTTP(v); ok {
			return t
		}
		decoded, err := url.QueryUnescape(v)
		if err != nil || decoded == v {
			return ""
		}
		v = decoded
	}
	return ""
}

func absoluteHTTP(v string) (string, bool) {
	lower := strings.ToLower(v)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", false
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return "", false
	}
	return v, true
}
