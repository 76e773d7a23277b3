package schemas

// UTMReport summarizes the campaign parameters found on a URL.
type UTMReport struct {
	Parameters          map[string]string `json:"parameters"`
	CompletenessPercent float64           `json:"completeness_percent"`
	MissingRequired     []string          `json:"missing_required"`
	FoundOptional       []string          `json:"found_optional"`
	Recommendations     []string          `json:"recommendations"`
}

// SecurityReport is the heuristic risk assessment of a URL.
// RiskLevel is "high" for low scores and "low" for high scores.
type SecurityReport struct {
	IsHTTPS            bool     `json:"is_https"`
	SuspiciousTLD      bool     `json:"suspicious_tld"`
	IPAddress          bool     `json:"ip_address"`
	SuspiciousKeywords []string `json:"suspicious_keywords"`
	HasEncodedChars    bool     `json:"has_encoded_chars"`
	MultipleSubdomains bool     `json:"multiple_subdomains"`
	URLLength          int      `json:"url_length"`
	RiskScore          int      `json:"risk_score"`
	RiskLevel          string   `json:"risk_level"`
}

// URLComponents is the parsed form of a URL.
type URLComponents struct {
	Scheme              string            `json:"scheme"`
	Host                string            `json:"host"`
	Path                string            `json:"path"`
	Query               string            `json:"query"`
	Fragment            string            `json:"fragment"`
	Domain              string            `json:"domain"`
	RegisteredDomain    string            `json:"registered_domain"`
	QueryParameters     map[string]string `json:"query_parameters"`
	QueryParameterCount int               `json:"query_parameter_count"`
}

// RedirectIndicators flags URLs that carry a nested navigation target.
type RedirectIndicators struct {
	HasRedirectParam bool     `json:"has_redirect_param"`
	HasURLParam      bool     `json:"has_url_param"`
	HasHTTPInParam   bool     `json:"has_http_in_param"`
	HasEncodedURL    bool     `json:"has_encoded_url"`
	LikelyRedirect   bool     `json:"likely_redirect"`
	NestedTargets    []string `json:"nested_targets,omitempty"`
}

// NetworkIndicators lists ad networks whose URL signatures matched.
type NetworkIndicators struct {
	Detected       []string `json:"detected"`
	Primary        string   `json:"primary"`
	IsAdNetworkURL bool     `json:"is_ad_network_url"`
}

// URLAnalysis is the full analysis of one URL.
type URLAnalysis struct {
	URL                string             `json:"url"`
	Valid              bool               `json:"valid"`
	Components         URLComponents      `json:"components"`
	UTM                UTMReport          `json:"utm"`
	Security           SecurityReport     `json:"security"`
	Redirect           RedirectIndicators `json:"redirect"`
	Networks           NetworkIndicators  `json:"networks"`
	TrackingParameters map[string]string  `json:"tracking_parameters"`
}
