// File: internal/config/catalog.go
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// PatternCatalog is the data-only vocabulary used by detection and URL analysis.
// It is loaded once at startup and must not be mutated afterwards.
type PatternCatalog struct {
	Networks          []NetworkDomains  `yaml:"networks"`
	HighTrustNetworks []string          `yaml:"high_trust_networks"`
	ClassPatterns     []string          `yaml:"class_patterns"`
	IDPatterns        []string          `yaml:"id_patterns"`
	DataAttributes    []string          `yaml:"data_attributes"`
	StandardSizes     []string          `yaml:"standard_sizes"`
	AdKeywords        []string          `yaml:"ad_keywords"`
	SrcKeywords       []string          `yaml:"src_keywords"`
	ScriptSignatures  []ScriptSignature `yaml:"script_signatures"`
	AttributeRules    []AttributeRule   `yaml:"attribute_rules"`

	SuspiciousTLDs       []string         `yaml:"suspicious_tlds"`
	SuspiciousKeywords   []string         `yaml:"suspicious_keywords"`
	URLNetworkSignatures []NetworkDomains `yaml:"url_network_signatures"`
	TrackingKeys         []string         `yaml:"tracking_keys"`
	RedirectParams       []string         `yaml:"redirect_params"`
}

// NetworkDomains maps a network name to regex fragments matched against URLs.
type NetworkDomains struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// ScriptSignature maps an inline script marker to a network.
// An empty Network resolves to "unknown_network".
type ScriptSignature struct {
	Pattern string `yaml:"pattern"`
	Network string `yaml:"network,omitempty"`
}

// AttributeRule is one network-specific class/id marker. Fields lists which
// attributes ("class", "id") are searched for Pattern.
type AttributeRule struct {
	Network    string   `yaml:"network"`
	Confidence float64  `yaml:"confidence"`
	Fields     []string `yaml:"fields"`
	Pattern    string   `yaml:"pattern"`
}

// AdSize is a parsed standard ad-unit dimension.
type AdSize struct {
	Width  int
	Height int
}

func (s AdSize) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// DefaultCatalog returns a fresh copy of the built-in catalog.
func DefaultCatalog() *PatternCatalog {
	return &PatternCatalog{
		Networks: []NetworkDomains{
			{Name: "yandex_ads", Patterns: []string{`yandex.ru/adfox`, `yandex.ru/an`}},
		},
		HighTrustNetworks: []string{"yandex_ads"},
		ClassPatterns:     []string{"yandex_rtb_", "adfox_"},
		IDPatterns:        []string{"yandex_rtb_", "adfox_", "begun_block_"},
		DataAttributes: []string{
			"data-ad", "data-ad-client", "data-ad-slot", "data-ad-unit",
			"data-ad-width", "data-ad-height", "data-ad-format", "data-ad-layout",
			"data-ad-region", "data-ad-provider", "data-ad-network", "data-ad-type",
			"data-ad-status", "data-ad-request", "data-ad-response", "data-ad-targeting",
		},
		StandardSizes: []string{
			"300x250", "336x280", "728x90", "970x90", "970x250", "300x600",
			"160x600", "120x600", "320x100", "320x50", "468x60", "234x60",
			"120x240", "250x250", "200x200", "180x150", "125x125", "240x400",
			"300x1050", "970x66", "88x31",
		},
		AdKeywords:  []string{"ad", "ads", "adv", "banner"},
		SrcKeywords: []string{"ad", "banner", "ads"},
		ScriptSignatures: []ScriptSignature{
			{Pattern: "googletag", Network: "google_ads"},
			{Pattern: "google_ad", Network: "google_ads"},
			{Pattern: "adsbygoogle", Network: "google_ads"},
			{Pattern: "yacontext", Network: "yandex_ads"},
			{Pattern: "yandexcontext", Network: "yandex_ads"},
			{Pattern: "adfox", Network: "yandex_ads"},
			{Pattern: "fbq", Network: "meta_ads"},
			{Pattern: "facebook-pixel", Network: "meta_ads"},
			{Pattern: "tr("},
			{Pattern: "ttq", Network: "tiktok_ads"},
			{Pattern: "tiktok-pixel", Network: "tiktok_ads"},
			{Pattern: "amazon-adsystem", Network: "amazon_ads"},
			{Pattern: "aax.com"},
			{Pattern: "taboola", Network: "taboola"},
			{Pattern: "outbrain", Network: "outbrain"},
			{Pattern: "revcontent", Network: "revcontent"},
			{Pattern: "criteo", Network: "criteo"},
			{Pattern: "pubmatic"},
			{Pattern: "rubicon"},
		},
		AttributeRules: []AttributeRule{
			{Network: "google_ads", Confidence: 0.9, Fields: []string{"class"}, Pattern: "adsbygoogle"},
			{Network: "yandex_ads", Confidence: 0.9, Fields: []string{"class", "id"}, Pattern: "yandex_rtb_"},
			{Network: "yandex_ads", Confidence: 0.9, Fields: []string{"id"}, Pattern: "adfox_"},
			{Network: "meta_ads", Confidence: 0.8, Fields: []string{"class"}, Pattern: "fb-ad"},
		},
		SuspiciousTLDs: []string{
			".tk", ".ml", ".ga", ".cf", ".xyz", ".top", ".loan", ".win", ".review", ".club", ".work", ".site",
		},
		SuspiciousKeywords: []string{
			"login", "password", "bank", "paypal", "account", "verify", "confirm", "security", "update", "alert",
		},
		URLNetworkSignatures: []NetworkDomains{
			{Name: "google_ads", Patterns: []string{`doubleclick\.net`, `googleadservices\.com`, `googlesyndication\.com`}},
			{Name: "facebook_ads", Patterns: []string{`facebook\.com/tr/`, `fbcdn\.net`, `atdmt\.com`}},
			{Name: "yandex_ads", Patterns: []string{`yandex\.ru/ads`, `an\.yandex\.ru`, `yandexadexchange\.net`}},
			{Name: "taboola", Patterns: []string{`taboola\.com`}},
			{Name: "outbrain", Patterns: []string{`outbrain\.com`}},
			{Name: "criteo", Patterns: []string{`criteo\.com`}},
		},
		TrackingKeys:   []string{"gclid", "fbclid", "msclkid", "yclid", "trk", "tracking", "ref", "source"},
		RedirectParams: []string{"redirect", "return", "next", "goto"},
	}
}

// LoadCatalog reads a YAML catalog from path. Sections missing from the file
// keep their built-in defaults. An empty path returns the default catalog.
func LoadCatalog(path string) (*PatternCatalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand catalog path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %q: %w", expanded, err)
	}
	return ParseCatalog(bytes.NewReader(data))
}

// ParseCatalog decodes a YAML catalog on top of the defaults and validates it.
func ParseCatalog(r io.Reader) (*PatternCatalog, error) {
	cat := DefaultCatalog()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cat); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", schemas.ErrInvalidCatalog, err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// WriteYAML serializes the catalog.
func (c *PatternCatalog) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return enc.Close()
}

// Validate checks that every regex compiles and every size parses.
func (c *PatternCatalog) Validate() error {
	for _, group := range [][]NetworkDomains{c.Networks, c.URLNetworkSignatures} {
		for _, n := range group {
			if n.Name == "" {
				return fmt.Errorf("%w: network entry without a name", schemas.ErrInvalidCatalog)
			}
			for _, p := range n.Patterns {
				if _, err := regexp.Compile(p); err != nil {
					return fmt.Errorf("%w: network %s pattern %q: %v", schemas.ErrInvalidCatalog, n.Name, p, err)
				}
			}
		}
	}
	if _, err := c.Sizes(); err != nil {
		return err
	}
	for _, r := range c.AttributeRules {
		if r.Pattern == "" || r.Network == "" {
			return fmt.Errorf("%w: attribute rule requires network and pattern", schemas.ErrInvalidCatalog)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("%w: attribute rule %q confidence out of range", schemas.ErrInvalidCatalog, r.Pattern)
		}
	}
	return nil
}

// Sizes parses StandardSizes, dropping duplicates while keeping catalog order.
func (c *PatternCatalog) Sizes() ([]AdSize, error) {
	seen := make(map[AdSize]bool, len(c.StandardSizes))
	out := make([]AdSize, 0, len(c.StandardSizes))
	for _, raw := range c.StandardSizes {
		s, err := parseSize(raw)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func parseSize(raw string) (AdSize, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return AdSize{}, fmt.Errorf("%w: size %q is not WxH", schemas.ErrInvalidCatalog, raw)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return AdSize{}, fmt.Errorf("%w: size %q is not WxH", schemas.ErrInvalidCatalog, raw)
	}
	return AdSize{Width: width, Height: height}, nil
}

// IsHighTrust reports whether network earns the higher domain-match confidence.
func (c *PatternCatalog) IsHighTrust(network string) bool {
	for _, n := range c.HighTrustNetworks {
		if n == network {
			return true
		}
	}
	return false
}
