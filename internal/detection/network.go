// internal/detection/network.go
package detection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/config"
)

// Confidence constants for network attribution.
const (
	DomainConfidence          = 0.8
	HighTrustDomainConfidence = 0.9
	ContentConfidence         = 0.7
	UnknownScriptNetwork      = "unknown_network"
)

type domainPattern struct {
	network string
	raw     string
	re      *regexp.Regexp
}

// NetworkIdentifier attributes URLs, inline scripts and element attributes to ad networks.
// All lookups return nil on no match and never panic.
type NetworkIdentifier struct {
	domains    []domainPattern
	highTrust  map[string]bool
	signatures []config.ScriptSignature
	rules      []config.AttributeRule
}

// NewNetworkIdentifier compiles the catalog's domain table once.
func NewNetworkIdentifier(catalog *config.PatternCatalog) (*NetworkIdentifier, error) {
	n := &NetworkIdentifier{
		highTrust:  make(map[string]bool, len(catalog.HighTrustNetworks)),
		signatures: make([]config.ScriptSignature, 0, len(catalog.ScriptSignatures)),
		rules:      make([]config.AttributeRule, 0, len(catalog.AttributeRules)),
	}
	for _, network := range catalog.Networks {
		for _, p := range network.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("%w: network %s pattern %q: %v", schemas.ErrInvalidCatalog, network.Name, p, err)
			}
			n.domains = append(n.domains, domainPattern{network: network.Name, raw: p, re: re})
		}
	}
	for _, h := range catalog.HighTrustNetworks {
		n.highTrust[h] = true
	}
	for _, rule := range catalog.AttributeRules {
		rule.Pattern = strings.ToLower(rule.Pattern)
		n.rules = append(n.rules, rule)
	}
	for _, sig := range catalog.ScriptSignatures {
		sig.Pattern = strings.ToLower(sig.Pattern)
		n.signatures = append(n.signatures, sig)
	}
	return n, nil
}

// ByDomain matches the URL against the domain table in catalog order.
func (n *NetworkIdentifier) ByDomain(url string) *schemas.NetworkMatch {
	if url == "" {
		return nil
	}
	for _, d := range n.domains {
		if d.re.MatchString(url) {
			confidence := DomainConfidence
			if n.highTrust[d.network] {
				confidence = HighTrustDomainConfidence
			}
			return &schemas.NetworkMatch{Network: d.network, Confidence: confidence, MatchedSignal: d.raw}
		}
	}
	return nil
}

// ByContent looks for known tag signatures in an inline script body.
func (n *NetworkIdentifier) ByContent(script string) *schemas.NetworkMatch {
	if script == "" {
		return nil
	}
	lower := strings.ToLower(script)
	for _, sig := range n.signatures {
		if sig.Pattern == "" || !strings.Contains(lower, sig.Pattern) {
			continue
		}
		network := sig.Network
		if network == "" {
			network = UnknownScriptNetwork
		}
		return &schemas.NetworkMatch{Network: network, Confidence: ContentConfidence, MatchedSignal: sig.Pattern}
	}
	return nil
}

// ByAttributes applies the ordered marker rules to class and id, first match
// wins, then falls back to ByDomain on src.
func (n *NetworkIdentifier) ByAttributes(attrs map[string]string) *schemas.NetworkMatch {
	for _, rule := range n.rules {
		for _, field := range rule.Fields {
			if strings.Contains(strings.ToLower(attrs[field]), rule.Pattern) {
				return &schemas.NetworkMatch{
					Network:       rule.Network,
					Confidence:    rule.Confidence,
					MatchedSignal: field + ":" + rule.Pattern,
				}
			}
		}
	}
	return n.ByDomain(attrs["src"])
}
