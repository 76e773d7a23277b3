// internal/browser/persona/persona.go
package persona

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/internal/config"
)

// DefaultUserAgent is sent when the configuration leaves the user agent empty.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Persona is the browser identity a scan presents to ad servers.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Locale    string
	Width     int
	Height    int
}

// FromConfig builds a desktop persona from the browser settings.
func FromConfig(cfg config.BrowserConfig) Persona {
	p := Persona{
		UserAgent: cfg.UserAgent,
		Platform:  "Win32",
		Languages: []string{"en-US", "en"},
		Locale:    "en-US",
		Width:     cfg.WindowWidth,
		Height:    cfg.WindowHeight,
	}
	if p.UserAgent == "" {
		p.UserAgent = DefaultUserAgent
	}
	return p
}

// AcceptLanguage renders the languages as an Accept-Language header value.
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	parts := make([]string, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts[i] = lang
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts[i] = fmt.Sprintf("%s;q=%.1f", lang, q)
	}
	return strings.Join(parts, ",")
}

// Apply returns the CDP actions that make a fresh tab present the persona.
// Every session gets the same identity, so fills are comparable across scans.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser persona",
		zap.String("user_agent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if lang := p.AcceptLanguage(); lang != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": lang}))
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 1.0, false))
	}
	return tasks
}
