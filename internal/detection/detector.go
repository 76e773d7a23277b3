// internal/detection/detector.go
package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/observability"
)

// MinGenericConfidence is the default floor below which class, id and data
// candidates are discarded.
const MinGenericConfidence = 0.3

// Size sweep confidences.
const (
	sizeKeywordConfidence = 0.7
	sizePlainConfidence   = 0.5
)

const contentSampleLen = 200

// strategy is one independent detection pass.
type strategy struct {
	name string
	run  func(ctx context.Context) ([]schemas.AdCandidate, error)
}

// Detector runs the detection strategies over the live DOM and merges their results.
type Detector struct {
	browser  schemas.Browser
	cfg      config.DetectionConfig
	catalog  *config.PatternCatalog
	logger   *zap.Logger
	metrics  observability.Recorder
	sizes    *SizeAnalyzer
	networks *NetworkIdentifier
	patterns *PatternMatcher
}

// New wires a detector to a browser. The catalog is treated as read-only.
func New(
	browser schemas.Browser,
	catalog *config.PatternCatalog,
	cfg config.DetectionConfig,
	logger *zap.Logger,
	metrics observability.Recorder,
) (*Detector, error) {
	sizes, err := NewSizeAnalyzer(catalog)
	if err != nil {
		return nil, err
	}
	networks, err := NewNetworkIdentifier(catalog)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.NopRecorder{}
	}
	return &Detector{
		browser:  browser,
		cfg:      cfg,
		catalog:  catalog,
		logger:   logger.Named("detector"),
		metrics:  metrics,
		sizes:    sizes,
		networks: networks,
		patterns: NewPatternMatcher(catalog),
	}, nil
}

func (d *Detector) strategies() []strategy {
	all := []strategy{
		{name: config.StrategyIframe, run: d.detectIframes},
		{name: config.StrategyScript, run: d.detectScripts},
		{name: config.StrategyClass, run: d.detectByPatterns},
		{name: config.StrategyData, run: d.detectByDataAttributes},
		{name: config.StrategySize, run: d.detectBySize},
	}
	enabled := all[:0]
	for _, s := range all {
		if d.cfg.Enabled(s.name) {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// Detect runs every enabled strategy in order and returns the deduplicated
// candidates in discovery order. A failing strategy is logged and skipped;
// only session-fatal errors and cancellation are returned, alongside the
// candidates found so far.
func (d *Detector) Detect(ctx context.Context) ([]schemas.AdCandidate, error) {
	start := time.Now()
	defer func() { d.metrics.RecordDetectionLatency(time.Since(start)) }()

	var raw []schemas.AdCandidate
	for _, s := range d.strategies() {
		if err := ctx.Err(); err != nil {
			return Dedup(raw), err
		}

		found, err := d.runStrategy(ctx, s)
		raw = append(raw, found...)
		if err != nil {
			if schemas.IsSessionFatal(err) {
				return Dedup(raw), fmt.Errorf("detection strategy %s: %w", s.name, err)
			}
			d.metrics.IncrementStrategyErrors(s.name)
			d.logger.Warn("Detection strategy failed, continuing.", zap.String("strategy", s.name), zap.Error(err))
			continue
		}
		d.logger.Debug("Detection strategy finished.", zap.String("strategy", s.name), zap.Int("found", len(found)))
	}

	candidates := Dedup(raw)
	for _, c := range candidates {
		d.metrics.IncrementCandidates(string(c.DetectionMethod), c.Network)
	}
	d.logger.Info("Detection complete.",
		zap.Int("raw", len(raw)),
		zap.Int("candidates", len(candidates)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return candidates, nil
}

// runStrategy isolates a strategy so that a panic is reported as an error.
func (d *Detector) runStrategy(ctx context.Context, s strategy) (found []schemas.AdCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.name, r)
		}
	}()
	return s.run(ctx)
}

// -- Strategies --

func (d *Detector) detectIframes(ctx context.Context) ([]schemas.AdCandidate, error) {
	refs, err := d.browser.FindElements(ctx, "iframe")
	if err != nil {
		return nil, err
	}
	var out []schemas.AdCandidate
	for _, ref := range refs {
		src, _, err := d.browser.GetAttribute(ctx, ref, "src")
		if err != nil {
			if skipErr := d.elementError(ref, err); skipErr != nil {
				return out, skipErr
			}
			continue
		}
		match := d.networks.ByDomain(src)
		if match == nil {
			continue
		}
		c, err := d.buildCandidate(ctx, ref, schemas.MethodIframe, match, match.Confidence)
		if err != nil {
			if skipErr := d.elementError(ref, err); skipErr != nil {
				return out, skipErr
			}
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *Detector) detectScripts(ctx context.Context) ([]schemas.AdCandidate, error) {
	refs, err := d.browser.FindElements(ctx, "script")
	if err != nil {
		return nil, err
	}
	var out []schemas.AdCandidate
	for _, ref := range refs {
		c, ok, err := d.scriptCandidate(ctx, ref)
		if err != nil {
			if skipErr := d.elementError(ref, err); skipErr != nil {
				return out, skipErr
			}
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Detector) scriptCandidate(ctx context.Context, ref schemas.ElementRef) (schemas.AdCandidate, bool, error) {
	src, _, err := d.browser.GetAttribute(ctx, ref, "src")
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}
	if src != "" {
		if match := d.networks.ByDomain(src); match != nil {
			c, err := d.buildCandidate(ctx, ref, schemas.MethodScript, match, match.Confidence)
			return c, err == nil, err
		}
	}

	// An unknown src can still carry an inline loader.
	body, _, err := d.browser.GetAttribute(ctx, ref, "innerHTML")
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}
	match := d.networks.ByContent(body)
	if match == nil {
		return schemas.AdCandidate{}, false, nil
	}
	c, err := d.buildCandidate(ctx, ref, schemas.MethodScript, match, match.Confidence)
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}
	c.ContentSample = truncate(body, contentSampleLen)
	return c, true, nil
}

// detectByPatterns sweeps class patterns, then id patterns.
func (d *Detector) detectByPatterns(ctx context.Context) ([]schemas.AdCandidate, error) {
	var out []schemas.AdCandidate
	for _, p := range d.catalog.ClassPatterns {
		found, err := d.sweep(ctx, attrContainsSelector("class", p), schemas.MethodClassPattern, "")
		out = append(out, found...)
		if err != nil {
			return out, err
		}
	}
	for _, p := range d.catalog.IDPatterns {
		found, err := d.sweep(ctx, attrContainsSelector("id", p), schemas.MethodIDPattern, "")
		out = append(out, found...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (d *Detector) detectByDataAttributes(ctx context.Context) ([]schemas.AdCandidate, error) {
	var out []schemas.AdCandidate
	for _, key := range d.catalog.DataAttributes {
		if !isSafeAttributeName(key) {
			d.logger.Debug("Skipping data attribute with unsupported characters.", zap.String("attribute", key))
			continue
		}
		found, err := d.sweep(ctx, "["+key+"]", schemas.MethodDataAttribute, key)
		out = append(out, found...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// sweep scores every visible element matching selector. extraKey, when set,
// is an attribute whose presence selected the element; it is added to the
// scoring map so the data-attribute sub-score can see it.
func (d *Detector) sweep(ctx context.Context, selector string, method schemas.DetectionMethod, extraKey string) ([]schemas.AdCandidate, error) {
	refs, err := d.browser.FindElements(ctx, selector)
	if err != nil {
		return nil, err
	}
	var out []schemas.AdCandidate
	for _, ref := range refs {
		c, ok, err := d.scoreElement(ctx, ref, method, extraKey)
		if err != nil {
			if skipErr := d.elementError(ref, err); skipErr != nil {
				return out, skipErr
			}
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Detector) scoreElement(ctx context.Context, ref schemas.ElementRef, method schemas.DetectionMethod, extraKey string) (schemas.AdCandidate, bool, error) {
	visible, err := d.browser.IsVisible(ctx, ref)
	if err != nil || !visible {
		return schemas.AdCandidate{}, false, err
	}
	attrs, err := d.readAttributes(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}

	scoring := attrs
	if extraKey != "" {
		val, _, err := d.browser.GetAttribute(ctx, ref, extraKey)
		if err != nil {
			return schemas.AdCandidate{}, false, err
		}
		scoring = make(map[string]string, len(attrs)+1)
		for k, v := range attrs {
			scoring[k] = v
		}
		scoring[extraKey] = val
	}

	score := d.patterns.Score(attrs["class"], attrs["id"], scoring)
	floor := d.cfg.MinGenericConfidence
	if floor <= 0 {
		floor = MinGenericConfidence
	}
	if score < floor {
		return schemas.AdCandidate{}, false, nil
	}
	match := d.networks.ByAttributes(attrs)
	confidence := score
	if match != nil {
		confidence = max(confidence, match.Confidence)
	}

	geo, err := d.browser.GetGeometry(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}
	c := d.newCandidate(ref, method, match, confidence, geo, true, attrs)
	c.PatternScore = score
	return c, true, nil
}

func (d *Detector) detectBySize(ctx context.Context) ([]schemas.AdCandidate, error) {
	selector := d.cfg.SizeSelector
	if selector == "" {
		selector = "div, section, aside, ins, figure"
	}
	tolerance := d.cfg.SizeTolerance
	if tolerance < 0 {
		tolerance = DefaultSizeTolerance
	}

	refs, err := d.browser.FindElements(ctx, selector)
	if err != nil {
		return nil, err
	}
	var out []schemas.AdCandidate
	for _, ref := range refs {
		c, ok, err := d.sizeCandidate(ctx, ref, tolerance)
		if err != nil {
			if skipErr := d.elementError(ref, err); skipErr != nil {
				return out, skipErr
			}
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Detector) sizeCandidate(ctx context.Context, ref schemas.ElementRef, tolerance int) (schemas.AdCandidate, bool, error) {
	// Geometry first: most block elements are not ad-sized, which saves the remaining round trips.
	geo, err := d.browser.GetGeometry(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}
	label, ok := d.sizes.Classify(geo.Width, geo.Height, tolerance)
	if !ok {
		return schemas.AdCandidate{}, false, nil
	}
	visible, err := d.browser.IsVisible(ctx, ref)
	if err != nil || !visible {
		return schemas.AdCandidate{}, false, err
	}
	attrs, err := d.readAttributes(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, false, err
	}

	confidence := sizePlainConfidence
	if d.patterns.ContainsAdKeyword(attrs["class"]) || d.patterns.ContainsAdKeyword(attrs["id"]) {
		confidence = sizeKeywordConfidence
	}
	match := d.networks.ByAttributes(attrs)
	c := d.newCandidate(ref, schemas.MethodSizeHeuristic, match, confidence, geo, true, attrs)
	c.StandardSize = label
	return c, true, nil
}

// -- Helpers --

func (d *Detector) buildCandidate(ctx context.Context, ref schemas.ElementRef, method schemas.DetectionMethod, match *schemas.NetworkMatch, confidence float64) (schemas.AdCandidate, error) {
	geo, err := d.browser.GetGeometry(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, err
	}
	visible, err := d.browser.IsVisible(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, err
	}
	attrs, err := d.readAttributes(ctx, ref)
	if err != nil {
		return schemas.AdCandidate{}, err
	}
	return d.newCandidate(ref, method, match, confidence, geo, visible, attrs), nil
}

// readAttributes collects the fixed attribute vocabulary; absent attributes map to "".
func (d *Detector) readAttributes(ctx context.Context, ref schemas.ElementRef) (map[string]string, error) {
	attrs := make(map[string]string, len(schemas.CandidateAttributeKeys))
	for _, key := range schemas.CandidateAttributeKeys {
		val, _, err := d.browser.GetAttribute(ctx, ref, key)
		if err != nil {
			return nil, err
		}
		attrs[key] = val
	}
	return attrs, nil
}

// elementError decides whether a per-element failure aborts the strategy.
// Session-fatal errors and cancellation propagate; anything else skips the element.
func (d *Detector) elementError(ref schemas.ElementRef, err error) error {
	if schemas.IsSessionFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	d.logger.Debug("Skipping element.", zap.String("element", ref.ID), zap.Error(err))
	return nil
}

// newCandidate assembles a candidate and annotates it with the size analysis
// of its box.
func (d *Detector) newCandidate(
	ref schemas.ElementRef,
	method schemas.DetectionMethod,
	match *schemas.NetworkMatch,
	confidence float64,
	geo schemas.Geometry,
	visible bool,
	attrs map[string]string,
) schemas.AdCandidate {
	c := schemas.AdCandidate{
		Element:         ref,
		DetectionMethod: method,
		Network:         schemas.UnknownNetwork,
		Confidence:      clamp01(confidence),
		Geometry:        geo,
		Visible:         visible,
		Attributes:      attrs,

		SizeCategory:     d.sizes.Category(geo.Width, geo.Height),
		SuspiciousAspect: d.sizes.IsSuspiciousAspect(geo.Width, geo.Height),
	}
	if match != nil {
		c.Network = match.Network
		c.MatchedSignal = match.MatchedSignal
	}
	return c
}

// attrContainsSelector builds [name*='value'] with the value quoted for CSS.
func attrContainsSelector(name, value string) string {
	return "[" + name + "*=" + cssString(value) + "]"
}

func cssString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\a `)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// isSafeAttributeName accepts names usable unescaped in an attribute selector.
func isSafeAttributeName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '-' || r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
