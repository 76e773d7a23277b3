package detection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/mocks"
	"github.com/xkilldash9x/adprobe/internal/observability"
)

type countingRecorder struct {
	observability.NopRecorder
	mu             sync.Mutex
	strategyErrors map[string]int
	candidates     int
}

func (r *countingRecorder) IncrementStrategyErrors(strategy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategyErrors == nil {
		r.strategyErrors = map[string]int{}
	}
	r.strategyErrors[strategy]++
}

func (r *countingRecorder) IncrementCandidates(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates++
}

func geo(x, y, w, h int) schemas.Geometry {
	return schemas.Geometry{X: x, Y: y, Width: w, Height: h}
}

func newTestDetector(t *testing.T, b schemas.Browser, cfg config.DetectionConfig, rec observability.Recorder) *Detector {
	t.Helper()
	d, err := New(b, config.DefaultCatalog(), cfg, zaptest.NewLogger(t), rec)
	require.NoError(t, err)
	return d
}

func defaultDetection() config.DetectionConfig {
	return config.NewDefaultConfig().Detection
}

func TestDetect_IdenticalBoundsCollapse(t *testing.T) {
	b := mocks.NewFakeBrowser("https://news.test/",
		mocks.El("div", map[string]string{"class": "yandex_rtb_1"}, geo(100, 200, 300, 250)),
		mocks.El("div", nil, geo(100, 200, 300, 250)),
	)
	d := newTestDetector(t, b, defaultDetection(), nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, schemas.MethodClassPattern, c.DetectionMethod)
	assert.Equal(t, "yandex_ads", c.Network)
	assert.Equal(t, 0.9, c.Confidence)
	assert.InDelta(t, 0.8, c.PatternScore, 1e-9)
	assert.Equal(t, "class:yandex_rtb_", c.MatchedSignal)
	assert.True(t, c.Visible)
}

func TestDetect_Iframes(t *testing.T) {
	ad := mocks.El("iframe", map[string]string{"src": "https://yandex.ru/an/count/1"}, geo(0, 0, 728, 90))
	b := mocks.NewFakeBrowser("https://news.test/",
		ad,
		mocks.El("iframe", map[string]string{"src": "https://video.test/embed"}, geo(0, 500, 640, 360)),
		mocks.El("iframe", nil, geo(0, 900, 10, 10)),
	)
	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyIframe}
	d := newTestDetector(t, b, cfg, nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ad.Ref(), got[0].Element)
	assert.Equal(t, schemas.MethodIframe, got[0].DetectionMethod)
	assert.Equal(t, HighTrustDomainConfidence, got[0].Confidence)
	assert.Equal(t, "https://yandex.ru/an/count/1", got[0].Attributes["src"])
	assert.Equal(t, "", got[0].Attributes["class"], "absent attributes map to empty strings")
}

func TestDetect_Scripts(t *testing.T) {
	inline := mocks.El("script", nil, geo(0, 0, 0, 0))
	inline.Text = "window.yaContextCb = window.yaContextCb || []; " + strings.Repeat("x", 300)
	b := mocks.NewFakeBrowser("https://news.test/",
		inline,
		mocks.El("script", map[string]string{"src": "https://cdn.test/app.js"}, geo(0, 0, 0, 0)),
	)
	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyScript}
	d := newTestDetector(t, b, cfg, nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, schemas.MethodScript, c.DetectionMethod)
	assert.Equal(t, "yandex_ads", c.Network)
	assert.Equal(t, ContentConfidence, c.Confidence)
	assert.False(t, c.Visible)
	assert.Len(t, []rune(c.ContentSample), contentSampleLen)
}

func TestDetect_ScriptWithUnknownSrcChecksBody(t *testing.T) {
	loader := mocks.El("script", map[string]string{"src": "https://cdn.test/lib.js"}, geo(0, 0, 0, 0))
	loader.Text = "window.yaContextCb = []"
	b := mocks.NewFakeBrowser("https://news.test/", loader)
	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyScript}
	d := newTestDetector(t, b, cfg, nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, loader.Ref(), got[0].Element)
	assert.Equal(t, "yandex_ads", got[0].Network)
	assert.Equal(t, ContentConfidence, got[0].Confidence)
	assert.Equal(t, "yacontext", got[0].MatchedSignal)
	assert.Equal(t, "https://cdn.test/lib.js", got[0].Attributes["src"])
}

func TestDetect_GenericConfidenceFloor(t *testing.T) {
	newPage := func() *mocks.FakeBrowser {
		return mocks.NewFakeBrowser("https://news.test/",
			mocks.El("div", map[string]string{"class": "yandex_rtb_7"}, geo(0, 0, 300, 250)),
		)
	}
	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyClass}

	got, err := newTestDetector(t, newPage(), cfg, nil).Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	cfg.MinGenericConfidence = 0.85
	got, err = newTestDetector(t, newPage(), cfg, nil).Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got, "class score 0.8 is below the configured floor")
}

func TestDetect_DataAttributes(t *testing.T) {
	slot := mocks.El("div", map[string]string{"data-ad-client": "ca-pub-1"}, geo(10, 10, 100, 100))
	hidden := mocks.El("div", map[string]string{"data-ad": "x"}, geo(10, 300, 100, 100))
	hidden.Hidden = true
	b := mocks.NewFakeBrowser("https://news.test/", slot, hidden)

	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyData}
	d := newTestDetector(t, b, cfg, nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, slot.Ref(), got[0].Element)
	assert.Equal(t, schemas.MethodDataAttribute, got[0].DetectionMethod)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, schemas.UnknownNetwork, got[0].Network)
}

func TestDetect_SizeHeuristic(t *testing.T) {
	plain := mocks.El("div", nil, geo(0, 0, 728, 90))
	keyword := mocks.El("aside", map[string]string{"class": "sidebar-banner"}, geo(0, 200, 301, 251))
	b := mocks.NewFakeBrowser("https://news.test/",
		plain,
		keyword,
		mocks.El("div", nil, geo(0, 600, 1200, 800)),
		mocks.El("span", nil, geo(0, 1500, 300, 250)),
		mocks.El("div", nil, geo(0, 2400, 970, 66)),
	)
	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategySize}
	d := newTestDetector(t, b, cfg, nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, plain.Ref(), got[0].Element)
	assert.Equal(t, "728x90", got[0].StandardSize)
	assert.Equal(t, sizePlainConfidence, got[0].Confidence)
	assert.Equal(t, CategoryMedium, got[0].SizeCategory)
	assert.False(t, got[0].SuspiciousAspect)

	assert.Equal(t, keyword.Ref(), got[1].Element)
	assert.Equal(t, "300x250", got[1].StandardSize)
	assert.Equal(t, sizeKeywordConfidence, got[1].Confidence)
	assert.Equal(t, CategoryLarge, got[1].SizeCategory)

	assert.Equal(t, "970x66", got[2].StandardSize)
	assert.True(t, got[2].SuspiciousAspect, "ratio above 10")
}

func TestDetect_CandidatesCarrySizeAnalysis(t *testing.T) {
	b := mocks.NewFakeBrowser("https://news.test/",
		mocks.El("iframe", map[string]string{"src": "https://yandex.ru/an/count/1"}, geo(0, 0, 300, 250)),
		mocks.El("div", map[string]string{"class": "yandex_rtb_9"}, geo(0, 300, 5, 5)),
	)
	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyIframe, config.StrategyClass}
	d := newTestDetector(t, b, cfg, nil)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, schemas.MethodIframe, got[0].DetectionMethod)
	assert.Equal(t, CategoryLarge, got[0].SizeCategory)
	assert.False(t, got[0].SuspiciousAspect)

	assert.Equal(t, CategoryVerySmall, got[1].SizeCategory)
	assert.True(t, got[1].SuspiciousAspect, "area below 100")
}

func TestDetect_ConfidenceBoundsAndUniqueGeometry(t *testing.T) {
	b := mocks.NewFakeBrowser("https://news.test/",
		mocks.El("iframe", map[string]string{"src": "https://yandex.ru/adfox/1"}, geo(0, 0, 300, 250)),
		mocks.El("div", map[string]string{"class": "adfox_1", "id": "adfox_1", "data-ad": ""}, geo(0, 0, 300, 250)),
		mocks.El("div", map[string]string{"id": "begun_block_2"}, geo(0, 300, 468, 60)),
		mocks.El("ins", map[string]string{"class": "adsbygoogle", "data-ad-slot": "9"}, geo(0, 400, 320, 50)),
		mocks.El("section", nil, geo(0, 500, 160, 600)),
	)
	rec := &countingRecorder{}
	d := newTestDetector(t, b, defaultDetection(), rec)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, got)

	seen := map[schemas.Geometry]bool{}
	for _, c := range got {
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
		assert.False(t, seen[c.Geometry], "duplicate geometry %+v", c.Geometry)
		seen[c.Geometry] = true
	}
	assert.Len(t, got, 4)
	assert.Equal(t, len(got), rec.candidates)
	// Discovery order: the iframe pass runs first.
	assert.Equal(t, schemas.MethodIframe, got[0].DetectionMethod)
}

func TestDetect_StrategyIsolation(t *testing.T) {
	m := new(mocks.MockBrowser)
	m.On("FindElements", mock.Anything, "iframe").Return(nil, errors.New("protocol error"))
	m.On("FindElements", mock.Anything, "script").Run(func(mock.Arguments) {
		panic("renderer crashed")
	})
	m.On("FindElements", mock.Anything, mock.Anything).Return([]schemas.ElementRef{}, nil)

	rec := &countingRecorder{}
	d := newTestDetector(t, m, defaultDetection(), rec)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, rec.strategyErrors[config.StrategyIframe])
	assert.Equal(t, 1, rec.strategyErrors[config.StrategyScript])
	m.AssertCalled(t, "FindElements", mock.Anything, "div, section, aside, ins, figure")
}

func TestDetect_StrategyFailureIsLogged(t *testing.T) {
	m := new(mocks.MockBrowser)
	m.On("FindElements", mock.Anything, "script").Run(func(mock.Arguments) {
		panic("renderer crashed")
	})
	m.On("FindElements", mock.Anything, mock.Anything).Return([]schemas.ElementRef{}, nil)

	core, logs := observer.New(zapcore.WarnLevel)
	d, err := New(m, config.DefaultCatalog(), defaultDetection(), zap.New(core), observability.NopRecorder{})
	require.NoError(t, err)

	_, err = d.Detect(context.Background())
	require.NoError(t, err)

	failed := logs.FilterMessage("Detection strategy failed, continuing.").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, config.StrategyScript, fields["strategy"])
	assert.Contains(t, fields["error"], "renderer crashed")
}

func TestDetect_StaleElementSkipped(t *testing.T) {
	m := new(mocks.MockBrowser)
	ref := schemas.ElementRef{ID: "gone"}
	m.On("FindElements", mock.Anything, "iframe").Return([]schemas.ElementRef{ref}, nil)
	m.On("GetAttribute", mock.Anything, ref, "src").Return("", false, schemas.ErrStaleElement)

	cfg := defaultDetection()
	cfg.Strategies = []string{config.StrategyIframe}
	rec := &countingRecorder{}
	d := newTestDetector(t, m, cfg, rec)

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, rec.strategyErrors)
}

func TestDetect_SessionFatalPropagates(t *testing.T) {
	b := mocks.NewFakeBrowser("https://news.test/",
		mocks.El("iframe", map[string]string{"src": "https://yandex.ru/an/1"}, geo(0, 0, 300, 250)),
	)
	b.Fail("IsVisible", schemas.ErrSessionLost)
	d := newTestDetector(t, b, defaultDetection(), nil)

	_, err := d.Detect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrSessionLost)
	assert.True(t, schemas.IsSessionFatal(err))
}

func TestDetect_Cancelled(t *testing.T) {
	b := mocks.NewFakeBrowser("https://news.test/")
	d := newTestDetector(t, b, defaultDetection(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Detect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttrContainsSelector(t *testing.T) {
	assert.Equal(t, `[class*='yandex_rtb_']`, attrContainsSelector("class", "yandex_rtb_"))
	assert.Equal(t, `[id*='it\'s']`, attrContainsSelector("id", "it's"))
	assert.True(t, isSafeAttributeName("data-ad-slot"))
	assert.False(t, isSafeAttributeName("data ad"))
	assert.False(t, isSafeAttributeName(""))
}
