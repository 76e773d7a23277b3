// cmd/scan_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/mocks"
)

const (
	goodTarget = "https://news.test/"
	badTarget  = "https://down.test/"
)

// fakeSession is a FakeBrowser that refuses to load badTarget.
type fakeSession struct {
	*mocks.FakeBrowser
	mu     *sync.Mutex
	closed *int
}

func (s fakeSession) Navigate(ctx context.Context, url string) error {
	if url == badTarget {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	return s.FakeBrowser.Navigate(ctx, url)
}

func (s fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.closed++
	return nil
}

func newsPage() []*mocks.FakeElement {
	ad := mocks.El("div", map[string]string{"class": "yandex_rtb_R-A-7"}, schemas.Geometry{X: 0, Y: 100, Width: 300, Height: 250})
	ad.OnClick = mocks.OpensWindow("https://shop.test/?utm_source=ya&utm_medium=cpc&utm_campaign=x")
	return []*mocks.FakeElement{ad}
}

type sessions struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (s *sessions) open(context.Context) (pageSession, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	b := mocks.NewFakeBrowser("about:blank")
	b.AddPage(goodTarget, newsPage)
	return fakeSession{FakeBrowser: b, mu: &s.mu, closed: &s.closed}, nil
}

func fastConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Network.PostLoadWait = 0
	cfg.Network.ScrollSteps = 0
	cfg.Network.MaxRetries = 1
	cfg.Interaction.PollInterval = 5 * time.Millisecond
	cfg.Interaction.NavigationTimeout = 60 * time.Millisecond
	cfg.Interaction.LoadTimeout = 200 * time.Millisecond
	cfg.Interaction.MinInterval = 0
	cfg.Scan.Output = filepath.Join(t.TempDir(), "report.json")
	return cfg
}

func readReports(t *testing.T, path string) map[string]schemas.ScanReport {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var reports []schemas.ScanReport
	require.NoError(t, json.Unmarshal(data, &reports))
	byTarget := make(map[string]schemas.ScanReport, len(reports))
	for _, r := range reports {
		byTarget[r.TargetURL] = r
	}
	return byTarget
}

func TestRunScan_WritesReportPerTarget(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Scan.Targets = []string{goodTarget, badTarget}
	s := &sessions{}
	var summary bytes.Buffer

	err := runScan(context.Background(), cfg, zaptest.NewLogger(t), s.open, &summary)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 targets failed")

	reports := readReports(t, cfg.Scan.Output)
	require.Len(t, reports, 2)

	good := reports[goodTarget]
	assert.Empty(t, good.Error)
	require.Len(t, good.Candidates, 1)
	require.Len(t, good.Interactions, 1)
	assert.Equal(t, schemas.NavigationNewWindow, good.Interactions[0].NavigationKind)
	assert.Equal(t, "x", good.Interactions[0].UTMParameters["utm_campaign"])

	assert.Contains(t, reports[badTarget].Error, "ERR_NAME_NOT_RESOLVED")

	assert.Equal(t, 2, s.opened)
	assert.Equal(t, 2, s.closed, "every session is closed")
	assert.Contains(t, summary.String(), "2 target(s), 1 failed, 1 ad candidate(s), 1 click(s), 1 navigation(s)")
}

func TestRunScan_NoInteract(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Scan.Targets = []string{goodTarget}
	cfg.Scan.NoInteract = true

	require.NoError(t, runScan(context.Background(), cfg, zaptest.NewLogger(t), (&sessions{}).open, &bytes.Buffer{}))
	report := readReports(t, cfg.Scan.Output)[goodTarget]
	assert.Len(t, report.Candidates, 1)
	assert.Empty(t, report.Interactions)
}

func TestRunScan_SessionOpenFailure(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Scan.Targets = []string{goodTarget}
	open := func(context.Context) (pageSession, error) {
		return nil, schemas.ErrSessionLost
	}

	err := runScan(context.Background(), cfg, zaptest.NewLogger(t), open, &bytes.Buffer{})
	require.Error(t, err)
	report := readReports(t, cfg.Scan.Output)[goodTarget]
	assert.Contains(t, report.Error, "failed to open browser session")
}

func TestRunScan_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastConfig(t)
	cfg.Scan.Targets = []string{goodTarget}

	err := runScan(ctx, cfg, zaptest.NewLogger(t), (&sessions{}).open, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunScan_BadCatalog(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Scan.Targets = []string{goodTarget}
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.yaml")

	err := runScan(context.Background(), cfg, zaptest.NewLogger(t), (&sessions{}).open, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read catalog")
}

func TestRunScan_MetricsEndpoint(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Scan.Targets = []string{goodTarget}
	cfg.Metrics.Addr = "127.0.0.1:0"

	require.NoError(t, runScan(context.Background(), cfg, zaptest.NewLogger(t), (&sessions{}).open, &bytes.Buffer{}))
}

func TestApplyScanFlags(t *testing.T) {
	scanCmd := newScanCmd()
	require.NoError(t, scanCmd.ParseFlags([]string{"-o", "out.json", "--no-interact"}))

	cfg := config.NewDefaultConfig()
	require.NoError(t, applyScanFlags(scanCmd, cfg, []string{goodTarget}))
	assert.Equal(t, []string{goodTarget}, cfg.Scan.Targets)
	assert.Equal(t, "out.json", cfg.Scan.Output)
	assert.True(t, cfg.Scan.NoInteract)
}

func TestScanCmd_RequiresTarget(t *testing.T) {
	_, _, err := execute(t, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}
