// internal/scanner/scanner.go
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/detection"
	"github.com/xkilldash9x/adprobe/internal/interaction"
	"github.com/xkilldash9x/adprobe/internal/observability"
	"github.com/xkilldash9x/adprobe/internal/urlanalysis"
)

const (
	scrollStepJS = `window.scrollTo(0, document.body.scrollHeight * arguments[0] / arguments[1]);`
	scrollTopJS  = `window.scrollTo(0, 0);`
)

// Scan status labels reported to metrics.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Scanner runs the full pipeline for one target on one page: load, scroll,
// detect, and click the strongest candidates.
type Scanner struct {
	page       schemas.Page
	cfg        *config.Config
	detector   *detection.Detector
	controller *interaction.Controller
	logger     *zap.Logger
	metrics    observability.Recorder

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the detection and interaction engines to page.
func New(
	page schemas.Page,
	cfg *config.Config,
	catalog *config.PatternCatalog,
	analyzer *urlanalysis.Analyzer,
	logger *zap.Logger,
	metrics observability.Recorder,
) (*Scanner, error) {
	if page == nil || cfg == nil || catalog == nil || analyzer == nil {
		return nil, fmt.Errorf("cannot initialize scanner with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NopRecorder{}
	}

	detector, err := detection.New(page, catalog, cfg.Detection, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	s := &Scanner{
		page:       page,
		cfg:        cfg,
		detector:   detector,
		controller: interaction.NewController(page, analyzer, cfg.Interaction, logger, metrics),
		logger:     logger.Named("scanner"),
		metrics:    metrics,
		sleep:      sleepCtx,
	}
	s.controller.SetRefresh(s.refresh)
	return s, nil
}

// NormalizeTarget adds an https scheme to bare hosts and rejects anything
// that still lacks a host.
func NormalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty target: %w", schemas.ErrInvalidURL)
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("target %q: %w", target, schemas.ErrInvalidURL)
	}
	return u.String(), nil
}

// Scan produces the report for one target. The report is always returned;
// its Error field mirrors the returned error. Only cancellation,
// session-fatal errors and an unloadable target are returned as errors.
func (s *Scanner) Scan(ctx context.Context, target string) (schemas.ScanReport, error) {
	report := schemas.ScanReport{
		ScanID:       uuid.New().String(),
		TargetURL:    target,
		StartedAt:    time.Now().UTC(),
		Candidates:   []schemas.AdCandidate{},
		Interactions: []schemas.InteractionResult{},
	}
	logger := s.logger.With(zap.String("scanID", report.ScanID), zap.String("target", target))

	err := s.scan(ctx, &report, logger)
	report.FinishedAt = time.Now().UTC()

	status := StatusCompleted
	switch {
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
	case err != nil:
		status = StatusFailed
	}
	s.metrics.IncrementScans(status)

	if err != nil {
		report.Error = err.Error()
		logger.Error("Scan finished with an error.", zap.String("status", status), zap.Error(err))
		return report, err
	}
	logger.Info("Scan finished.",
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("interactions", len(report.Interactions)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (s *Scanner) scan(ctx context.Context, report *schemas.ScanReport, logger *zap.Logger) error {
	target, err := NormalizeTarget(report.TargetURL)
	if err != nil {
		return err
	}
	report.TargetURL = target

	if err := s.load(ctx, target, logger); err != nil {
		return err
	}
	if err := s.scroll(ctx, logger); err != nil {
		return err
	}

	candidates, err := s.detector.Detect(ctx)
	report.Candidates = append(report.Candidates, candidates...)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	if !s.cfg.Interaction.Enabled || s.cfg.Scan.NoInteract {
		logger.Debug("Interaction disabled, skipping clicks.")
		return nil
	}
	strong := detection.SelectStrong(candidates, s.cfg.Interaction.MinConfidence, s.cfg.Interaction.MaxCandidates)
	if len(strong) == 0 {
		logger.Info("No candidate is strong enough to click.", zap.Float64("min_confidence", s.cfg.Interaction.MinConfidence))
		return nil
	}

	logger.Info("Interacting with candidates.", zap.Int("count", len(strong)))
	results, err := s.controller.TestMultiple(ctx, strong, len(strong))
	report.Interactions = append(report.Interactions, results...)
	if err != nil {
		return fmt.Errorf("interaction failed: %w", err)
	}
	return nil
}

// load navigates to target, retrying up to network.max_retries times, then
// waits network.post_load_wait for late ad slots.
func (s *Scanner) load(ctx context.Context, target string, logger *zap.Logger) error {
	attempts := s.cfg.Network.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		navCtx, cancel := context.WithTimeout(ctx, s.cfg.Network.NavigationTimeout)
		err := s.page.Navigate(navCtx, target)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if schemas.IsSessionFatal(err) {
			return fmt.Errorf("navigate to %s: %w", target, err)
		}

		lastErr = err
		logger.Warn("Page load failed.", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
		if attempt < attempts {
			if err := s.sleep(ctx, s.cfg.Network.RetryDelay); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load %s after %d attempts: %w", target, attempts, lastErr)
	}

	logger.Debug("Page loaded.")
	return s.sleep(ctx, s.cfg.Network.PostLoadWait)
}

// scroll walks down the page in network.scroll_steps increments so that
// lazily loaded slots render, then returns to the top.
func (s *Scanner) scroll(ctx context.Context, logger *zap.Logger) error {
	steps := s.cfg.Network.ScrollSteps
	if steps <= 0 {
		return nil
	}
	for i := 1; i <= steps; i++ {
		if err := s.page.ExecuteScript(ctx, scrollStepJS, nil, i, steps); err != nil {
			if schemas.IsSessionFatal(err) || ctx.Err() != nil {
				return err
			}
			logger.Debug("Scroll step failed.", zap.Int("step", i), zap.Error(err))
		}
		if err := s.sleep(ctx, s.cfg.Network.ScrollPause); err != nil {
			return err
		}
	}
	if err := s.page.ExecuteScript(ctx, scrollTopJS, nil); err != nil {
		if schemas.IsSessionFatal(err) || ctx.Err() != nil {
			return err
		}
		logger.Debug("Scroll back to top failed.", zap.Error(err))
	}
	return nil
}

// refresh re-runs detection on the reloaded page and moves each remaining
// candidate onto the element that now occupies its box. Candidates without a
// match keep their old reference and will fail as stale.
func (s *Scanner) refresh(ctx context.Context, remaining []schemas.AdCandidate) ([]schemas.AdCandidate, error) {
	fresh, err := s.detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	byBox := make(map[schemas.Geometry]schemas.ElementRef, len(fresh))
	for _, c := range fresh {
		byBox[c.Geometry] = c.Element
	}

	out := make([]schemas.AdCandidate, len(remaining))
	moved := 0
	for i, c := range remaining {
		out[i] = c
		if ref, ok := byBox[c.Geometry]; ok {
			out[i].Element = ref
			moved++
		}
	}
	s.logger.Debug("Refreshed candidates after same-window redirect.",
		zap.Int("remaining", len(remaining)), zap.Int("remapped", moved))
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
