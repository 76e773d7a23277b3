// internal/interaction/controller.go
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/browser"
	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/observability"
	"github.com/xkilldash9x/adprobe/internal/urlanalysis"
)

const (
	defaultLoadTimeout = 15 * time.Second

	scriptClickJS    = `arguments[0].click();`
	scrollIntoViewJS = `arguments[0].scrollIntoView({block: 'center', inline: 'center'});`
)

// ClickOutcome is what one click strategy reports back to the chain.
type ClickOutcome struct {
	Success bool
	Method  schemas.ClickMethod
	Reason  schemas.FailureReason
	Err     error
}

// RefreshFunc re-resolves candidates whose element references may have gone
// stale after the page was navigated away and back. It returns a slice of the
// same length, in the same order.
type RefreshFunc func(ctx context.Context, remaining []schemas.AdCandidate) ([]schemas.AdCandidate, error)

type clickStrategy struct {
	method schemas.ClickMethod
	click  func(ctx context.Context, ref schemas.ElementRef) error
}

// Controller clicks ad candidates, follows where they lead and always leaves
// the browser on the window it started from.
type Controller struct {
	browser  schemas.Browser
	analyzer *urlanalysis.Analyzer
	cfg      config.InteractionConfig
	logger   *zap.Logger
	metrics  observability.Recorder
	refresh  RefreshFunc
}

// NewController builds a controller over a browser. analyzer is required.
func NewController(
	b schemas.Browser,
	analyzer *urlanalysis.Analyzer,
	cfg config.InteractionConfig,
	logger *zap.Logger,
	metrics observability.Recorder,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NopRecorder{}
	}
	return &Controller{
		browser:  b,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger.Named("interaction"),
		metrics:  metrics,
	}
}

// SetRefresh installs fn to run in TestMultiple after every same-window
// redirect, before the next candidate is attempted.
func (c *Controller) SetRefresh(fn RefreshFunc) {
	c.refresh = fn
}

func (c *Controller) strategies() []clickStrategy {
	return []clickStrategy{
		{schemas.ClickDirect, c.browser.Click},
		{schemas.ClickScript, func(ctx context.Context, ref schemas.ElementRef) error {
			return c.browser.ExecuteScript(ctx, scriptClickJS, nil, ref)
		}},
		{schemas.ClickPointer, func(ctx context.Context, ref schemas.ElementRef) error {
			return c.browser.PointerClick(ctx, ref, c.cfg.PointerOffsetX, c.cfg.PointerOffsetY)
		}},
	}
}

// attempt carries the mutable state of one AttemptInteraction call.
type attempt struct {
	res    schemas.InteractionResult
	state  schemas.InteractionState
	logger *zap.Logger
}

func (a *attempt) transition(to schemas.InteractionState) {
	a.logger.Debug("Interaction state change.", zap.String("from", string(a.state)), zap.String("to", string(to)))
	a.state = to
}

// fail records a failure reason once; the first reason wins.
func (a *attempt) fail(reason schemas.FailureReason, err error) {
	if a.res.FailureReason == schemas.ReasonNone {
		a.res.FailureReason = reason
	}
	if err != nil {
		if a.res.Error == "" {
			a.res.Error = err.Error()
		} else {
			a.res.Error += "; " + err.Error()
		}
	}
	a.state = schemas.StateFailed
}

// AttemptInteraction clicks one candidate and reports where the click led.
//
// Transient DOM failures end up as a FailureReason on the result with a nil
// error. Session-fatal errors and cancellation are returned alongside the
// partially filled result. Whatever happens, including a panic, the windows
// opened by the click are closed and the original window is active again
// before this method returns.
func (c *Controller) AttemptInteraction(ctx context.Context, candidate schemas.AdCandidate) (res schemas.InteractionResult, err error) {
	start := time.Now()
	a := &attempt{
		res:   schemas.NewInteractionResult(candidate),
		state: schemas.StateIdle,
		logger: c.logger.With(
			zap.String("element", candidate.Element.ID),
			zap.String("method", string(candidate.DetectionMethod)),
			zap.String("network", candidate.Network),
		),
	}

	ws, err := OpenWindowSession(ctx, c.browser, a.logger)
	if err != nil {
		a.fail(schemas.ReasonFor(err), err)
		return c.finish(a, start), c.escalate(err)
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic during interaction.", zap.Any("panic", r), zap.Stack("stack"))
			a.fail(schemas.ReasonUnexpectedFailure, fmt.Errorf("panic during interaction: %v", r))
		}

		failed := a.state == schemas.StateFailed
		a.transition(schemas.StateRestoring)
		if rerr := c.restore(ctx, ws); rerr != nil {
			a.logger.Warn("Failed to restore window state.", zap.Error(rerr))
			c.metrics.IncrementRestoreFailures()
			a.fail(schemas.ReasonRestoreFailed, rerr)
			if err == nil && schemas.IsSessionFatal(rerr) {
				err = rerr
			}
		} else if failed {
			a.state = schemas.StateFailed
		}
		res = c.finish(a, start)
	}()

	return a.res, c.run(ctx, a, ws)
}

// run drives the clicking, awaitingNavigation and analyzing states.
func (c *Controller) run(ctx context.Context, a *attempt, ws *WindowSession) error {
	ref := a.res.Candidate.Element

	a.transition(schemas.StateClicking)
	if reason, err := c.precheck(ctx, ref); reason != schemas.ReasonNone {
		a.fail(reason, err)
		return c.escalate(err)
	}

	outcome := c.clickChain(ctx, ref, a.logger)
	if !outcome.Success {
		a.fail(outcome.Reason, outcome.Err)
		return c.escalate(outcome.Err)
	}
	a.res.ClickSucceeded = true
	a.res.ClickMethod = outcome.Method

	a.transition(schemas.StateAwaitingNavigation)
	kind, handle, err := c.awaitNavigation(ctx, ws)
	if err != nil {
		a.fail(schemas.ReasonFor(err), err)
		return c.escalate(err)
	}
	a.res.NavigationKind = kind
	if kind == schemas.NavigationNone {
		a.logger.Debug("Click did not navigate.")
		return nil
	}

	a.transition(schemas.StateAnalyzing)
	if kind == schemas.NavigationNewWindow {
		if err := c.browser.SwitchToWindow(ctx, handle); err != nil {
			return c.destinationFailed(a, kind, err)
		}
	}

	loaded, err := waitForLoad(ctx, c.browser, c.cfg.LoadTimeout)
	if err != nil {
		return c.destinationFailed(a, kind, err)
	}
	if !loaded {
		a.logger.Debug("Destination did not finish loading; analyzing its current URL.")
	}

	url, err := c.browser.CurrentURL(ctx)
	if err != nil {
		return c.destinationFailed(a, kind, err)
	}
	if isBlankURL(url) {
		a.fail(schemas.ReasonNavigationFailed, errors.New("destination never left about:blank"))
		return nil
	}

	analysis := c.analyzer.Analyze(url)
	a.res.DestinationURL = url
	a.res.Analysis = &analysis
	a.res.UTMParameters = analysis.UTM.Parameters
	a.res.TrackingParameters = analysis.TrackingParameters
	a.res.SecurityRisk = analysis.Security.RiskLevel
	a.logger.Info("Interaction reached destination.",
		zap.String("navigation", string(kind)),
		zap.String("url", url),
		zap.String("risk", analysis.Security.RiskLevel),
	)
	return nil
}

// destinationFailed records a failure while reading the destination. A popup
// that closed itself only fails this candidate; losing the original window
// still surfaces from restore.
func (c *Controller) destinationFailed(a *attempt, kind schemas.NavigationKind, err error) error {
	if kind == schemas.NavigationNewWindow && errors.Is(err, schemas.ErrNoSuchWindow) && !errors.Is(err, schemas.ErrSessionLost) {
		a.logger.Debug("Destination window closed before it could be analyzed.", zap.Error(err))
		a.fail(schemas.ReasonNavigationFailed, err)
		return nil
	}
	reason := schemas.ReasonFor(err)
	if reason == schemas.ReasonUnexpectedFailure {
		reason = schemas.ReasonNavigationFailed
	}
	a.fail(reason, err)
	return c.escalate(err)
}

// precheck verifies the element is visible and enabled, then scrolls it into
// view. Scrolling is best effort.
func (c *Controller) precheck(ctx context.Context, ref schemas.ElementRef) (schemas.FailureReason, error) {
	visible, err := c.browser.IsVisible(ctx, ref)
	if err != nil {
		return schemas.ReasonFor(err), err
	}
	if !visible {
		return schemas.ReasonNotVisible, nil
	}
	enabled, err := c.browser.IsEnabled(ctx, ref)
	if err != nil {
		return schemas.ReasonFor(err), err
	}
	if !enabled {
		return schemas.ReasonNotEnabled, nil
	}
	if err := c.browser.ExecuteScript(ctx, scrollIntoViewJS, nil, ref); err != nil {
		if schemas.IsSessionFatal(err) || ctx.Err() != nil {
			return schemas.ReasonFor(err), err
		}
		c.logger.Debug("Scroll into view failed.", zap.Error(err))
	}
	return schemas.ReasonNone, nil
}

// clickChain tries each click strategy in order and stops at the first success.
func (c *Controller) clickChain(ctx context.Context, ref schemas.ElementRef, logger *zap.Logger) ClickOutcome {
	var errs []error
	for _, s := range c.strategies() {
		err := s.click(ctx, ref)
		if err == nil {
			logger.Debug("Click delivered.", zap.String("click_method", string(s.method)))
			return ClickOutcome{Success: true, Method: s.method}
		}
		errs = append(errs, fmt.Errorf("%s click: %w", s.method, err))
		logger.Debug("Click strategy failed.", zap.String("click_method", string(s.method)), zap.Error(err))

		// None of these get better by trying another strategy.
		if schemas.IsSessionFatal(err) || ctx.Err() != nil || errors.Is(err, schemas.ErrStaleElement) {
			return ClickOutcome{Method: s.method, Reason: schemas.ReasonFor(err), Err: errors.Join(errs...)}
		}
	}
	return ClickOutcome{Reason: schemas.ReasonAllClicksFailed, Err: errors.Join(errs...)}
}

// awaitNavigation polls for a new window or a URL change of the current one.
func (c *Controller) awaitNavigation(ctx context.Context, ws *WindowSession) (schemas.NavigationKind, schemas.WindowHandle, error) {
	kind := schemas.NavigationNone
	var handle schemas.WindowHandle

	_, err := c.browser.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		fresh, err := ws.NewHandles(ctx)
		if err != nil {
			return false, pollError(err)
		}
		if len(fresh) > 0 {
			kind, handle = schemas.NavigationNewWindow, fresh[0]
			return true, nil
		}
		url, err := c.browser.CurrentURL(ctx)
		if err != nil {
			return false, pollError(err)
		}
		if url != ws.OriginalURL && !isBlankURL(url) {
			kind = schemas.NavigationSameWindowRedirect
			return true, nil
		}
		return false, nil
	}, c.cfg.NavigationTimeout)
	if err != nil {
		return schemas.NavigationNone, "", err
	}
	return kind, handle, nil
}

// restore runs on a detached context so that a cancelled scan still gets its windows back.
func (c *Controller) restore(ctx context.Context, ws *WindowSession) error {
	timeout := c.cfg.RestoreTimeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	restoreCtx, cancel := context.WithTimeout(browser.Detach(ctx), timeout)
	defer cancel()
	return ws.Restore(restoreCtx, c.cfg.RestoreSameWindow)
}

// escalate returns the errors a caller must act on: session loss and cancellation.
func (c *Controller) escalate(err error) error {
	if err == nil {
		return nil
	}
	if schemas.IsSessionFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Controller) finish(a *attempt, start time.Time) schemas.InteractionResult {
	if a.state != schemas.StateFailed {
		a.transition(schemas.StateDone)
	}
	a.res.FinalState = a.state
	elapsed := time.Since(start)
	a.res.ElapsedMs = elapsed.Milliseconds()

	c.metrics.RecordInteractionLatency(elapsed)
	if a.state == schemas.StateFailed {
		c.metrics.IncrementInteractionFailures(string(a.res.FailureReason))
	} else {
		c.metrics.IncrementInteractions(string(a.res.NavigationKind), string(a.res.ClickMethod))
	}
	return a.res
}

// TestMultiple attempts up to maxCount candidates one after another, paced by
// interaction.min_interval. Per-candidate failures are recorded on their
// results and do not stop the run. Cancellation is checked between
// candidates; a session-fatal error ends the run and is returned with the
// results gathered so far. A maxCount of zero or less means no limit.
//
// After a same-window redirect the original page has been reloaded, so the
// refresh function, when set, gets a chance to re-resolve the candidates that
// are still pending.
func (c *Controller) TestMultiple(ctx context.Context, candidates []schemas.AdCandidate, maxCount int) ([]schemas.InteractionResult, error) {
	if maxCount <= 0 || maxCount > len(candidates) {
		maxCount = len(candidates)
	}

	limit := rate.Inf
	if c.cfg.MinInterval > 0 {
		limit = rate.Every(c.cfg.MinInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	pending := append([]schemas.AdCandidate(nil), candidates[:maxCount]...)
	results := make([]schemas.InteractionResult, 0, maxCount)
	for i := 0; i < len(pending); i++ {
		if err := limiter.Wait(ctx); err != nil {
			return results, fmt.Errorf("interaction run stopped before candidate %d: %w", i, contextErr(ctx, err))
		}

		res, err := c.AttemptInteraction(ctx, pending[i])
		results = append(results, res)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("Interaction run aborted.", zap.Int("candidate", i), zap.Error(err))
			}
			return results, err
		}

		if res.NavigationKind != schemas.NavigationSameWindowRedirect || c.refresh == nil || i+1 == len(pending) {
			continue
		}
		rest, err := c.refresh(ctx, pending[i+1:])
		if err != nil {
			if schemas.IsSessionFatal(err) || errors.Is(err, context.Canceled) {
				return results, err
			}
			c.logger.Warn("Candidate refresh failed, keeping previous references.", zap.Error(err))
			continue
		}
		if len(rest) != len(pending)-i-1 {
			c.logger.Warn("Candidate refresh changed the candidate count, ignoring it.",
				zap.Int("want", len(pending)-i-1), zap.Int("got", len(rest)))
			continue
		}
		pending = append(pending[:i+1], rest...)
	}
	return results, nil
}

// contextErr prefers the context's own error; rate.Limiter reports a
// deadline that would be exceeded with a plain error.
func contextErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
