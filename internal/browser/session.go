// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	closeTimeout        = 10 * time.Second
	pageTargetType      = "page"
)

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Session implements schemas.Page on one isolated Chrome browser context.
// It is used by a single scan at a time; the mutex only guards its tab table.
type Session struct {
	id               string
	logger           *zap.Logger
	manager          *Manager
	browserContextID cdp.BrowserContextID
	opTimeout        time.Duration
	navTimeout       time.Duration
	pollInterval     time.Duration

	mu      sync.Mutex
	tabs    map[target.ID]*tab
	order   []target.ID
	current target.ID
	pointer Vector2D
	closed  bool
	onClose func()
}

var _ schemas.Page = (*Session)(nil)

func newSession(id string, m *Manager, browserContextID cdp.BrowserContextID) *Session {
	cfg := m.cfg
	poll := cfg.Interaction.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Session{
		id:               id,
		logger:           m.logger.Named("session").With(zap.String("session_id", id)),
		manager:          m,
		browserContextID: browserContextID,
		opTimeout:        cfg.Browser.OperationTimeout,
		navTimeout:       cfg.Network.NavigationTimeout,
		pollInterval:     poll,
		tabs:             make(map[target.ID]*tab),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// adoptTab attaches a chromedp context to an existing target and makes it current.
func (s *Session) adoptTab(id target.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.attachLocked(id); err != nil {
		return err
	}
	s.current = id
	return nil
}

func (s *Session) attachLocked(id target.ID) (*tab, error) {
	if t, ok := s.tabs[id]; ok {
		return t, nil
	}
	ctx, cancel := chromedp.NewContext(s.manager.browserCtx, chromedp.WithTargetID(id))
	// Attaching must happen on the tab's own context; a deadline on the first
	// Run would detach the tab when it expires.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: attach %s: %v", schemas.ErrNoSuchWindow, id, err)
	}
	t := &tab{ctx: ctx, cancel: cancel}
	s.tabs[id] = t
	s.rememberLocked(id)
	return t, nil
}

func (s *Session) rememberLocked(id target.ID) {
	for _, seen := range s.order {
		if seen == id {
			return
		}
	}
	s.order = append(s.order, id)
}

func (s *Session) currentTab() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", schemas.ErrSessionLost)
	}
	if s.current == "" {
		return nil, fmt.Errorf("%w: no current window", schemas.ErrNoSuchWindow)
	}
	t, ok := s.tabs[s.current]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrNoSuchWindow, s.current)
	}
	return t, nil
}

// run executes actions against the current tab under an operation timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	t, err := s.currentTab()
	if err != nil {
		return err
	}
	opCtx, cancelOp := context.WithTimeout(ctx, timeout)
	defer cancelOp()
	runCtx, cancel := CombineContext(t.ctx, opCtx)
	defer cancel()

	err = chromedp.Run(runCtx, actions...)
	return s.classify(ctx, opCtx, t, err)
}

// classify maps a chromedp failure onto the schemas error taxonomy.
func (s *Session) classify(ctx, opCtx context.Context, t *tab, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("browser operation aborted: %w", ctxErr)
	}
	if s.manager.browserCtx.Err() != nil {
		return fmt.Errorf("%w: %v", schemas.ErrSessionLost, err)
	}
	if t.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", schemas.ErrNoSuchWindow, err)
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("browser operation timed out: %w", context.DeadlineExceeded)
	}

	var exc *cdpruntime.ExceptionDetails
	if errors.As(err, &exc) {
		return fmt.Errorf("%w: %v", ErrScript, exc)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no target with given id"),
		strings.Contains(msg, "target closed"),
		strings.Contains(msg, "no such target"):
		return fmt.Errorf("%w: %v", schemas.ErrNoSuchWindow, err)
	case strings.Contains(msg, "execution context was destroyed"),
		strings.Contains(msg, "cannot find context"),
		strings.Contains(msg, "could not find node"):
		return fmt.Errorf("%w: %v", schemas.ErrStaleElement, err)
	}
	return err
}

// eval runs a function body through the envelope wrapper and decodes its value.
func (s *Session) eval(ctx context.Context, body string, result any, args ...any) error {
	expr, err := buildExpression(body, args)
	if err != nil {
		return err
	}
	var raw []byte
	awaitPromise := func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := s.run(ctx, s.opTimeout, chromedp.Evaluate(expr, &raw, awaitPromise)); err != nil {
		return err
	}
	return decodeEnvelope(raw, result)
}

// -- Element queries --

func (s *Session) FindElements(ctx context.Context, selector string) ([]schemas.ElementRef, error) {
	var ids []string
	if err := s.eval(ctx, findElementsJS, &ids, selector); err != nil {
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	refs := make([]schemas.ElementRef, len(ids))
	for i, id := range ids {
		refs[i] = schemas.ElementRef{ID: id}
	}
	return refs, nil
}

func (s *Session) GetAttribute(ctx context.Context, ref schemas.ElementRef, name string) (string, bool, error) {
	var out struct {
		Value   string `json:"value"`
		Present bool   `json:"present"`
	}
	if err := s.eval(ctx, getAttributeJS, &out, ref, name); err != nil {
		return "", false, err
	}
	return out.Value, out.Present, nil
}

func (s *Session) GetGeometry(ctx context.Context, ref schemas.ElementRef) (schemas.Geometry, error) {
	var geo schemas.Geometry
	err := s.eval(ctx, geometryJS, &geo, ref)
	return geo, err
}

func (s *Session) IsVisible(ctx context.Context, ref schemas.ElementRef) (bool, error) {
	var visible bool
	err := s.eval(ctx, isVisibleJS, &visible, ref)
	return visible, err
}

func (s *Session) IsEnabled(ctx context.Context, ref schemas.ElementRef) (bool, error) {
	var enabled bool
	err := s.eval(ctx, isEnabledJS, &enabled, ref)
	return enabled, err
}

func (s *Session) ExecuteScript(ctx context.Context, script string, result any, args ...any) error {
	return s.eval(ctx, script, result, args...)
}

// -- Clicks --

func (s *Session) clickBox(ctx context.Context, ref schemas.ElementRef, hitTest bool) (Rect, error) {
	var raw struct {
		Left   float64 `json:"left"`
		Top    float64 `json:"top"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := s.eval(ctx, clickTargetJS, &raw, ref, hitTest); err != nil {
		return Rect{}, err
	}
	return Rect{Left: raw.Left, Top: raw.Top, Width: raw.Width, Height: raw.Height}, nil
}

// Click presses the left button at the element center after checking that
// nothing covers that point.
func (s *Session) Click(ctx context.Context, ref schemas.ElementRef) error {
	box, err := s.clickBox(ctx, ref, true)
	if err != nil {
		return err
	}
	at := box.Center()
	if err := s.run(ctx, s.opTimeout, pressAt(at, nil)); err != nil {
		return fmt.Errorf("direct click: %w", err)
	}
	s.setPointer(at)
	return nil
}

// PointerClick glides the pointer from its last position to the element
// center shifted by the offset, clamped inside the element, then clicks.
func (s *Session) PointerClick(ctx context.Context, ref schemas.ElementRef, offsetX, offsetY float64) error {
	box, err := s.clickBox(ctx, ref, false)
	if err != nil {
		return err
	}
	at := PointerTarget(box, offsetX, offsetY)
	path := PointerPath(s.getPointer(), at)
	if err := s.run(ctx, s.opTimeout, pressAt(at, path)); err != nil {
		return fmt.Errorf("pointer click: %w", err)
	}
	s.setPointer(at)
	return nil
}

func pressAt(at Vector2D, path []Vector2D) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		for _, p := range path {
			if err := input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y).Do(ctx); err != nil {
				return err
			}
		}
		if len(path) == 0 {
			if err := input.DispatchMouseEvent(input.MouseMoved, at.X, at.Y).Do(ctx); err != nil {
				return err
			}
		}
		for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
			err := input.DispatchMouseEvent(typ, at.X, at.Y).
				WithButton(input.Left).
				WithClickCount(1).
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Session) getPointer() Vector2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointer
}

func (s *Session) setPointer(v Vector2D) {
	s.mu.Lock()
	s.pointer = v
	s.mu.Unlock()
}

// -- Navigation --

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.navTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, s.opTimeout, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// -- Windows --

// pageTargets lists the live page targets of this session's browser context.
func (s *Session) pageTargets(ctx context.Context) (map[target.ID]bool, error) {
	if s.manager.controllerCtx.Err() != nil {
		return nil, schemas.ErrSessionLost
	}
	opCtx, cancelOp := context.WithTimeout(ctx, s.opTimeout)
	defer cancelOp()
	runCtx, cancel := CombineContext(s.manager.controllerCtx, opCtx)
	defer cancel()

	infos, err := target.GetTargets().Do(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("list windows: %w", ctx.Err())
		}
		if s.manager.controllerCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", schemas.ErrSessionLost, err)
		}
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("list windows timed out: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("list windows: %w", err)
	}

	live := make(map[target.ID]bool)
	for _, info := range infos {
		if info.Type == pageTargetType && info.BrowserContextID == s.browserContextID {
			live[info.TargetID] = true
		}
	}
	return live, nil
}

func (s *Session) CurrentWindow(ctx context.Context) (schemas.WindowHandle, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == "" {
		return "", fmt.Errorf("%w: current window was closed", schemas.ErrNoSuchWindow)
	}

	live, err := s.pageTargets(ctx)
	if err != nil {
		return "", err
	}
	if !live[current] {
		return "", fmt.Errorf("%w: %s", schemas.ErrNoSuchWindow, current)
	}
	return schemas.WindowHandle(current), nil
}

// AllWindows returns handles in the order this session first saw them.
func (s *Session) AllWindows(ctx context.Context) ([]schemas.WindowHandle, error) {
	live, err := s.pageTargets(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []target.ID
	for id := range live {
		if !s.knownLocked(id) {
			fresh = append(fresh, id)
		}
	}
	// Map iteration is random; keep simultaneous discoveries stable.
	slices.Sort(fresh)
	for _, id := range fresh {
		s.rememberLocked(id)
	}

	handles := make([]schemas.WindowHandle, 0, len(live))
	for _, id := range s.order {
		if live[id] {
			handles = append(handles, schemas.WindowHandle(id))
		}
	}
	return handles, nil
}

func (s *Session) knownLocked(id target.ID) bool {
	for _, seen := range s.order {
		if seen == id {
			return true
		}
	}
	return false
}

func (s *Session) SwitchToWindow(ctx context.Context, handle schemas.WindowHandle) error {
	id := target.ID(handle)
	live, err := s.pageTargets(ctx)
	if err != nil {
		return err
	}
	if !live[id] {
		return fmt.Errorf("%w: %s", schemas.ErrNoSuchWindow, handle)
	}
	if err := s.adoptTab(id); err != nil {
		return err
	}

	opCtx, cancelOp := context.WithTimeout(ctx, s.opTimeout)
	defer cancelOp()
	activateCtx, cancel := CombineContext(s.manager.controllerCtx, opCtx)
	defer cancel()
	if err := target.ActivateTarget(id).Do(activateCtx); err != nil {
		s.logger.Debug("Could not bring window to front.", zap.String("window", string(handle)), zap.Error(err))
	}
	return nil
}

func (s *Session) CloseCurrentWindow(ctx context.Context) error {
	s.mu.Lock()
	id := s.current
	t := s.tabs[id]
	s.mu.Unlock()
	if id == "" || t == nil {
		return fmt.Errorf("%w: no current window", schemas.ErrNoSuchWindow)
	}

	opCtx, cancelOp := context.WithTimeout(ctx, s.opTimeout)
	defer cancelOp()
	runCtx, cancel := CombineContext(s.manager.controllerCtx, opCtx)
	defer cancel()
	if err := target.CloseTarget(id).Do(runCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("close window: %w", ctx.Err())
		}
		return s.classify(ctx, opCtx, t, err)
	}

	t.cancel()
	s.mu.Lock()
	delete(s.tabs, id)
	if s.current == id {
		s.current = ""
	}
	s.mu.Unlock()
	return nil
}

// WaitUntil polls predicate every poll interval until it holds or timeout elapses.
func (s *Session) WaitUntil(ctx context.Context, predicate schemas.Predicate, timeout time.Duration) (bool, error) {
	return Poll(ctx, predicate, s.pollInterval, timeout)
}

// Poll evaluates predicate immediately and then every interval. It returns
// (false, nil) once timeout elapses and stops early on predicate errors.
func Poll(ctx context.Context, predicate schemas.Predicate, interval, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

// -- Teardown --

// Close closes every tab and disposes of the browser context. It is safe to
// call more than once and runs even if ctx is already cancelled.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tabs := s.tabs
	s.tabs = make(map[target.ID]*tab)
	s.current = ""
	onClose := s.onClose
	s.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
	}

	if s.manager.controllerCtx.Err() == nil {
		disposeCtx, cancel := context.WithTimeout(Detach(ctx), closeTimeout)
		defer cancel()
		runCtx, cancelRun := CombineContext(s.manager.controllerCtx, disposeCtx)
		defer cancelRun()
		if err := target.DisposeBrowserContext(s.browserContextID).Do(runCtx); err != nil {
			s.logger.Warn("Failed to dispose of browser context. It may be orphaned.", zap.Error(err))
		}
	}

	if onClose != nil {
		onClose()
	}
	s.logger.Debug("Browser session closed.")
	return nil
}
