// internal/interaction/window_session.go
package interaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

const readyStateJS = `return document.readyState;`

const assignLocationJS = `window.location.assign(arguments[0]);`

// WindowSession snapshots the browser's window state before an interaction
// and puts it back afterwards. It is the only place that computes which
// windows an interaction opened.
type WindowSession struct {
	browser schemas.Browser
	logger  *zap.Logger

	OriginalWindow  schemas.WindowHandle
	OriginalHandles []schemas.WindowHandle
	OriginalURL     string

	original map[schemas.WindowHandle]struct{}
	restored bool
}

// OpenWindowSession records the current window, every open handle and the current URL.
func OpenWindowSession(ctx context.Context, b schemas.Browser, logger *zap.Logger) (*WindowSession, error) {
	current, err := b.CurrentWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot current window: %w", err)
	}
	handles, err := b.AllWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot window handles: %w", err)
	}
	url, err := b.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot current url: %w", err)
	}

	ws := &WindowSession{
		browser:         b,
		logger:          logger,
		OriginalWindow:  current,
		OriginalHandles: handles,
		OriginalURL:     url,
		original:        make(map[schemas.WindowHandle]struct{}, len(handles)),
	}
	for _, h := range handles {
		ws.original[h] = struct{}{}
	}
	return ws, nil
}

// NewHandles returns the windows opened since the snapshot, in browser order.
func (ws *WindowSession) NewHandles(ctx context.Context) ([]schemas.WindowHandle, error) {
	handles, err := ws.browser.AllWindows(ctx)
	if err != nil {
		return nil, err
	}
	var fresh []schemas.WindowHandle
	for _, h := range handles {
		if _, ok := ws.original[h]; !ok {
			fresh = append(fresh, h)
		}
	}
	return fresh, nil
}

// Restore closes every window opened since the snapshot and switches back to
// the original one. With navigateBack set, an original window that moved to
// another URL is sent back to where it was. All failures are joined; losing
// the original window is session-fatal. Restore runs at most once.
func (ws *WindowSession) Restore(ctx context.Context, navigateBack bool) error {
	if ws.restored {
		return nil
	}
	ws.restored = true

	var errs []error

	fresh, err := ws.NewHandles(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list windows: %w", err))
	}
	for _, h := range fresh {
		if err := ws.closeWindow(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}

	if err := ws.browser.SwitchToWindow(ctx, ws.OriginalWindow); err != nil {
		errs = append(errs, fmt.Errorf("switch back to original window %s: %w", ws.OriginalWindow, err))
		return errors.Join(errs...)
	}

	if navigateBack {
		if err := ws.navigateBack(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ws *WindowSession) closeWindow(ctx context.Context, h schemas.WindowHandle) error {
	if err := ws.browser.SwitchToWindow(ctx, h); err != nil {
		if errors.Is(err, schemas.ErrNoSuchWindow) {
			// Closed by the page itself in the meantime.
			return nil
		}
		return fmt.Errorf("switch to window %s: %w", h, err)
	}
	if err := ws.browser.CloseCurrentWindow(ctx); err != nil && !errors.Is(err, schemas.ErrNoSuchWindow) {
		return fmt.Errorf("close window %s: %w", h, err)
	}
	ws.logger.Debug("Closed window opened by interaction.", zap.String("window", string(h)))
	return nil
}

func (ws *WindowSession) navigateBack(ctx context.Context) error {
	url, err := ws.browser.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("read original window url: %w", err)
	}
	if url == ws.OriginalURL || isBlankURL(ws.OriginalURL) {
		return nil
	}

	ws.logger.Debug("Returning original window to its starting page.",
		zap.String("from", url), zap.String("to", ws.OriginalURL))
	if nav, ok := ws.browser.(schemas.Navigator); ok {
		if err := nav.Navigate(ctx, ws.OriginalURL); err != nil {
			return fmt.Errorf("navigate back to %s: %w", ws.OriginalURL, err)
		}
		return nil
	}

	if err := ws.browser.ExecuteScript(ctx, assignLocationJS, nil, ws.OriginalURL); err != nil {
		return fmt.Errorf("navigate back to %s: %w", ws.OriginalURL, err)
	}
	if _, err := waitForLoad(ctx, ws.browser, 0); err != nil {
		return fmt.Errorf("wait for %s: %w", ws.OriginalURL, err)
	}
	return nil
}

// waitForLoad waits until the active document reports readyState "complete"
// at a non-blank URL. A zero timeout falls back to the context deadline. The
// boolean is false when the page did not settle in time.
func waitForLoad(ctx context.Context, b schemas.Browser, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = time.Until(deadlineOr(ctx, time.Now().Add(defaultLoadTimeout)))
	}
	return b.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		var state string
		if err := b.ExecuteScript(ctx, readyStateJS, &state); err != nil {
			return false, pollError(err)
		}
		if state != "complete" {
			return false, nil
		}
		url, err := b.CurrentURL(ctx)
		if err != nil {
			return false, pollError(err)
		}
		return !isBlankURL(url), nil
	}, timeout)
}

func deadlineOr(ctx context.Context, fallback time.Time) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return fallback
}

// pollError keeps only errors that should stop polling. Transient failures,
// such as a document being replaced mid-poll, just mean "not yet".
func pollError(err error) error {
	if schemas.IsSessionFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func isBlankURL(url string) bool {
	url = strings.TrimSpace(url)
	return url == "" || url == "about:blank"
}
