// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/browser/persona"
	"github.com/xkilldash9x/adprobe/internal/config"
)

const disposeTimeout = 10 * time.Second

// Manager owns the Chrome process. Every scan gets its own Session backed by
// an isolated browser context, so cookies and tabs never leak between scans.
type Manager struct {
	logger  *zap.Logger
	cfg     *config.Config
	persona persona.Persona

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	// controllerCtx executes browser-level CDP commands (targets, contexts).
	controllerCtx context.Context

	// Target creation is serialized; concurrent CreateTarget calls race inside Chrome.
	creationMu sync.Mutex
	wg         sync.WaitGroup
}

// allocatorFlags lists the Chrome command line flags for a scan browser,
// applied on top of chromedp's defaults. A false value removes a default flag.
func allocatorFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-extensions":        true,
		// Ads open in new windows; the popup blocker would hide them.
		"disable-popup-blocking": true,
	}
	if !cfg.Headless {
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// DefaultAllocatorOptions assembles the exec allocator options for a scan browser.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = persona.DefaultUserAgent
	}
	opts = append(opts, chromedp.UserAgent(userAgent))
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewManager launches Chrome and waits until it answers.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:  logger.Named("browser_manager"),
		cfg:     cfg,
		persona: persona.FromConfig(cfg.Browser),
	}

	m.logger.Info("Launching browser...", zap.Bool("headless", cfg.Browser.Headless))
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg.Browser)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run starts the process; it must not carry a deadline or the
	// browser would be torn down when it expires.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	m.allocCancel = allocCancel
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel
	m.controllerCtx = cdp.WithExecutor(browserCtx, chromedp.FromContext(browserCtx).Browser)

	m.logger.Info("Browser launched and responsive.")
	return m, nil
}

// NewSession opens an isolated browser context with a single blank tab.
// The caller must Close the session.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrSessionLost, err)
	}

	m.creationMu.Lock()
	defer m.creationMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before creating browser context: %w", err)
	}

	browserContextID, err := target.CreateBrowserContext().Do(m.controllerCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(browserContextID).
		Do(m.controllerCtx)
	if err != nil {
		m.disposeBrowserContext(browserContextID)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	id := uuid.NewString()
	s := newSession(id, m, browserContextID)
	if err := s.adoptTab(targetID); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("failed to attach to target: %w", err)
	}

	if err := s.run(ctx, m.cfg.Browser.OperationTimeout, persona.Apply(m.persona, s.logger)); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("failed to prepare session: %w", err)
	}

	m.wg.Add(1)
	s.onClose = m.wg.Done
	s.logger.Debug("Browser session ready.", zap.String("browser_context_id", string(browserContextID)))
	return s, nil
}

func (m *Manager) disposeBrowserContext(id cdp.BrowserContextID) {
	if m.controllerCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.controllerCtx, disposeTimeout)
	defer cancel()
	if err := target.DisposeBrowserContext(id).Do(ctx); err != nil {
		m.logger.Warn("Failed to dispose of browser context. It may be orphaned.",
			zap.String("browser_context_id", string(id)),
			zap.Error(err),
		)
	}
}

// Shutdown waits for open sessions, bounded by ctx, then stops the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutting down. Waiting for active sessions...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	return nil
}
