// cmd/scan.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/browser"
	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/observability"
	"github.com/xkilldash9x/adprobe/internal/reporting"
	"github.com/xkilldash9x/adprobe/internal/scanner"
	"github.com/xkilldash9x/adprobe/internal/urlanalysis"
)

const shutdownTimeout = 15 * time.Second

// pageSession is one isolated browser context a single target is scanned in.
type pageSession interface {
	schemas.Page
	Close(ctx context.Context) error
}

// sessionOpener hands out a fresh session per target.
type sessionOpener func(ctx context.Context) (pageSession, error)

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [urls...]",
		Short: "Detects ads on each URL and follows where clicking them leads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := fromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyScanFlags(cmd, cfg, args); err != nil {
				return err
			}

			manager, err := browser.NewManager(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to start browser: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := manager.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Error during browser manager shutdown", zap.Error(err))
				}
			}()

			open := func(ctx context.Context) (pageSession, error) {
				return manager.NewSession(ctx)
			}
			return runScan(ctx, cfg, logger, open, cmd.ErrOrStderr())
		},
	}

	scanCmd.Flags().StringP("output", "o", "", "Output file for the JSON report (default stdout)")
	scanCmd.Flags().Int("max-clicks", 0, "Maximum candidates to click per page (overrides interaction.max_candidates)")
	scanCmd.Flags().Bool("no-interact", false, "Only detect ads, do not click them")
	scanCmd.Flags().String("catalog", "", "Pattern catalog YAML file (overrides catalog.path)")
	scanCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	scanCmd.Flags().IntP("concurrency", "j", 0, "Number of targets scanned in parallel (overrides browser.concurrency)")
	scanCmd.Flags().Bool("headless", true, "Run the browser headless (overrides browser.headless)")

	return scanCmd
}

// applyScanFlags fills the per-run ScanConfig. Flags that map to config keys
// were already bound through viper.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config, targets []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	noInteract, err := cmd.Flags().GetBool("no-interact")
	if err != nil {
		return err
	}

	cfg.Scan.Targets = targets
	cfg.Scan.Output = output
	cfg.Scan.NoInteract = noInteract
	return nil
}

// runScan scans every target, at most browser.concurrency at a time, each in
// its own session. One failing target does not stop the others; the reports
// of all of them are written out together and a summary goes to out.
func runScan(ctx context.Context, cfg *config.Config, logger *zap.Logger, open sessionOpener, out io.Writer) error {
	catalog, err := config.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	analyzer, err := urlanalysis.NewAnalyzer(catalog, logger)
	if err != nil {
		return fmt.Errorf("failed to create url analyzer: %w", err)
	}

	var metrics observability.Recorder = observability.NopRecorder{}
	if cfg.Metrics.Addr != "" {
		rec := observability.NewPrometheusRecorder()
		srv := observability.NewMetricsServer(cfg.Metrics.Addr, rec, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Error during metrics server shutdown", zap.Error(err))
			}
		}()
		metrics = rec
	}

	reporter, err := reporting.New(cfg.Scan.Output, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting scan",
		zap.Strings("targets", cfg.Scan.Targets),
		zap.Int("concurrency", cfg.Browser.Concurrency),
		zap.Bool("interact", cfg.Interaction.Enabled && !cfg.Scan.NoInteract),
	)

	var (
		mu      sync.Mutex
		summary scanSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Browser.Concurrency, 1))
	for _, target := range cfg.Scan.Targets {
		g.Go(func() error {
			report, err := scanTarget(gctx, cfg, catalog, analyzer, logger, metrics, open, target)
			if werr := reporter.Write(&report); werr != nil {
				logger.Error("Failed to record report", zap.String("target", target), zap.Error(werr))
			}

			mu.Lock()
			summary.add(report, err)
			mu.Unlock()

			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	waitErr := g.Wait()

	if err := reporter.Close(); err != nil {
		return err
	}
	summary.print(out)

	if waitErr != nil {
		return waitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if summary.failed > 0 {
		return fmt.Errorf("%d of %d targets failed", summary.failed, summary.targets)
	}
	return nil
}

// scanTarget runs one target in a dedicated session and always returns a report.
func scanTarget(
	ctx context.Context,
	cfg *config.Config,
	catalog *config.PatternCatalog,
	analyzer *urlanalysis.Analyzer,
	logger *zap.Logger,
	metrics observability.Recorder,
	open sessionOpener,
	target string,
) (schemas.ScanReport, error) {
	failed := func(err error) (schemas.ScanReport, error) {
		now := time.Now().UTC()
		return schemas.ScanReport{
			TargetURL:    target,
			StartedAt:    now,
			FinishedAt:   now,
			Candidates:   []schemas.AdCandidate{},
			Interactions: []schemas.InteractionResult{},
			Error:        err.Error(),
		}, err
	}

	session, err := open(ctx)
	if err != nil {
		return failed(fmt.Errorf("failed to open browser session: %w", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("Failed to close browser session", zap.String("target", target), zap.Error(err))
		}
	}()

	sc, err := scanner.New(session, cfg, catalog, analyzer, logger, metrics)
	if err != nil {
		return failed(err)
	}
	return sc.Scan(ctx, target)
}

type scanSummary struct {
	targets      int
	failed       int
	candidates   int
	interactions int
	redirects    int
}

func (s *scanSummary) add(report schemas.ScanReport, err error) {
	s.targets++
	if err != nil {
		s.failed++
	}
	s.candidates += len(report.Candidates)
	s.interactions += len(report.Interactions)
	for _, r := range report.Interactions {
		if r.NavigationKind != schemas.NavigationNone {
			s.redirects++
		}
	}
}

func (s *scanSummary) print(w io.Writer) {
	fmt.Fprintf(w, "\nScan complete: %d target(s), %d failed, %d ad candidate(s), %d click(s), %d navigation(s).\n",
		s.targets, s.failed, s.candidates, s.interactions, s.redirects)
}
