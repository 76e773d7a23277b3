// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// Reporter collects scan reports and writes them out when closed.
type Reporter interface {
	// Write adds one scan report.
	Write(report *schemas.ScanReport) error
	// Close writes the collected reports and closes the underlying output.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a JSON reporter for outputPath. An empty path or "stdout"
// writes to standard output; "~" is expanded.
func New(outputPath string, logger *zap.Logger) (Reporter, error) {
	if outputPath == "" || outputPath == "stdout" {
		return NewJSONReporter(&nopWriteCloser{os.Stdout}, logger), nil
	}

	path, err := homedir.Expand(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand output path %s: %w", outputPath, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return NewJSONReporter(f, logger), nil
}

// JSONReporter writes every report of a run as one indented JSON array.
// It is safe for concurrent use.
type JSONReporter struct {
	writer  io.WriteCloser
	logger  *zap.Logger
	mu      sync.Mutex
	reports []*schemas.ScanReport
	closed  bool
}

// NewJSONReporter takes ownership of writer.
func NewJSONReporter(writer io.WriteCloser, logger *zap.Logger) *JSONReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONReporter{
		writer:  writer,
		logger:  logger.Named("json_reporter"),
		reports: []*schemas.ScanReport{},
	}
}

// Write buffers report until Close.
func (r *JSONReporter) Write(report *schemas.ScanReport) error {
	if report == nil {
		return fmt.Errorf("cannot write a nil report")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("reporter is closed")
	}
	r.reports = append(r.reports, report)
	r.logger.Debug("Buffered scan report",
		zap.String("scanID", report.ScanID),
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("interactions", len(report.Interactions)),
	)
	return nil
}

// Close encodes the buffered reports and closes the writer. Calling it
// again is a no-op.
func (r *JSONReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	encoder := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.reports)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode scan reports", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode JSON output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Info("Wrote JSON report",
		zap.Int("reports", len(r.reports)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return nil
}
