package reporting

import (
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter writes each result envelope as an indented JSON document. It
// is thread safe.
type JSONReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	logger *zap.Logger
}

// NewJSONReporter creates a reporter that streams envelopes to the writer as
// they arrive; Close only closes the underlying writer.
func NewJSONReporter(writer io.WriteCloser) *JSONReporter {
	return &JSONReporter{
		writer: writer,
		logger: observability.GetLogger().Named("json_reporter"),
	}
}

// Write encodes the envelope onto the output stream.
func (r *JSONReporter) Write(result *schemas.ResultEnvelope) error {
	if result == nil || result.Result == nil {
		return fmt.Errorf("cannot report a nil result envelope")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		r.logger.Error("Failed to encode result envelope", zap.Error(err))
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}

	r.logger.Debug("Wrote result envelope",
		zap.String("run_id", result.RunID),
		zap.Int("findings", len(result.Result.Findings)),
	)
	return nil
}

// Close closes the underlying writer.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	return nil
}
