package loader

import "log/slog"

// ErrorReporter receives exactly one report per failed load attempt, carrying
// the stable error code and a human-readable message. Implementations are
// fire-and-forget and must not call back into the pipeline.
type ErrorReporter interface {
	ReportLoadError(instanceID, code, message string)
}

// SlogReporter delivers load error reports to the structured log. It is the
// reporting surface for deployments without a dedicated error channel.
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter creates a reporter writing to logger.
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	return &SlogReporter{logger: logger}
}

// ReportLoadError implements ErrorReporter.
func (r *SlogReporter) ReportLoadError(instanceID, code, message string) {
	r.logger.Error("module load error",
		"instance_id", instanceID,
		"code", code,
		"message", message,
	)
}
