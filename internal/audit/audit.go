// Package audit records every mutating context operation for
// compliance review. Recording is best-effort: an audit failure is
// logged, never allowed to fail the operation it describes.
package audit

import (
	"context"
	"log/slog"

	"github.com/stratahq/strata/internal/hierarchy"
)

// Sink persists audit rows. The SQLite store implements it.
type Sink interface {
	AppendAudit(ctx context.Context, userID, action string, level hierarchy.Level, contextID, detail string) error
}

// Recorder writes audit entries through a Sink.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

// New creates a Recorder. A nil sink disables recording; a nil logger
// falls back to slog.Default.
func New(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Record appends one audit row describing an operation.
func (r *Recorder) Record(ctx context.Context, userID, action string, level hierarchy.Level, contextID, detail string) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.AppendAudit(ctx, userID, action, level, contextID, detail); err != nil {
		r.log.Warn("audit record failed",
			"action", action, "level", level.String(), "context_id", contextID, "error", err)
	}
}
