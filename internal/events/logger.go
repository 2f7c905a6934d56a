// Package events provides structured logging for key events in the
// autoguiding bridge.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for the guiding session.
type EventLogger struct {
	logger *slog.Logger
	host   string
}

// New creates an EventLogger with JSON output to stdout at the given level.
// It includes the configured host name as a base attribute.
func New(host string, level slog.Level) *EventLogger {
	return NewWithWriter(host, os.Stdout, level)
}

// NewWithWriter creates an EventLogger with JSON output to a custom writer.
// Useful for testing or nightly log files.
func NewWithWriter(host string, w io.Writer, level slog.Level) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("host", host)
	return &EventLogger{logger: logger, host: host}
}

// LogStateTransition logs a guider state change.
// event: "state_transition"
func (el *EventLogger) LogStateTransition(from, to, reason string) {
	el.logger.Info("state_transition",
		"from_state", from,
		"to_state", to,
		"reason", reason,
	)
}

// LogInboundEvent logs a received host event at debug level.
// event: "inbound_event"
func (el *EventLogger) LogInboundEvent(name, raw string) {
	el.logger.Debug("inbound_event",
		"event", name,
		"raw", raw,
	)
}

// LogUnknownRecord logs an inbound record that matched no known shape.
// event: "unknown_record"
func (el *EventLogger) LogUnknownRecord(raw string) {
	el.logger.Error("unknown_record", "raw", raw)
}

// LogSendRetry logs a failed send attempt.
// event: "send_retry"
func (el *EventLogger) LogSendRetry(attempt int, err error) {
	el.logger.Error("send_retry",
		"attempts_left", attempt,
		"error", err,
	)
}

// LogRPC logs the outcome of a two-way command.
// event: "rpc_result"
func (el *EventLogger) LogRPC(method, uid string, id int, ok bool, detail string) {
	if ok {
		el.logger.Debug("rpc_result", "method", method, "uid", uid, "id", id, "ok", ok)
		return
	}
	el.logger.Error("rpc_result", "method", method, "uid", uid, "id", id, "ok", ok, "detail", detail)
}

// LogUnmatchedReply logs a JSON-RPC reply or action result nobody waited on.
// event: "unmatched_reply"
func (el *EventLogger) LogUnmatchedReply(kind string, id int, uid string) {
	el.logger.Warn("unmatched_reply", "kind", kind, "id", id, "uid", uid)
}

// LogCorrection logs an issued correction.
// event: "correction"
func (el *EventLogger) LogCorrection(target string, dirX int, durX float64, dirY int, durY float64) {
	el.logger.Info("correction",
		"target", target,
		"dir_x", dirX,
		"dur_x_ms", durX,
		"dir_y", dirY,
		"dur_y_ms", durY,
	)
}

// LogCulled logs a culled frame.
// event: "culled"
func (el *EventLogger) LogCulled(target, reason string, rawX, rawY float64) {
	el.logger.Warn("culled",
		"target", target,
		"reason", reason,
		"raw_x", rawX,
		"raw_y", rawY,
	)
}

// LogReferencePromoted logs a frame promoted to long-term reference.
// event: "reference_promoted"
func (el *EventLogger) LogReferencePromoted(field, filter, path string) {
	el.logger.Info("reference_promoted",
		"field", field,
		"filter", filter,
		"path", path,
	)
}

// LogFlip logs a detected pier-flip transition.
// event: "pier_flip"
func (el *EventLogger) LogFlip(from, to string) {
	el.logger.Info("pier_flip", "from", from, "to", to)
}

// LogCalibrationStep logs one calibration measurement.
// event: "calibration_step"
func (el *EventLogger) LogCalibrationStep(direction int, shiftDir string, magnitude float64) {
	el.logger.Info("calibration_step",
		"mount_direction", direction,
		"shift_direction", shiftDir,
		"magnitude_px", magnitude,
	)
}

// Raw exposes the underlying slog.Logger for ad-hoc attributes.
func (el *EventLogger) Raw() *slog.Logger {
	return el.logger
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobal sets the global event logger instance.
func SetGlobal(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global event logger instance, or a no-op logger when
// none is set.
func Global() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return Noop()
}

// Noop returns an event logger that discards all events.
func Noop() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &EventLogger{logger: slog.New(handler)}
}
