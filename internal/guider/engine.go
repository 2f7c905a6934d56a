// Package guider runs the autoguiding session: the socket event loop, the
// image-analysis worker, pulse-guide sequencing, calibration and the mount
// flip tracker.
package guider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/telescope-ops/donutsbridge/internal/config"
	"github.com/telescope-ops/donutsbridge/internal/events"
	"github.com/telescope-ops/donutsbridge/internal/guide"
	"github.com/telescope-ops/donutsbridge/internal/otel"
	"github.com/telescope-ops/donutsbridge/internal/paths"
	"github.com/telescope-ops/donutsbridge/internal/protocol"
)

// errAborted is returned internally when the host asks us to shut down.
var errAborted = errors.New("abort requested by host")

// Engine owns the host socket and the guiding session state. All socket I/O
// happens on the goroutine running Run; the worker communicates only through
// its frame slot and rendezvous channel.
type Engine struct {
	cfg     *config.Config
	log     *events.EventLogger
	metrics *otel.Metrics
	tracer  *otel.Tracer
	mapper  *paths.Mapper
	worker  *Worker
	calib   *Calibrator

	conn    net.Conn
	dec     *protocol.Decoder
	enc     *protocol.Encoder
	pending *protocol.Table

	status   Status
	flip     *FlipTracker
	commsID  int
	lastPoll time.Time
}

// NewEngine wires an Engine. The worker must be started by Run, not before.
func NewEngine(cfg *config.Config, log *events.EventLogger, metrics *otel.Metrics,
	tracer *otel.Tracer, mapper *paths.Mapper, worker *Worker, calib *Calibrator) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		mapper:  mapper,
		worker:  worker,
		calib:   calib,
		pending: protocol.NewTable(),
		status:  StatusUnknown,
	}
}

// handleCalibration services one DonutsCalibrationRequired. The host gets
// the start/done pair regardless of the routine's outcome; calibration
// problems are reported through DonutsCalibrationError in between.
func (e *Engine) handleCalibration(ctx context.Context) error {
	ctx, span := e.tracer.StartSpan(ctx, "calibration")
	defer span.End()

	e.setStatus(StatusCalibrating, "calibration required")
	e.sendEvent(protocol.EventCalibrationStart, "")

	if err := e.calib.run(ctx, e, e.flip.Current(), e.flip.IsGEM()); err != nil {
		e.log.Raw().Error("calibration_failed", "error", err)
		e.sendEvent(protocol.EventCalibrationError, err.Error())
	}

	e.sendEvent(protocol.EventCalibrationDone, "")
	e.setStatus(StatusIdle, "calibration finished")
	return nil
}

// Run connects to the host and services events until the context is
// cancelled, the host sends DonutsAbort, or a fatal condition arises.
func (e *Engine) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.SocketIP, e.cfg.SocketPort)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return NewSocketError(fmt.Errorf("connect %s: %w", addr, err))
	}
	e.conn = conn
	defer conn.Close()

	e.dec = protocol.NewDecoder(conn, config.DefaultReceiveTimeout)
	e.enc = protocol.NewEncoder(conn)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go e.worker.Run(workerCtx)

	e.keepSocketAlive()
	e.setStatus(StatusIdle, "startup")

	// Learn the mount type before the first correction so the right
	// direction/scale tables are active from frame one.
	raw, err := e.mountStatus(ctx)
	if err != nil {
		return err
	}
	initial, err := MapHostFlipStatus(raw)
	if err != nil {
		return err
	}
	e.flip = NewFlipTracker(e.cfg.IsGEM(), initial)
	e.log.Raw().Info("mount_status", "flip", initial.String(), "gem", e.flip.IsGEM())

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rec, err := e.dec.ReadRecord()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedRecord) {
				e.log.Raw().Warn("dropping_malformed_record", "error", err)
				continue
			}
			return NewProtocolError("event loop stream failure", err)
		}

		if rec != nil {
			if err := e.dispatch(ctx, rec); err != nil {
				if errors.Is(err, errAborted) {
					return nil
				}
				return err
			}
		}

		e.maybeKeepalive()
	}
}

func (e *Engine) dispatch(ctx context.Context, rec *protocol.Record) error {
	switch rec.Kind {
	case protocol.KindEvent:
		return e.dispatchEvent(ctx, rec)
	case protocol.KindReply:
		// A reply with nothing pending means the host answered a command we
		// already gave up on.
		e.log.LogUnmatchedReply("jsonrpc", rec.Reply.ID, "")
		return nil
	default:
		e.log.LogUnknownRecord(string(rec.Raw))
		return nil
	}
}

func (e *Engine) dispatchEvent(ctx context.Context, rec *protocol.Record) error {
	ev := rec.Event
	switch {
	case protocol.IsInfoEvent(ev.Event):
		e.log.LogInboundEvent(ev.Event, string(rec.Raw))
		return nil

	case ev.Event == protocol.EventCalibrationRequired:
		return e.handleCalibration(ctx)

	case ev.Event == protocol.EventRecenterRequired:
		return e.handleRecenter(ctx, ev)

	case ev.Event == protocol.EventAbort:
		e.log.Raw().Info("abort_requested")
		e.conn.Close()
		return errAborted

	case ev.Event == protocol.EventRemoteActionResult:
		e.log.LogUnmatchedReply("remote_action_result", 0, ev.UID)
		return nil

	default:
		e.log.LogUnknownRecord(string(rec.Raw))
		return nil
	}
}

// handleRecenter services one DonutsRecenterRequired. The host always gets a
// start and exactly one of done or error, even when we are busy and the
// event is discarded.
func (e *Engine) handleRecenter(ctx context.Context, ev *protocol.Event) error {
	if e.status != StatusIdle {
		e.log.Raw().Warn("recenter_while_busy", "status", e.status.String())
		e.sendEvent(protocol.EventRecenterStart, "")
		e.sendEvent(protocol.EventRecenterDone, "")
		return nil
	}

	ctx, span := e.tracer.StartSpan(ctx, "recenter",
		attribute.String("frame", ev.FITPathAndName))
	defer span.End()

	e.setStatus(StatusGuiding, "recenter required")
	e.sendEvent(protocol.EventRecenterStart, "")

	err := e.recenter(ctx, ev)

	var fatal error
	if err != nil {
		e.sendEvent(protocol.EventRecenterError, err.Error())
		var be *BridgeError
		if errors.As(err, &be) && (be.Kind == ErrKindStabilise || be.Kind == ErrKindMountType || be.Kind == ErrKindProtocol) {
			fatal = err
		}
		e.log.Raw().Error("recenter_failed", "error", err)
	} else {
		e.sendEvent(protocol.EventRecenterDone, "")
	}

	e.setStatus(StatusIdle, "recenter finished")
	return fatal
}

// recenter maps the frame path, refreshes the flip state, runs the worker
// and issues the paired pulse guides.
func (e *Engine) recenter(ctx context.Context, ev *protocol.Event) error {
	if ev.FITPathAndName == "" {
		return NewProtocolError("recenter event without FITPathAndName", nil)
	}
	framePath := e.mapper.ToContainer(paths.KindData, ev.FITPathAndName)

	if e.flip.IsGEM() {
		raw, err := e.mountStatus(ctx)
		if err != nil {
			return err
		}
		prev := e.flip.Current()
		status, changed, err := e.flip.Update(raw)
		if err != nil {
			return err
		}
		if changed {
			// The pier side is part of the observing key; the worker
			// re-resolves its reference on the next frame.
			e.log.LogFlip(prev.String(), status.String())
		}
	}

	e.worker.Submit(framePath, e.flip.Current(), ActiveTables(e.cfg, e.flip.Current()))

	var res Result
	select {
	case res = <-e.worker.Results():
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil {
		if errors.Is(res.Err, guide.ErrStabiliseFailed) {
			return NewStabiliseError(res.Err)
		}
		return res.Err
	}

	if res.Record != nil {
		switch {
		case res.Record.CulledOversize:
			e.metrics.RecordCulled(ctx, "oversize")
			e.log.LogCulled(framePath, "oversize", res.Record.RawX, res.Record.RawY)
		case res.Record.CulledOutlier:
			e.metrics.RecordCulled(ctx, "outlier")
			e.log.LogCulled(framePath, "outlier", res.Record.RawX, res.Record.RawY)
		}
	}

	corr := res.Correction
	if corr.IsNull() {
		e.log.Raw().Info("null_correction", "frame", framePath)
		return nil
	}

	e.log.LogCorrection(framePath, corr.DirX, corr.DurX, corr.DirY, corr.DurY)
	e.metrics.RecordCorrection(ctx)

	// The host only accepts a paired correction sequentially: the x pulse
	// must fully complete before the y pulse is sent.
	if err := e.pulseGuide(ctx, corr.DirX, corr.DurX); err != nil {
		return err
	}
	return e.pulseGuide(ctx, corr.DirY, corr.DurY)
}

// setStatus moves the state machine, logging invalid transitions instead of
// applying them.
func (e *Engine) setStatus(to Status, reason string) {
	if !CanTransition(e.status, to) {
		e.log.Raw().Error("invalid_state_transition",
			"from", e.status.String(), "to", to.String())
		return
	}
	e.log.LogStateTransition(e.status.String(), to.String(), reason)
	e.status = to
	e.metrics.SetGuiderState(int64(to))
}

// Status returns the engine's current state. Only meaningful from the event
// loop goroutine.
func (e *Engine) Status() Status {
	return e.status
}

// send writes one record with bounded retries. Transient failures are
// retried; exhausting the attempts fails the current command.
func (e *Engine) send(v any) error {
	var lastErr error
	for attempt := config.DefaultSendAttempts; attempt > 0; attempt-- {
		if err := e.enc.Encode(v); err != nil {
			lastErr = err
			e.log.LogSendRetry(attempt-1, err)
			continue
		}
		e.lastPoll = time.Now()
		return nil
	}
	return fmt.Errorf("send failed after %d attempts: %w", config.DefaultSendAttempts, lastErr)
}

// sendEvent emits one outbound event record, with an optional error string
// for DonutsRecenterError and DonutsCalibrationError.
func (e *Engine) sendEvent(name, errMsg string) {
	msg := protocol.NewOutboundEvent(name, e.cfg.Host, config.DefaultInst)
	if errMsg != "" {
		msg.DonutsError = errMsg
	}
	if err := e.send(msg); err != nil {
		e.log.Raw().Error("event_send_failed", "event", name, "error", err)
	}
}

// keepSocketAlive sends a polling record; the host resets its internal
// timeout on receipt.
func (e *Engine) keepSocketAlive() {
	e.sendEvent(protocol.EventPolling, "")
}

// maybeKeepalive polls if nothing has been sent for the keepalive window.
func (e *Engine) maybeKeepalive() {
	if time.Since(e.lastPoll) > config.DefaultKeepaliveEvery {
		e.keepSocketAlive()
	}
}
