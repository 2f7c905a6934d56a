package guider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telescope-ops/donutsbridge/internal/protocol"
)

// callTwoWay drives one two-way command to completion: send, wait for the
// JSON-RPC reply matching the integer id, keep reading until the
// RemoteActionResult matching the UID arrives, and keep the channel warm
// with polling records throughout. A non-zero JSON-RPC result triggers a
// RemoteActionAbort for the same UID/id and fails the call; a non-OK
// ActionResultInt fails the call without an abort.
func (e *Engine) callTwoWay(ctx context.Context, req *protocol.Request) (json.RawMessage, error) {
	uid := req.UID()
	pending := protocol.NewPending(uid, req.ID, protocol.StatusOK)
	e.pending.Add(pending)
	defer e.pending.Remove(uid)

	started := time.Now()
	ok := false
	defer func() {
		e.metrics.RecordRPC(ctx, req.Method, float64(time.Since(started).Milliseconds()), ok)
	}()

	if err := e.send(req); err != nil {
		return nil, NewRPCError(req.Method, err)
	}

	for !pending.Complete() {
		if err := ctx.Err(); err != nil {
			return nil, NewRPCError(req.Method, err)
		}

		rec, err := e.dec.ReadRecord()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedRecord) {
				e.log.Raw().Warn("dropping_malformed_record", "error", err)
				continue
			}
			return nil, NewProtocolError("stream failure during command", err)
		}
		if rec == nil {
			e.maybeKeepalive()
			continue
		}

		switch rec.Kind {
		case protocol.KindReply:
			reply := rec.Reply
			if reply.ID != req.ID {
				e.log.LogUnmatchedReply("jsonrpc", reply.ID, "")
				continue
			}
			result := reply.ResultCode()
			if result != 0 {
				detail := ""
				if reply.Error != nil {
					detail = fmt.Sprintf("code %d: %s", reply.Error.Code, reply.Error.Message)
				}
				e.log.LogRPC(req.Method, uid, req.ID, false, detail)
				// The host considers a rejected command a serious problem;
				// tell it to abandon the action before failing the caller.
				e.sendAbort(uid, req.ID)
				return nil, NewRPCError(req.Method, fmt.Errorf("rejected by host: %s", detail))
			}
			pending.AckReceived(result)

		case protocol.KindEvent:
			ev := rec.Event
			switch {
			case ev.Event == protocol.EventRemoteActionResult:
				if ev.UID != uid {
					e.log.LogUnmatchedReply("remote_action_result", 0, ev.UID)
					continue
				}
				pending.ResultReceived(ev.ActionResultInt, ev.ParamRet)
				if ev.ActionResultInt != protocol.StatusOK {
					e.log.LogRPC(req.Method, uid, req.ID, false,
						fmt.Sprintf("action result %d: %s", ev.ActionResultInt, ev.Motivo))
					return nil, NewRPCError(req.Method,
						fmt.Errorf("action result %d: %s", ev.ActionResultInt, ev.Motivo))
				}
			case protocol.IsInfoEvent(ev.Event):
				e.log.LogInboundEvent(ev.Event, string(rec.Raw))
			case ev.Event == protocol.EventRecenterRequired:
				// Busy with a command: answer the handshake and discard.
				e.log.Raw().Warn("recenter_while_busy", "status", e.status.String())
				e.sendEvent(protocol.EventRecenterStart, "")
				e.sendEvent(protocol.EventRecenterDone, "")
			default:
				e.log.Raw().Warn("unexpected_event_during_command", "event", ev.Event)
			}

		default:
			e.log.LogUnknownRecord(string(rec.Raw))
		}

		e.maybeKeepalive()
	}

	e.log.LogRPC(req.Method, uid, req.ID, true, "")
	ok = true
	return pending.ParamRet(), nil
}

// sendAbort fires a RemoteActionAbort for a failed command. Best effort;
// the caller is already failing.
func (e *Engine) sendAbort(uid string, id int) {
	if err := e.send(protocol.ActionAbort(uid, id)); err != nil {
		e.log.Raw().Error("abort_send_failed", "uid", uid, "error", err)
	}
}

// nextID allocates the correlation handles for a new command: a fresh
// UUID plus the next value of the monotone message id. The id increments
// unconditionally, including for commands that later abort.
func (e *Engine) nextID() (string, int) {
	uid := uuid.NewString()
	id := e.commsID
	e.commsID++
	return uid, id
}

// mountStatus issues a RemoteMountStatusGetInfo and returns the raw
// FlipStatus integer from its payload.
func (e *Engine) mountStatus(ctx context.Context) (int, error) {
	uid, id := e.nextID()
	payload, err := e.callTwoWay(ctx, protocol.MountStatusGetInfo(uid, id))
	if err != nil {
		return 0, err
	}
	var parsed struct {
		FlipStatus int `json:"FlipStatus"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return 0, NewProtocolError("parse mount status payload", err)
	}
	return parsed.FlipStatus, nil
}

// pulseGuide issues one timed mount nudge and waits for both acknowledgements.
func (e *Engine) pulseGuide(ctx context.Context, direction int, durationMs float64) error {
	uid, id := e.nextID()
	_, err := e.callTwoWay(ctx, protocol.PulseGuide(uid, id, direction, durationMs))
	return err
}

// gotoRADec repoints the telescope to a sexagesimal RA/DEC pair.
func (e *Engine) gotoRADec(ctx context.Context, ra, dec string) error {
	uid, id := e.nextID()
	_, err := e.callTwoWay(ctx, protocol.GotoRADec(uid, id, ra, dec))
	return err
}

// cameraShot takes one exposure saved to hostFilename on the host side.
func (e *Engine) cameraShot(ctx context.Context, exptime, filterIndex, binning int, hostFilename string) error {
	uid, id := e.nextID()
	_, err := e.callTwoWay(ctx, protocol.CameraShot(uid, id, exptime, filterIndex, binning, true, hostFilename))
	return err
}
