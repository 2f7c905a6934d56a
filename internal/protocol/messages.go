package protocol

import (
	"fmt"
	"time"
)

// RemoteActionResult status codes returned by the host.
const (
	StatusNeedInit      = 0
	StatusReady         = 1
	StatusRunning       = 2
	StatusPause         = 3
	StatusOK            = 4
	StatusFinishedError = 5
	StatusAborting      = 6
	StatusAborted       = 7
	StatusTimeout       = 8
	StatusTimeEnd       = 9
	StatusOKPartial     = 10
)

// Request is an outbound JSON-RPC request. Params layouts are fixed by the
// host; field names and types (including the string booleans) must be sent
// verbatim.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	ID     int            `json:"id"`
}

// UID returns the command's correlation UUID.
func (r *Request) UID() string {
	uid, _ := r.Params["UID"].(string)
	return uid
}

// PulseGuide builds a RemotePulseGuide command. Direction is a mount
// direction id in 0-3 and duration is in milliseconds.
func PulseGuide(uid string, idd int, direction int, duration float64) *Request {
	return &Request{
		Method: "RemotePulseGuide",
		Params: map[string]any{
			"UID":          uid,
			"Direction":    direction,
			"Duration":     duration,
			"Parallelized": "true",
		},
		ID: idd,
	}
}

// CameraShot builds a RemoteCameraShot command saving the exposure to
// filename (a host-side path).
func CameraShot(uid string, idd int, exptime, filterIndex, binning int, saveFile bool, filename string) *Request {
	return &Request{
		Method: "RemoteCameraShot",
		Params: map[string]any{
			"UID":          uid,
			"Expo":         exptime,
			"Bin":          binning,
			"IsROI":        "false",
			"ROITYPE":      0,
			"ROIX":         0,
			"ROIY":         0,
			"ROIDX":        0,
			"ROIDY":        0,
			"FilterIndex":  filterIndex,
			"ExpoType":     0,
			"SpeedIndex":   0,
			"ReadoutIndex": 0,
			"IsSaveFile":   fmt.Sprintf("%t", saveFile),
			"FitFileName":  filename,
			"Gain":         1,
			"Offset":       0,
			"Parallelized": "true",
		},
		ID: idd,
	}
}

// GotoRADec builds a RemotePrecisePointTarget command. RA is "HH MM SS.ss"
// and dec is "DD MM SS.ss".
func GotoRADec(uid string, idd int, ra, dec string) *Request {
	return &Request{
		Method: "RemotePrecisePointTarget",
		Params: map[string]any{
			"UID":          uid,
			"IsText":       "true",
			"RA":           0,
			"DEC":          0,
			"RAText":       ra,
			"DECText":      dec,
			"Parallelized": "true",
		},
		ID: idd,
	}
}

// MountStatusGetInfo builds a RemoteMountStatusGetInfo command.
func MountStatusGetInfo(uid string, idd int) *Request {
	return &Request{
		Method: "RemoteMountStatusGetInfo",
		Params: map[string]any{
			"UID": uid,
		},
		ID: idd,
	}
}

// ActionAbort builds a RemoteActionAbort for a previously issued command.
func ActionAbort(uid string, idd int) *Request {
	return &Request{
		Method: "RemoteActionAbort",
		Params: map[string]any{
			"UID": uid,
		},
		ID: idd,
	}
}

// OutboundEvent is an event record sent to the host.
type OutboundEvent struct {
	Event       string `json:"Event"`
	Timestamp   string `json:"Timestamp"`
	Host        string `json:"Host"`
	Inst        int    `json:"Inst"`
	DonutsError string `json:"DonutsError,omitempty"`
}

// NewOutboundEvent stamps an event record with the current unix time. The
// timestamp is a string of fractional seconds, as the host expects.
func NewOutboundEvent(event, host string, inst int) *OutboundEvent {
	return &OutboundEvent{
		Event:     event,
		Timestamp: fmt.Sprintf("%.6f", float64(time.Now().UnixNano())/1e9),
		Host:      host,
		Inst:      inst,
	}
}
