// Package protocol implements the newline-delimited JSON wire protocol spoken
// with the telescope-control host: inbound event and JSON-RPC records, the
// outbound message builders, and the correlation of two-way commands.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventPolling             = "Polling"
	EventVersion             = "Version"
	EventSignal              = "Signal"
	EventNewFITReady         = "NewFITReady"
	EventCalibrationRequired = "DonutsCalibrationRequired"
	EventRecenterRequired    = "DonutsRecenterRequired"
	EventAbort               = "DonutsAbort"
	EventRemoteActionResult  = "RemoteActionResult"
)

// Outbound event names.
const (
	EventCalibrationStart = "DonutsCalibrationStart"
	EventCalibrationDone  = "DonutsCalibrationDone"
	EventCalibrationError = "DonutsCalibrationError"
	EventRecenterStart    = "DonutsRecenterStart"
	EventRecenterDone     = "DonutsRecenterDone"
	EventRecenterError    = "DonutsRecenterError"
)

// infoEvents carry no work; receiving one only proves the link is alive.
var infoEvents = map[string]struct{}{
	EventPolling:     {},
	EventVersion:     {},
	EventSignal:      {},
	EventNewFITReady: {},
}

// IsInfoEvent reports whether name is a keepalive-only event.
func IsInfoEvent(name string) bool {
	_, ok := infoEvents[name]
	return ok
}

// RecordKind tags the parsed shape of an inbound record.
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindEvent
	KindReply
)

// Event is an inbound event record. Only the fields relevant to the event
// named in Event are populated.
type Event struct {
	Event          string `json:"Event"`
	Timestamp      string `json:"Timestamp,omitempty"`
	Host           string `json:"Host,omitempty"`
	Inst           int    `json:"Inst,omitempty"`
	FITPathAndName string `json:"FITPathAndName,omitempty"`

	// RemoteActionResult fields.
	UID             string          `json:"UID,omitempty"`
	ActionResultInt int             `json:"ActionResultInt,omitempty"`
	Motivo          string          `json:"Motivo,omitempty"`
	ParamRet        json.RawMessage `json:"ParamRet,omitempty"`
}

// RPCError is the error object of a failed JSON-RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Reply is a synchronous JSON-RPC reply. Result is 0 on success; when the
// host rejects a command Result is absent and Error is set instead.
type Reply struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  *int      `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// ResultCode collapses a reply to the host's integer convention:
// 0 means ok, anything else is a failure (-1 when only an error object
// was returned).
func (r *Reply) ResultCode() int {
	if r.Result != nil {
		return *r.Result
	}
	return -1
}

// Record is the tagged union of inbound record shapes.
type Record struct {
	Kind  RecordKind
	Event *Event
	Reply *Reply

	// Raw keeps the undecoded bytes for logging unknown records.
	Raw []byte
}

// Parse classifies one delimited JSON record.
func Parse(data []byte) (*Record, error) {
	var probe struct {
		Event   *string `json:"Event"`
		JSONRPC *string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	switch {
	case probe.Event != nil:
		ev := &Event{}
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("parse event record: %w", err)
		}
		return &Record{Kind: KindEvent, Event: ev, Raw: data}, nil
	case probe.JSONRPC != nil:
		rp := &Reply{}
		if err := json.Unmarshal(data, rp); err != nil {
			return nil, fmt.Errorf("parse jsonrpc record: %w", err)
		}
		return &Record{Kind: KindReply, Reply: rp, Raw: data}, nil
	default:
		return &Record{Kind: KindUnknown, Raw: data}, nil
	}
}
