package guider

import "fmt"

// BridgeError is a typed error that carries the failure category so main can
// map it to an exit code and the handlers can decide what is fatal.
type BridgeError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// ErrorKind categorizes the error.
type ErrorKind int

const (
	ErrKindSocket ErrorKind = iota
	ErrKindMountType
	ErrKindStabilise
	ErrKindProtocol
	ErrKindFileMissing
	ErrKindRPC
	ErrKindCalibration
	ErrKindUnhandled
)

func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// NewSocketError wraps a connection-level failure.
func NewSocketError(cause error) *BridgeError {
	return &BridgeError{
		Kind:    ErrKindSocket,
		Message: "host socket failure",
		Cause:   cause,
	}
}

// NewMountTypeError reports an undeterminable or invalid mount state.
func NewMountTypeError(message string) *BridgeError {
	return &BridgeError{
		Kind:    ErrKindMountType,
		Message: message,
	}
}

// NewStabiliseError reports that guiding never settled.
func NewStabiliseError(cause error) *BridgeError {
	return &BridgeError{
		Kind:    ErrKindStabilise,
		Message: "failed to stabilise guiding",
		Cause:   cause,
	}
}

// NewProtocolError reports an unrecoverable stream condition.
func NewProtocolError(message string, cause error) *BridgeError {
	return &BridgeError{
		Kind:    ErrKindProtocol,
		Message: message,
		Cause:   cause,
	}
}

// NewFileMissingError reports a required file that is not on disk.
func NewFileMissingError(path string, cause error) *BridgeError {
	return &BridgeError{
		Kind:    ErrKindFileMissing,
		Message: fmt.Sprintf("required file missing: %s", path),
		Cause:   cause,
	}
}

// NewRPCError reports a two-way command that the host rejected or failed.
func NewRPCError(method string, cause error) *BridgeError {
	return &BridgeError{
		Kind:    ErrKindRPC,
		Message: fmt.Sprintf("command %s failed", method),
		Cause:   cause,
	}
}
