// Package taxonomy defines the error kinds that every component of the
// daemon reports through: adapters, the state index, the device agent,
// and the scheduler all return errors wrapped in a Error so that
// callers (and the wire protocol) can classify failures without string
// matching.
package taxonomy

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the class of failure a component reported.
type ErrorCode int

const (
	// ErrInvalid means the request was malformed or violated a precondition.
	ErrInvalid ErrorCode = iota
	// ErrNotFound means the referenced object, extent, medium, or device does not exist.
	ErrNotFound
	// ErrAlreadyExists means a create operation targeted a name already in use.
	ErrAlreadyExists
	// ErrNoSpace means a medium is full (fs_status=full) and cannot accept more data.
	ErrNoSpace
	// ErrNoDevice means no device is available to satisfy the request (today or ever).
	ErrNoDevice
	// ErrBusy means the resource is locked or otherwise in use by another owner.
	ErrBusy
	// ErrWouldBlock means the scheduler could not make progress this pass and the
	// caller should retry (the LRS requeues such requests at the head of the queue).
	ErrWouldBlock
	// ErrComm means a transport-level failure occurred talking to a device or peer.
	ErrComm
	// ErrIO means the underlying medium or device reported an I/O failure.
	ErrIO
	// ErrProtocolUnsupported means the peer spoke a wire protocol version we don't support.
	ErrProtocolUnsupported
	// ErrNotSupported means the operation is recognized but not implemented for this family.
	ErrNotSupported
	// ErrFatal means the daemon encountered an unrecoverable internal error.
	ErrFatal
)

// String returns the lower_snake_case name used on the wire and in logs.
func (c ErrorCode) String() string {
	switch c {
	case ErrInvalid:
		return "invalid"
	case ErrNotFound:
		return "not_found"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrNoSpace:
		return "no_space"
	case ErrNoDevice:
		return "no_device"
	case ErrBusy:
		return "busy"
	case ErrWouldBlock:
		return "would_block"
	case ErrComm:
		return "comm"
	case ErrIO:
		return "io"
	case ErrProtocolUnsupported:
		return "protocol_unsupported"
	case ErrNotSupported:
		return "not_supported"
	case ErrFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a failure with the ErrorCode taxonomy plus the entity
// (object oid, medium name, device serial, ...) it concerns, so logs and
// the wire protocol can report structured detail instead of bare strings.
type Error struct {
	Code   ErrorCode
	Entity string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Entity, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, entity, msg string, wrapped error) *Error {
	return &Error{Code: code, Entity: entity, Msg: msg, Err: wrapped}
}

// NewInvalidError reports a malformed request or violated precondition.
func NewInvalidError(entity, msg string) *Error {
	return newError(ErrInvalid, entity, msg, nil)
}

// NewNotFoundError reports a missing object, extent, medium, or device.
func NewNotFoundError(entity string) *Error {
	return newError(ErrNotFound, entity, "not found", nil)
}

// NewAlreadyExistsError reports a name collision on create.
func NewAlreadyExistsError(entity string) *Error {
	return newError(ErrAlreadyExists, entity, "already exists", nil)
}

// NewNoSpaceError reports a full medium.
func NewNoSpaceError(entity string) *Error {
	return newError(ErrNoSpace, entity, "no space left on medium", nil)
}

// NewNoDeviceError reports the absence of any device able to serve the request.
func NewNoDeviceError(msg string) *Error {
	return newError(ErrNoDevice, "", msg, nil)
}

// NewBusyError reports a resource held by another lock owner.
func NewBusyError(entity string) *Error {
	return newError(ErrBusy, entity, "resource is locked", nil)
}

// NewWouldBlockError reports that the scheduler pass could not serve the request yet.
func NewWouldBlockError(entity string) *Error {
	return newError(ErrWouldBlock, entity, "would block, retry later", nil)
}

// NewCommError reports a transport failure, wrapping the underlying cause.
func NewCommError(entity string, err error) *Error {
	return newError(ErrComm, entity, "communication failure", err)
}

// NewIOError reports a medium or device I/O failure, wrapping the underlying cause.
func NewIOError(entity string, err error) *Error {
	return newError(ErrIO, entity, "I/O failure", err)
}

// NewProtocolUnsupportedError reports an unsupported wire protocol version.
func NewProtocolUnsupportedError(version uint8) *Error {
	return newError(ErrProtocolUnsupported, "", fmt.Sprintf("unsupported protocol version %d", version), nil)
}

// NewNotSupportedError reports a recognized but unimplemented operation for a family.
func NewNotSupportedError(entity, msg string) *Error {
	return newError(ErrNotSupported, entity, msg, nil)
}

// NewFatalError reports an unrecoverable internal error, wrapping the underlying cause.
func NewFatalError(msg string, err error) *Error {
	return newError(ErrFatal, "", msg, err)
}

// Is reports whether err is an Error of the given code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == code
}

// IsNotFoundError reports whether err denotes a missing entity.
func IsNotFoundError(err error) bool { return Is(err, ErrNotFound) }

// IsAlreadyExistsError reports whether err denotes a name collision.
func IsAlreadyExistsError(err error) bool { return Is(err, ErrAlreadyExists) }

// IsNoSpaceError reports whether err denotes a full medium.
func IsNoSpaceError(err error) bool { return Is(err, ErrNoSpace) }

// IsNoDeviceError reports whether err denotes the absence of a serving device.
func IsNoDeviceError(err error) bool { return Is(err, ErrNoDevice) }

// IsBusyError reports whether err denotes a locked resource.
func IsBusyError(err error) bool { return Is(err, ErrBusy) }

// IsWouldBlockError reports whether err denotes a retryable scheduler stall.
func IsWouldBlockError(err error) bool { return Is(err, ErrWouldBlock) }

// IsCommError reports whether err denotes a transport failure.
func IsCommError(err error) bool { return Is(err, ErrComm) }

// IsIOError reports whether err denotes a medium or device I/O failure.
func IsIOError(err error) bool { return Is(err, ErrIO) }

// IsFatalError reports whether err denotes an unrecoverable internal error.
func IsFatalError(err error) bool { return Is(err, ErrFatal) }
