package atsock

import (
	"errors"
	"fmt"
)

// Error is returned by Device methods. Err is one of the errors defined in
// this package (possibly wrapped) or *ErrorAT.
type Error struct {
	Dev string
	Cmd string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return e.Dev + ": " + e.Cmd + ": " + e.Err.Error()
}

func (e *Error) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// ErrorAT represents a failure sentinel line (ERROR, FAIL, +CME ERROR: ...)
// returned by the module. It is returned in the Error.Err field.
type ErrorAT struct {
	Line string
}

func (e *ErrorAT) Error() string {
	return e.Line
}

func (e *ErrorAT) Is(target error) bool {
	return target == ErrProtocol
}

type timeoutError struct{}

func (e timeoutError) Error() string { return "timeout" }
func (e timeoutError) Timeout() bool { return true }

// Error classes. Every error returned by this package matches exactly one of
// them with errors.Is.
var (
	ErrTransport         = errors.New("transport")
	ErrTimeout           = &timeoutError{}
	ErrProtocol          = errors.New("protocol")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInvalidArg        = errors.New("invalid argument")
)

// Errors that may be returned in the Error.Err field.
var (
	ErrParse        = fmt.Errorf("%w: parse", ErrProtocol)
	ErrSendFail     = fmt.Errorf("%w: send fail", ErrProtocol)
	ErrResolve      = fmt.Errorf("%w: cannot resolve", ErrProtocol)
	ErrBufferFull   = fmt.Errorf("%w: response buffer full", ErrResourceExhausted)
	ErrArgType      = fmt.Errorf("%w: argument type", ErrInvalidArg)
	ErrNotConnected = fmt.Errorf("%w: socket not connected", ErrInvalidArg)
	ErrSocketBusy   = fmt.Errorf("%w: socket busy", ErrInvalidArg)
	ErrUnkConn      = fmt.Errorf("%w: unknown connection", ErrInvalidArg)
	ErrUnsupported  = fmt.Errorf("%w: unsupported by device class", ErrInvalidArg)
	ErrClosed       = fmt.Errorf("%w: device closed", ErrTransport)
)

func transportErr(err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
