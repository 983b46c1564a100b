// Package errcode provides stable, comparable error identifiers for the
// error kinds named in the board-farm control protocol: transient I/O,
// transport loss, protocol faults, backend failures, and fastboot failures.
package errcode

// Code is a stable error identifier. It is a string newtype, comparable,
// and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes.
const (
	OK Code = "ok"

	// Transient I/O: the caller should simply retry on the next reactor wake.
	WouldBlock Code = "would_block"

	// Transport loss: EOF or a broken pipe on the transport fd.
	TransportEOF Code = "transport_eof"

	// Protocol faults: the peer violated the wire contract. Terminal for
	// the session (agent) or the process (controller).
	UnknownTag      Code = "unknown_tag"
	OversizeFrame   Code = "oversize_frame"
	MalformedUSB    Code = "malformed_usb_descriptor"
	MalformedLookup Code = "malformed_lookup_response"

	// Backend failures: opening or driving a control/console backend failed.
	BackendOpenFailed  Code = "backend_open_failed"
	BackendUnsupported Code = "backend_unsupported"
	LockBusy           Code = "lock_busy"

	// Fastboot protocol failures: abort the upload, keep the session alive.
	FastbootFail  Code = "fastboot_fail"
	FastbootShort Code = "fastboot_short_read"

	// Board registry / access control.
	UnknownBoard Code = "unknown_board"
	AccessDenied Code = "access_denied"

	Error Code = "error" // generic fallback
)

// E keeps a code alongside an operation name, a human message, and an
// optional wrapped cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		if msg != "" {
			return e.Op + ": " + msg
		}
		return e.Op + ": " + string(e.C)
	}
	if msg != "" {
		return string(e.C) + ": " + msg
	}
	return string(e.C)
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an *E with the given code, operation, and cause.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error. Returns OK for nil.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Is reports whether err carries the given code, unwrapping *E values.
func Is(err error, c Code) bool {
	return Of(err) == c
}
