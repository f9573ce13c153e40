// Package perr defines the wire-stable error codes used throughout the
// decoder and a typed error carrying decode-position context.
package perr

import (
	"fmt"
	"strings"
)

// Err is a small, wire-stable error code. Public decoder APIs return it
// inside an *Error (see Code); status flags are returned separately.
type Err int

const (
	OK Err = iota
	ErrInternal
	ErrInvalid
	ErrNoSync
	ErrBadOpcode
	ErrBadPacket
	ErrBadContext
	ErrEOS
	ErrBadQuery
	ErrNoMem
	ErrBadConfig
	ErrNoIP
	ErrIPSuppressed
	ErrNoMap
	ErrBadInsn
	ErrNoTime
	ErrNoCBR
	ErrBadImage
	ErrBadLock
	ErrNotSupported
)

type errDesc struct {
	name string
	msg  string
}

var errorCodeDesc = map[Err]errDesc{
	OK:              {"OK", "No error."},
	ErrInternal:     {"ERR_INTERNAL", "Internal invariant violation."},
	ErrInvalid:      {"ERR_INVALID", "Invalid argument or operation."},
	ErrNoSync:       {"ERR_NOSYNC", "Decoder is not synchronized."},
	ErrBadOpcode:    {"ERR_BAD_OPC", "Unrecognized packet opcode."},
	ErrBadPacket:    {"ERR_BAD_PACKET", "Packet payload violates its shape."},
	ErrBadContext:   {"ERR_BAD_CONTEXT", "Packet encountered in an invalid context."},
	ErrEOS:          {"ERR_EOS", "End of trace stream."},
	ErrBadQuery:     {"ERR_BAD_QUERY", "Next packet is inconsistent with the query made."},
	ErrNoMem:        {"ERR_NOMEM", "Allocation or fixed-capacity limit exceeded."},
	ErrBadConfig:    {"ERR_BAD_CONFIG", "Invalid configuration record."},
	ErrNoIP:         {"ERR_NOIP", "No valid IP is available."},
	ErrIPSuppressed: {"ERR_IP_SUPPRESSED", "IP payload was suppressed."},
	ErrNoMap:        {"ERR_NOMAP", "No mapped memory at requested address."},
	ErrBadInsn:      {"ERR_BAD_INSN", "Instruction could not be classified."},
	ErrNoTime:       {"ERR_NO_TIME", "No TSC value is known."},
	ErrNoCBR:        {"ERR_NO_CBR", "No core:bus ratio is known."},
	ErrBadImage:     {"ERR_BAD_IMAGE", "Image section overlaps an existing one."},
	ErrBadLock:      {"ERR_BAD_LOCK", "Image locking invariant violated."},
	ErrNotSupported: {"ERR_NOT_SUPPORTED", "Operation not supported."},
}

func (e Err) String() string {
	if d, ok := errorCodeDesc[e]; ok {
		return d.name
	}
	return "ERR_UNKNOWN"
}

// Error is the library's error type. It records where in the trace the
// error occurred so callers can report useful diagnostics without the
// decoder itself doing any formatting beyond Error().
type Error struct {
	Code    Err
	Offset  int64 // byte offset into the trace buffer, -1 if not applicable
	Message string
	cause   error
}

const NoOffset int64 = -1

func New(code Err) *Error {
	return &Error{Code: code, Offset: NoOffset}
}

func NewAt(code Err, offset int64) *Error {
	return &Error{Code: code, Offset: offset}
}

func NewMsg(code Err, msg string) *Error {
	return &Error{Code: code, Offset: NoOffset, Message: msg}
}

func NewAtMsg(code Err, offset int64, msg string) *Error {
	return &Error{Code: code, Offset: offset, Message: msg}
}

// Wrap attaches an underlying cause, preserved for errors.Unwrap.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Error() string {
	var sb strings.Builder
	if d, ok := errorCodeDesc[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("%s (%s)", d.name, d.msg))
	} else {
		sb.WriteString("ERR_UNKNOWN")
	}
	if e.Offset != NoOffset {
		sb.WriteString(fmt.Sprintf("; offset=%d", e.Offset))
	}
	if e.Message != "" {
		sb.WriteString("; ")
		sb.WriteString(e.Message)
	}
	if e.cause != nil {
		sb.WriteString(fmt.Sprintf("; cause: %v", e.cause))
	}
	return sb.String()
}

// Is allows errors.Is(err, perr.New(perr.ErrEOS)) style comparisons based
// purely on Code, ignoring offset/message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Code extracts the Err from an error returned by this package, or
// ErrInternal if err is not one of ours (or is nil, which returns OK).
func Code(err error) Err {
	if err == nil {
		return OK
	}
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return ErrInternal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
