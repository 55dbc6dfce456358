// Package agenterr defines the agent error taxonomy and the signed status
// codes carried across the runtime boundary.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the runtime reacts to them.
type Kind int

const (
	KindGeneric Kind = iota
	KindSocket
	KindProtocol
	KindNameConflict
	KindRequest
	KindBufferOverflow
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindProtocol:
		return "protocol"
	case KindNameConflict:
		return "name_conflict"
	case KindRequest:
		return "request"
	case KindBufferOverflow:
		return "buffer_overflow"
	case KindTimeout:
		return "timeout"
	default:
		return "generic"
	}
}

// Error is a classified agent error with a negative status code.
type Error struct {
	Kind Kind
	Code int32
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Msg, e.Code)
}

// Is matches on the status code so that distinct values with the same code
// compare equal under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNameConflict   = &Error{KindNameConflict, -270, "agent name already running"}
	ErrEncode         = &Error{KindProtocol, -271, "encoding frame header"}
	ErrRequestCount   = &Error{KindRequest, -272, "request table full"}
	ErrMemory         = &Error{KindGeneric, -273, "out of memory"}
	ErrSocket         = &Error{KindSocket, -274, "socket error"}
	ErrChannel        = &Error{KindSocket, -275, "no usable channel"}
	ErrBufferOverflow = &Error{KindBufferOverflow, -276, "buffer length exceeded"}
	ErrUnknownRequest = &Error{KindRequest, -277, "unknown request"}
	ErrDiscovery      = &Error{KindGeneric, -278, "agent discovery failed"}
	ErrRequest        = &Error{KindRequest, -279, "request failed"}
	ErrNotRunning     = &Error{KindGeneric, -280, "agent not running"}
	ErrNameLength     = &Error{KindGeneric, -281, "name too long"}
	ErrProtocol       = &Error{KindProtocol, -482, "malformed frame"}
	ErrTimeout        = &Error{KindTimeout, -2015, "timed out"}
)

// Code returns the signed status code for err: 0 for nil, the code of the
// first classified error in the chain, or -1.
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}

// KindOf reports the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// Wrap attaches detail to a sentinel while keeping it matchable.
func Wrap(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
