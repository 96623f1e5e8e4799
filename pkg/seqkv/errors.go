package seqkv

import (
	"errors"
	"fmt"
)

// Code is an error code reported by the store in an error body.
type Code int

const (
	Timeout                Code = 0
	NodeNotFound           Code = 1
	NotSupported           Code = 10
	TemporarilyUnavailable Code = 11
	MalformedRequest       Code = 12
	Crash                  Code = 13
	Abort                  Code = 14
	KeyDoesNotExist        Code = 20
	KeyAlreadyExists       Code = 21
	PreconditionFailed     Code = 22
	TxnConflict            Code = 30
)

var codeNames = map[Code]string{
	Timeout:                "timeout",
	NodeNotFound:           "node-not-found",
	NotSupported:           "not-supported",
	TemporarilyUnavailable: "temporarily-unavailable",
	MalformedRequest:       "malformed-request",
	Crash:                  "crash",
	Abort:                  "abort",
	KeyDoesNotExist:        "key-does-not-exist",
	KeyAlreadyExists:       "key-already-exists",
	PreconditionFailed:     "precondition-failed",
	TxnConflict:            "txn-conflict",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code-%d", int(c))
}

// Error is a store error carrying its wire code.
type Error struct {
	Code Code
	Text string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return "seqkv: " + e.Code.String()
	}
	return fmt.Sprintf("seqkv: %s: %s", e.Code, e.Text)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrPreconditionFailed)
// works on errors carrying descriptive text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrKeyDoesNotExist    = &Error{Code: KeyDoesNotExist}
	ErrKeyAlreadyExists   = &Error{Code: KeyAlreadyExists}
	ErrPreconditionFailed = &Error{Code: PreconditionFailed}
)

func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from err. Errors that are not store errors
// map to Crash, which is indefinite.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Crash
}
