package scanning

import (
	"errors"
	"fmt"
)

// Code is a recognition error code. The first block mirrors the native
// engine codes one to one; the second block is raised by the coordination
// layer itself.
type Code int

const (
	CodeSuccess Code = iota
	CodeGeneric
	CodeMisuse
	CodeNoPermission
	CodeNoFile
	CodeBusy
	CodeCorrupt
	CodeEmptyDatabase
	CodeAuthDenied
	CodeNoConnection
	CodeTimeout
	CodeThreading
	CodeCredentialMismatch
	CodeSlowConnection
	CodeRecordNotFound

	CodeAlreadyOpen
	CodeNotOpen
	CodeInvalidState
	CodeInvalidArgument
	CodeInterrupted
)

var codeMessages = map[Code]string{
	CodeSuccess:            "success",
	CodeGeneric:            "unspecified error",
	CodeMisuse:             "invalid use of the library",
	CodeNoPermission:       "access permission denied",
	CodeNoFile:             "file not found",
	CodeBusy:               "database file locked",
	CodeCorrupt:            "database file corrupted",
	CodeEmptyDatabase:      "empty database",
	CodeAuthDenied:         "authorization denied",
	CodeNoConnection:       "no internet connection",
	CodeTimeout:            "operation timeout",
	CodeThreading:          "threading error",
	CodeCredentialMismatch: "credentials mismatch",
	CodeSlowConnection:     "internet connection too slow",
	CodeRecordNotFound:     "record not found",
	CodeAlreadyOpen:        "scanner already open",
	CodeNotOpen:            "scanner not open",
	CodeInvalidState:       "invalid session state",
	CodeInvalidArgument:    "invalid argument",
	CodeInterrupted:        "operation interrupted by close",
}

func (c Code) String() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Class groups codes by who is expected to react to them.
type Class int

const (
	ClassNone Class = iota
	// ClassResourceState errors are caller bugs around open/close ordering.
	ClassResourceState
	// ClassDataIntegrity errors describe the local database content.
	ClassDataIntegrity
	// ClassNetwork errors are reported to observers as terminal failures.
	ClassNetwork
	// ClassMisuse errors are invalid transitions or arguments.
	ClassMisuse
	// ClassIO errors come from the filesystem.
	ClassIO
	// ClassInternal errors are engine failures with no better category.
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassResourceState:
		return "resource-state"
	case ClassDataIntegrity:
		return "data-integrity"
	case ClassNetwork:
		return "network"
	case ClassMisuse:
		return "misuse"
	case ClassIO:
		return "io"
	case ClassInternal:
		return "internal"
	}
	return "none"
}

// Class returns the taxonomy class of the code.
func (c Code) Class() Class {
	switch c {
	case CodeSuccess:
		return ClassNone
	case CodeAlreadyOpen, CodeNotOpen, CodeBusy, CodeInterrupted:
		return ClassResourceState
	case CodeCorrupt, CodeEmptyDatabase, CodeRecordNotFound:
		return ClassDataIntegrity
	case CodeNoConnection, CodeTimeout, CodeSlowConnection, CodeAuthDenied, CodeCredentialMismatch:
		return ClassNetwork
	case CodeMisuse, CodeInvalidState, CodeInvalidArgument:
		return ClassMisuse
	case CodeNoFile, CodeNoPermission:
		return ClassIO
	}
	return ClassInternal
}

// Retryable reports whether a caller may reasonably retry the operation
// unchanged. Authorization failures are terminal.
func (c Code) Retryable() bool {
	switch c {
	case CodeNoConnection, CodeTimeout, CodeSlowConnection:
		return true
	}
	return false
}

// Error is the error type returned by the engine and the coordination layer.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// NewError builds an *Error for op, wrapping err when non-nil.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so sentinels work with
// errors.Is regardless of Op and wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrGeneric            = &Error{Code: CodeGeneric}
	ErrMisuse             = &Error{Code: CodeMisuse}
	ErrNoPermission       = &Error{Code: CodeNoPermission}
	ErrNoFile             = &Error{Code: CodeNoFile}
	ErrBusy               = &Error{Code: CodeBusy}
	ErrCorrupt            = &Error{Code: CodeCorrupt}
	ErrEmptyDatabase      = &Error{Code: CodeEmptyDatabase}
	ErrAuthDenied         = &Error{Code: CodeAuthDenied}
	ErrNoConnection       = &Error{Code: CodeNoConnection}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrThreading          = &Error{Code: CodeThreading}
	ErrCredentialMismatch = &Error{Code: CodeCredentialMismatch}
	ErrSlowConnection     = &Error{Code: CodeSlowConnection}
	ErrRecordNotFound     = &Error{Code: CodeRecordNotFound}
	ErrAlreadyOpen        = &Error{Code: CodeAlreadyOpen}
	ErrNotOpen            = &Error{Code: CodeNotOpen}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
	ErrInterrupted        = &Error{Code: CodeInterrupted}

	// ErrUnauthorized is the remote-search name for an authorization failure.
	ErrUnauthorized = ErrAuthDenied
)

// CodeOf extracts the code carried by err. Unknown errors are CodeGeneric.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}
