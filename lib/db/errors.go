package db

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type ErrCode uint64

const (
	CodeUnknown         ErrCode = iota // 0: Unclassified error.
	CodeConnection                     // 1: Database file can not be opened or the connection is unusable.
	CodeSchema                         // 2: Table already exists or does not exist.
	CodePrepare                        // 3: Engine rejected a statement.
	CodeCursorRead                     // 4: Engine failed while reading rows of an open cursor.
	CodeUnsupported                    // 5: Operation is not supported by the implementation.
	CodeInvalidArgument                // 6: Invalid table name or id.
	CodeState                          // 7: Operation not allowed in the current lifecycle state.
	CodeCursorLeak                     // 8: Database closed while cursors were still open.
	CodeExec                           // 9: Engine failed to execute a statement.
)

func (c ErrCode) String() string {
	switch c {
	case CodeConnection:
		return "ConnectionError"
	case CodeSchema:
		return "SchemaError"
	case CodePrepare:
		return "PrepareError"
	case CodeCursorRead:
		return "CursorReadError"
	case CodeUnsupported:
		return "CapabilityUnsupportedError"
	case CodeInvalidArgument:
		return "InvalidArgumentError"
	case CodeState:
		return "StateError"
	case CodeCursorLeak:
		return "CursorLeakError"
	case CodeExec:
		return "ExecError"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is. They match every *Error with the same code.
var (
	ErrConnection      = &Error{Code: CodeConnection}
	ErrSchema          = &Error{Code: CodeSchema}
	ErrPrepare         = &Error{Code: CodePrepare}
	ErrCursorRead      = &Error{Code: CodeCursorRead}
	ErrUnsupported     = &Error{Code: CodeUnsupported}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrState           = &Error{Code: CodeState}
	ErrCursorLeak      = &Error{Code: CodeCursorLeak}
	ErrExec            = &Error{Code: CodeExec}
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps an engine error with an error code and the operation that failed.
type Error struct {
	Code ErrCode // The error code
	Op   string  // The failed operation (e.g. "createTable")
	Msg  string  // Optional message
	Err  error   // The underlying error (may be nil)
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Op, msg)
}

// Unwrap returns the underlying engine error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error for the given operation.
func NewError(code ErrCode, op string, err error) *Error {
	return &Error{
		Code: code,
		Op:   op,
		Err:  err,
	}
}

// Errorf creates a new Error with a formatted message and no underlying error.
func Errorf(code ErrCode, op string, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Op:   op,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// IsCode reports whether err (or any error it wraps) is an *Error with the given code.
func IsCode(err error, code ErrCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
