package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Error is error type of threatwatch. It has a stack trace of the first wrapping
// point and key/value pairs describing the error context.
type Error struct {
	msg    string
	cause  error
	st     errors.StackTrace
	Values map[string]interface{}
}

// New creates a new Error with stack trace
func New(msg string) *Error {
	base := errors.New(msg)
	return &Error{
		msg:    msg,
		st:     base.(stackTracer).StackTrace(),
		Values: make(map[string]interface{}),
	}
}

// Wrap creates a new Error with cause. If cause is *Error, its values and stack
// trace are inherited.
func Wrap(cause error, msg ...string) *Error {
	e := &Error{
		msg:    strings.Join(msg, " "),
		cause:  cause,
		Values: make(map[string]interface{}),
	}

	var prev *Error
	if errors.As(cause, &prev) {
		for k, v := range prev.Values {
			e.Values[k] = v
		}
		e.st = prev.st
	} else if st, ok := cause.(stackTracer); ok {
		e.st = st.StackTrace()
	} else if cause == nil {
		e.st = errors.New(e.msg).(stackTracer).StackTrace()
	} else {
		e.st = errors.WithStack(cause).(stackTracer).StackTrace()
	}

	return e
}

// With adds a key/value pair to the error
func (x *Error) With(key string, value interface{}) *Error {
	x.Values[key] = value
	return x
}

func (x *Error) Error() string {
	switch {
	case x.cause == nil:
		return x.msg
	case x.msg == "":
		return x.cause.Error()
	default:
		return x.msg + ": " + x.cause.Error()
	}
}

func (x *Error) Unwrap() error {
	return x.cause
}

// StackTrace returns formatted stack trace
func (x *Error) StackTrace() string {
	if x.st == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%+v", x.st))
}

// Is is a shortcut to errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a shortcut to errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
