// Package skerr provides errors that include the call site at which they were
// created or wrapped. Use Wrap and Wrapf at every return point where an error
// crosses a package boundary, and Fmt to create new errors.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies the file and line of a single call site.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// ErrorWithContext is an error plus the call stack captured where the error
// was created or wrapped, and an optional message added by Wrapf.
type ErrorWithContext struct {
	Wrapped   error
	Message   string
	CallStack []StackTrace
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
		if e.Wrapped != nil {
			sb.WriteString(": ")
		}
	}
	if e.Wrapped != nil {
		sb.WriteString(e.Wrapped.Error())
	}
	if len(e.CallStack) > 0 {
		stack := make([]string, 0, len(e.CallStack))
		for _, st := range e.CallStack {
			stack = append(stack, st.String())
		}
		sb.WriteString(". At ")
		sb.WriteString(strings.Join(stack, " "))
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

// callStack returns up to depth call sites, starting skip frames above the
// caller of callStack.
func callStack(depth, skip int) []StackTrace {
	ret := make([]StackTrace, 0, depth)
	for i := 0; i < depth; i++ {
		_, file, line, ok := runtime.Caller(skip + i)
		if !ok {
			break
		}
		slash := strings.LastIndex(file, "/")
		if slash >= 0 {
			file = file[slash+1:]
		}
		ret = append(ret, StackTrace{File: file, Line: line})
	}
	return ret
}

// Fmt creates an error with call-site context, formatting like fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Message:   fmt.Sprintf(format, args...),
		CallStack: callStack(4, 2),
	}
}

// Wrap adds call-site context to an error. Returns nil if err is nil. If err
// already carries context, the existing context is preserved and no new stack
// is recorded.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(4, 2),
	}
}

// Wrapf adds call-site context and a formatted message to an error. Returns
// nil if err is nil. Unlike Wrap, Wrapf always records the wrapping site, so
// it can be used to annotate an already-wrapped error.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		Message:   fmt.Sprintf(format, args...),
		CallStack: callStack(4, 2),
	}
}

// Unwrap returns the innermost error, removing all layers of context.
func Unwrap(err error) error {
	for {
		wrapper, ok := err.(*ErrorWithContext)
		if !ok || wrapper.Wrapped == nil {
			return err
		}
		err = wrapper.Wrapped
	}
}
