// Package exceptions implements managed throw/catch/rethrow on top of
// Go's panic/recover: a ManagedException carries the type name and
// message bytecode-level catch filters dispatch on, plus an
// unwind trace that Catch and Rethrow append to, so a rethrow keeps
// the original stack context, the way a bare `throw;` preserves the
// original exception's stack trace instead of resetting it.
package exceptions

import "fmt"

// ManagedException is the payload every managed throw panics with.
type ManagedException struct {
	TypeName string
	Message  string
	Inner    *ManagedException
	trace    []string
}

func (e *ManagedException) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s (inner: %s)", e.TypeName, e.Message, e.Inner.Error())
	}
	return fmt.Sprintf("%s: %s", e.TypeName, e.Message)
}

// Trace returns the frames recorded as this exception unwound, in the
// order Catch and Rethrow recorded them: innermost first.
func (e *ManagedException) Trace() []string {
	return append([]string(nil), e.trace...)
}

// New creates an exception of the given managed type.
func New(typeName, message string) *ManagedException {
	return &ManagedException{TypeName: typeName, Message: message}
}

// Wrap creates an exception with inner set to an existing exception,
// modeling `throw new X(..., inner)`.
func Wrap(typeName, message string, inner *ManagedException) *ManagedException {
	return &ManagedException{TypeName: typeName, Message: message, Inner: inner}
}

// Throw panics with exc, the compiled form of a managed `throw exc;`.
func Throw(exc *ManagedException) {
	panic(exc)
}

// Rethrow re-panics an exception already being unwound, appending
// frame to its trace, the compiled form of a bare `throw;` inside a
// catch block: the original TypeName/Message/Inner are preserved, only
// the trace grows.
func Rethrow(exc *ManagedException, frame string) {
	exc.trace = append(exc.trace, frame)
	panic(exc)
}

// Catch runs body, and if it panics with a *ManagedException matching
// typeName (or any type if typeName is empty), invokes handler with
// it and returns nil. Panics of any other kind, including a
// non-ManagedException Go panic, propagate unchanged: the managed
// catch clause's type filter only ever matches managed exception
// types.
func Catch(typeName string, body func(), handler func(*ManagedException)) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		exc, ok := r.(*ManagedException)
		if !ok {
			panic(r)
		}
		if typeName != "" && exc.TypeName != typeName {
			panic(r)
		}
		exc.trace = append(exc.trace, fmt.Sprintf("catch(%s)", typeName))
		handler(exc)
	}()
	body()
	return nil
}

// Finally runs body then always runs cleanup, even if body panics;
// the panic (managed or not) continues propagating after cleanup
// runs, matching a managed `finally` block's semantics.
func Finally(body func(), cleanup func()) {
	defer cleanup()
	body()
}
