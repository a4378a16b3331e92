// Package boxing implements value-type boxing and nullable wrapping:
// a value type copied onto the managed heap as a reference-typed
// box, and a Nullable[T] that tracks whether a value-typed slot
// actually holds a value the way a managed `T?` does, without
// overloading a sentinel value of T itself.
package boxing

import (
	"errors"
	"fmt"

	"github.com/protonos/core/internal/runtimesvc/exceptions"
)

// ErrTypeMismatch is the sentinel error Unbox returns (wrapped with
// the concrete type names involved) when the boxed value's dynamic
// type doesn't match the requested T. errors.Is(err, ErrTypeMismatch)
// holds for every such failure regardless of which types were
// involved.
var ErrTypeMismatch = errors.New("boxing: type mismatch")

// Box is a heap-allocated copy of a value type, the runtime
// representation produced whenever bytecode boxes a struct/primitive
// to pass it somewhere expecting a reference type (an interface slot,
// an object-typed array element).
type Box struct {
	TypeName string
	value    interface{}
}

// NewBox copies value into a fresh box tagged with typeName.
func NewBox(typeName string, value interface{}) *Box {
	return &Box{TypeName: typeName, value: value}
}

// Unbox returns the boxed value, type-asserted to T. It returns an
// error rather than panicking on mismatch, since an invalid unbox
// cast is a normal managed runtime exception (InvalidCastException),
// not a host-level bug; the returned error wraps ErrTypeMismatch so
// callers can test for it with errors.Is, and can be escalated to an
// actual managed throw with ThrowInvalidCast.
func Unbox[T any](b *Box) (T, error) {
	var zero T
	if b == nil {
		return zero, fmt.Errorf("boxing: unbox of nil box")
	}
	v, ok := b.value.(T)
	if !ok {
		return zero, fmt.Errorf("boxing: cannot unbox %q as %T: %w", b.TypeName, zero, ErrTypeMismatch)
	}
	return v, nil
}

// ThrowInvalidCast converts an Unbox type-mismatch error into a
// managed InvalidCastException and raises it via exceptions.Throw --
// the path a compiled unbox bytecode instruction takes on failure, as
// opposed to a non-JIT caller that just checks Unbox's returned error
// directly.
func ThrowInvalidCast(err error) {
	if err == nil {
		return
	}
	exceptions.Throw(exceptions.New("InvalidCastException", err.Error()))
}

// Nullable models `T?`: a value slot that is explicitly either
// present or absent, distinct from any particular value of T
// (crucially, the zero value of T is a valid HasValue=true payload).
type Nullable[T any] struct {
	value    T
	hasValue bool
}

// Some returns a Nullable holding v.
func Some[T any](v T) Nullable[T] { return Nullable[T]{value: v, hasValue: true} }

// None returns an empty Nullable.
func None[T any]() Nullable[T] { return Nullable[T]{} }

// HasValue reports whether the nullable currently holds a value.
func (n Nullable[T]) HasValue() bool { return n.hasValue }

// Value returns the held value, or an error if the nullable is empty
// (the managed equivalent of throwing InvalidOperationException from
// Nullable<T>.Value on a null instance).
func (n Nullable[T]) Value() (T, error) {
	if !n.hasValue {
		var zero T
		return zero, fmt.Errorf("boxing: nullable has no value")
	}
	return n.value, nil
}

// ValueOrDefault returns the held value, or T's zero value if empty.
func (n Nullable[T]) ValueOrDefault() T {
	return n.value
}

// BoxNullable maps a Nullable[T] onto the object header's boxed
// representation: None becomes a nil *Box (the managed null
// reference), and Some(v) becomes a fresh box tagged typeName, the
// same box-on-demand conversion a `T? -> object` implicit boxing
// conversion compiles down to.
func BoxNullable[T any](n Nullable[T], typeName string) *Box {
	if !n.HasValue() {
		return nil
	}
	return NewBox(typeName, n.value)
}

// UnboxNullable is BoxNullable's inverse: a nil box (or one holding
// the wrong type) maps back to None, any other box unboxes to Some.
func UnboxNullable[T any](b *Box) Nullable[T] {
	if b == nil {
		return None[T]()
	}
	v, err := Unbox[T](b)
	if err != nil {
		return None[T]()
	}
	return Some(v)
}
