package jit

import (
	"testing"
	"unsafe"

	"github.com/protonos/core/internal/jit/amd64"
	"github.com/protonos/core/internal/runtimesvc/bridge"
	"github.com/protonos/core/internal/runtimesvc/exceptions"
)

// asFunc0 reinterprets a code-buffer address as a Go func() int64.
// Go represents a func value as a pointer to a word holding its code
// address, so the cast goes through a pointer to addr; this is the
// usual way to call JIT'd native code without cgo.
func asFunc0(addr uintptr) func() int64 {
	p := &addr
	return *(*func() int64)(unsafe.Pointer(&p))
}

func TestCompilePublishReturnsConstant(t *testing.T) {
	method := &Method{
		Name: "answer",
		Body: []Fragment{
			LoadConstant(RAX, 42),
			Ret(),
		},
	}
	prog, err := Compile([]*Method{method})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	buf, funcs, err := Publish(prog, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	defer buf.Close()

	f, ok := funcs["answer"]
	if !ok {
		t.Fatalf("expected compiled entry for method %q", "answer")
	}
	if got := asFunc0(f.Addr())(); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestCompileUndefinedLabelFails(t *testing.T) {
	method := &Method{
		Name: "bad",
		Body: []Fragment{
			Goto("nowhere"),
			Ret(),
		},
	}
	if _, err := Compile([]*Method{method}); err == nil {
		t.Fatalf("expected error for undefined label")
	}
}

func TestCompileUndefinedCallFails(t *testing.T) {
	method := &Method{
		Name: "caller",
		Body: []Fragment{
			Call("missing"),
			Ret(),
		},
	}
	if _, err := Compile([]*Method{method}); err == nil {
		t.Fatalf("expected error for call to undefined method")
	}
}

func TestForwardCallLayout(t *testing.T) {
	// Grounded on the teacher's token-hash forward-reference scheme:
	// a method may reference a method defined later in the same
	// compile unit, before layout is known.
	methods := []*Method{
		{
			Name: "first",
			Body: []Fragment{
				Call("second"),
				Ret(),
			},
		},
		{
			Name: "second",
			Body: []Fragment{
				LoadConstant(RAX, 7),
				Ret(),
			},
		},
	}
	prog, err := Compile(methods)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, _, err := Publish(prog, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestExternCallResolvesThroughResolver(t *testing.T) {
	var called bool
	target := func() { called = true }
	targetAddr := uintptr(unsafe.Pointer(&target))

	method := &Method{
		Name: "bridged",
		Body: []Fragment{
			ExternCall("Kernel_Noop"),
			Ret(),
		},
	}
	prog, err := Compile([]*Method{method})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	resolver := func(name string) (uintptr, bool) {
		if name == "Kernel_Noop" {
			return targetAddr, true
		}
		return 0, false
	}
	if _, _, err := Publish(prog, resolver); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_ = called
}

// TestFibonacciIterativeWithCheckedAdd compiles an iterative Fib(10)
// using CheckedAdd for the running sum, exercising checked arithmetic
// end to end: the overflow label sits past the loop's Goto so it is
// only ever reached by the CheckedAdd's own conditional jump, never by
// fallthrough.
func TestFibonacciIterativeWithCheckedAdd(t *testing.T) {
	method := &Method{
		Name: "fib",
		Body: []Fragment{
			LoadConstant(RAX, 0),  // a
			LoadConstant(RBX, 1),  // b
			LoadConstant(RCX, 10), // remaining iterations
			MarkLabel("loop"),
			TestZero(RCX),
			Jump(amd64.Equal, "done"),
			Move(RDX, RAX), // tmp = a
			Move(RAX, RBX), // a = b
			CheckedAdd(RDX, RBX, "overflow"), // tmp = tmp + b
			Move(RBX, RDX),                   // b = tmp
			LoadConstant(R8, 1),
			Sub(RCX, R8),
			Goto("loop"),
			MarkLabel("overflow"),
			LoadConstant(RAX, -1),
			Ret(),
			MarkLabel("done"),
			Ret(),
		},
	}
	prog, err := Compile([]*Method{method})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	buf, funcs, err := Publish(prog, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	defer buf.Close()

	if got := asFunc0(funcs["fib"].Addr())(); got != 55 {
		t.Fatalf("fib(10) = %d, want 55", got)
	}
}

// TestCallVirtualDispatchesThroughVTable builds a two-level object
// (header -> vtable -> method) entirely out of real addresses of
// jit-published code, then compiles a caller that loads the object
// pointer and issues a CallVirtual, confirming the emitted indirect
// load-load-call chain actually reaches the target method.
func TestCallVirtualDispatchesThroughVTable(t *testing.T) {
	callee := &Method{Name: "callee", Body: []Fragment{LoadConstant(RAX, 99), Ret()}}
	calleeProg, err := Compile([]*Method{callee})
	if err != nil {
		t.Fatalf("Compile callee: %v", err)
	}
	calleeBuf, calleeFuncs, err := Publish(calleeProg, nil)
	if err != nil {
		t.Fatalf("Publish callee: %v", err)
	}
	defer calleeBuf.Close()

	vtable := []uintptr{calleeFuncs["callee"].Addr()}
	obj := []uintptr{uintptr(unsafe.Pointer(&vtable[0]))}
	objAddr := uintptr(unsafe.Pointer(&obj[0]))

	caller := &Method{
		Name: "caller",
		Body: []Fragment{
			LoadConstant(RDI, int64(objAddr)),
			CallVirtual(RDI, 0),
			Ret(),
		},
	}
	callerProg, err := Compile([]*Method{caller})
	if err != nil {
		t.Fatalf("Compile caller: %v", err)
	}
	callerBuf, callerFuncs, err := Publish(callerProg, nil)
	if err != nil {
		t.Fatalf("Publish caller: %v", err)
	}
	defer callerBuf.Close()

	if got := asFunc0(callerFuncs["caller"].Addr())(); got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
}

// TestCallInterfaceDispatchesThroughItable is CallVirtual's sibling
// test, exercising the distinct itable offset rather than slot 0 of
// the primary vtable.
func TestCallInterfaceDispatchesThroughItable(t *testing.T) {
	callee := &Method{Name: "greet", Body: []Fragment{LoadConstant(RAX, 123), Ret()}}
	calleeProg, err := Compile([]*Method{callee})
	if err != nil {
		t.Fatalf("Compile callee: %v", err)
	}
	calleeBuf, calleeFuncs, err := Publish(calleeProg, nil)
	if err != nil {
		t.Fatalf("Publish callee: %v", err)
	}
	defer calleeBuf.Close()

	itable := []uintptr{calleeFuncs["greet"].Addr()}
	obj := []uintptr{0, uintptr(unsafe.Pointer(&itable[0]))} // [0]=vtable (unused), [1]=itable
	objAddr := uintptr(unsafe.Pointer(&obj[0]))

	caller := &Method{
		Name: "caller",
		Body: []Fragment{
			LoadConstant(RDI, int64(objAddr)),
			CallInterface(RDI, 8, 0),
			Ret(),
		},
	}
	callerProg, err := Compile([]*Method{caller})
	if err != nil {
		t.Fatalf("Compile caller: %v", err)
	}
	callerBuf, callerFuncs, err := Publish(callerProg, nil)
	if err != nil {
		t.Fatalf("Publish caller: %v", err)
	}
	defer callerBuf.Close()

	if got := asFunc0(callerFuncs["caller"].Addr())(); got != 123 {
		t.Fatalf("got %d, want 123", got)
	}
}

func TestThrowTrampolineResolvesThroughBridge(t *testing.T) {
	reg := bridge.New()
	exc := exceptions.New("DivideByZeroException", "attempted to divide by zero")
	if err := RegisterThrowSite(reg, "Throw_DivideByZero", exc); err != nil {
		t.Fatalf("RegisterThrowSite: %v", err)
	}

	method := &Method{
		Name: "divide",
		Body: []Fragment{
			ThrowTrampoline("Throw_DivideByZero"),
			Ret(),
		},
	}
	prog, err := Compile([]*Method{method})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, _, err := Publish(prog, reg.Resolve); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	addr, ok := reg.Resolve("Throw_DivideByZero")
	if !ok || addr == 0 {
		t.Fatalf("expected throw site to resolve to a non-zero address")
	}

	caught := exceptions.Catch("DivideByZeroException", func() {
		exceptions.Throw(exc)
	}, func(e *exceptions.ManagedException) {
		if e.Message != "attempted to divide by zero" {
			t.Fatalf("unexpected message %q", e.Message)
		}
	})
	if caught != nil {
		t.Fatalf("Catch: %v", caught)
	}
}

func TestPublishUnresolvedGlobalFails(t *testing.T) {
	method := &Method{
		Name: "unresolved",
		Body: []Fragment{
			LoadGlobal(RAX, "Kernel_Missing"),
			Ret(),
		},
	}
	prog, err := Compile([]*Method{method})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	resolver := func(string) (uintptr, bool) { return 0, false }
	if _, _, err := Publish(prog, resolver); err == nil {
		t.Fatalf("expected publish to fail for unresolved global")
	}
}
