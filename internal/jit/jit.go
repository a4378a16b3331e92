// Package jit is the single-pass bytecode-to-native compiler: it
// lowers a Method's Fragment sequence directly to amd64 machine code
// in one pass, using a token-hash placeholder scheme (grounded on the
// teacher's ir.go compiler) to resolve forward references to methods
// and globals that have not been laid out yet, then publishes the
// result into a write-xor-execute code buffer obtained exactly the
// way the teacher's asm/amd64 exec trampoline obtains one: mmap RW,
// patch, mprotect RX.
package jit

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/protonos/core/internal/jit/amd64"
	"github.com/protonos/core/internal/runtimesvc/bridge"
	"github.com/protonos/core/internal/runtimesvc/exceptions"
	"golang.org/x/sys/unix"
)

// Register re-exports the amd64 backend's register type so callers
// building fragments never need to import the backend package
// directly.
type Register = amd64.Register

const (
	RAX = amd64.RAX
	RCX = amd64.RCX
	RDX = amd64.RDX
	RBX = amd64.RBX
	RSP = amd64.RSP
	RBP = amd64.RBP
	RSI = amd64.RSI
	RDI = amd64.RDI
	R8  = amd64.R8
	R9  = amd64.R9
	R10 = amd64.R10
	R11 = amd64.R11
)

// methodTokenPrefix and globalTokenPrefix mark a placeholder 64-bit
// immediate as referring to a not-yet-resolved method or global
// respectively. Any genuine runtime address colliding with one of
// these prefixes is astronomically unlikely (the prefix occupies the
// top 16 bits and real heap/code addresses on amd64 never set them),
// so a resolver pass can find every placeholder by scanning for the
// prefix bits without an auxiliary side-table surviving into the
// published code.
const (
	methodTokenPrefix = uint64(0x5ead000000000000)
	globalTokenPrefix = uint64(0x5eae000000000000)
	tokenMask         = uint64(0x0000ffffffffffff)
)

func methodToken(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return methodTokenPrefix | (h.Sum64() & tokenMask)
}

func globalToken(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return globalTokenPrefix | (h.Sum64() & tokenMask)
}

// Fragment is one unit of emitted code. Compiling a Method walks its
// fragment list in order, calling Emit on a shared Context that
// accumulates bytes, label offsets and pending relocations.
type Fragment interface {
	Emit(ctx *Context) error
}

type fragmentFunc func(*Context) error

func (f fragmentFunc) Emit(ctx *Context) error { return f(ctx) }

type jumpFixup struct {
	patchOffset int
	instrEnd    int
	label       string
}

// relocation records a placeholder token written into code at offset
// that must be rewritten to a real address once it is known: either
// another method's published entry point, or a global resolved
// through the supplied Resolver.
type relocation struct {
	offset int
	kind   relocationKind
	name   string
}

type relocationKind int

const (
	relocMethod relocationKind = iota
	relocGlobal
)

// Context is the single-pass compiler's mutable state while lowering
// one Method's fragments.
type Context struct {
	code   []byte
	labels map[string]int
	jumps  []jumpFixup

	relocations []relocation
}

func newContext() *Context {
	return &Context{labels: make(map[string]int)}
}

func (c *Context) emit(b []byte) { c.code = append(c.code, b...) }

func (c *Context) offset() int { return len(c.code) }

// LoadConstant loads an immediate 64-bit value into dst.
func LoadConstant(dst Register, value int64) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		ctx.emit(amd64.MovImm64(dst, uint64(value)))
		return nil
	})
}

// LoadMethod loads the (eventually resolved) entry-point address of
// method into dst, recording a relocation the Program resolves once
// every method in the unit has been laid out.
func LoadMethod(dst Register, method string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		pos := ctx.offset()
		ctx.emit(amd64.MovImm64(dst, methodToken(method)))
		ctx.relocations = append(ctx.relocations, relocation{offset: pos + 2, kind: relocMethod, name: method})
		return nil
	})
}

// LoadGlobal loads a global's resolved address into dst, recording a
// relocation resolved by the Resolver passed to Compile (the kernel
// bridge registry, for managed statics and extern data).
func LoadGlobal(dst Register, name string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		pos := ctx.offset()
		ctx.emit(amd64.MovImm64(dst, globalToken(name)))
		ctx.relocations = append(ctx.relocations, relocation{offset: pos + 2, kind: relocGlobal, name: name})
		return nil
	})
}

// Move copies src into dst.
func Move(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.MovRegReg(dst, src)); return nil })
}

func Add(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.AddRegReg(dst, src)); return nil })
}

func Sub(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.SubRegReg(dst, src)); return nil })
}

func And(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.AndRegReg(dst, src)); return nil })
}

func Or(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.OrRegReg(dst, src)); return nil })
}

func Xor(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.XorRegReg(dst, src)); return nil })
}

func Cmp(dst, src Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.CmpRegReg(dst, src)); return nil })
}

// CheckedAdd computes dst += src and jumps to overflowLabel if the
// signed addition overflowed, the compiled form of a checked `+`
// operator (as opposed to Add's wrapping, unchecked semantics).
func CheckedAdd(dst, src Register, overflowLabel string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		ctx.emit(amd64.AddRegReg(dst, src))
		return Jump(amd64.Overflow, overflowLabel).Emit(ctx)
	})
}

// CheckedSub computes dst -= src and jumps to overflowLabel on signed
// overflow.
func CheckedSub(dst, src Register, overflowLabel string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		ctx.emit(amd64.SubRegReg(dst, src))
		return Jump(amd64.Overflow, overflowLabel).Emit(ctx)
	})
}

// CheckedMul computes dst *= src and jumps to overflowLabel on signed
// overflow, using imul's own OF flag rather than a separate range
// check.
func CheckedMul(dst, src Register, overflowLabel string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		ctx.emit(amd64.ImulRegReg(dst, src))
		return Jump(amd64.Overflow, overflowLabel).Emit(ctx)
	})
}

// Ret emits a near return.
func Ret() Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.Ret()); return nil })
}

// MarkLabel binds name to the current code offset. Jump fragments
// targeting it, whether emitted before or after, resolve against this
// offset once the whole method has been walked.
func MarkLabel(name string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		if _, exists := ctx.labels[name]; exists {
			return fmt.Errorf("jit: label %q defined twice", name)
		}
		ctx.labels[name] = ctx.offset()
		return nil
	})
}

// Jump emits a conditional or unconditional jump to label, patched
// once every fragment in the method has been emitted so backward and
// forward references both work.
func Jump(cond amd64.JumpCond, label string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		instr, patchOffset, err := amd64.JumpRel32(cond)
		if err != nil {
			return err
		}
		start := ctx.offset()
		ctx.emit(instr)
		ctx.jumps = append(ctx.jumps, jumpFixup{
			patchOffset: start + patchOffset,
			instrEnd:    ctx.offset(),
			label:       label,
		})
		return nil
	})
}

// Goto is an unconditional Jump.
func Goto(label string) Fragment { return Jump(amd64.Always, label) }

// TestZero sets condition flags from reg for a following Jump
// (NotEqual is "not zero"; Equal is "zero" when used right after).
func TestZero(reg Register) Fragment {
	return fragmentFunc(func(ctx *Context) error { ctx.emit(amd64.TestRegReg(reg)); return nil })
}

// Call emits a direct call to another method in the same compiled
// unit via the token-relocation scheme, supporting mutual and
// self-recursion without a two-pass layout.
func Call(method string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		// movabs into a scratch register, then indirect call: methods can
		// end up anywhere in the published buffer once layout completes,
		// so a rel32 call emitted before layout cannot be guaranteed
		// in-range the way an intra-method jump can.
		pos := ctx.offset()
		ctx.emit(amd64.MovImm64(RAX, methodToken(method)))
		ctx.relocations = append(ctx.relocations, relocation{offset: pos + 2, kind: relocMethod, name: method})
		ctx.emit(amd64.CallReg(RAX))
		return nil
	})
}

// ExternCall emits a call to a native kernel-bridge entry point
// resolved through the Resolver supplied to Compile, using the same
// movabs+indirect-call shape as Call since bridge targets live in the
// hosting Go binary's own code, never rel32-reachable from the JIT's
// separately mmap'd buffer.
func ExternCall(identifier string) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		pos := ctx.offset()
		ctx.emit(amd64.MovImm64(RAX, globalToken(identifier)))
		ctx.relocations = append(ctx.relocations, relocation{offset: pos + 2, kind: relocGlobal, name: identifier})
		ctx.emit(amd64.CallReg(RAX))
		return nil
	})
}

// callDispatchScratch is the register CallVirtual and CallInterface
// use to chase vtable/itable pointers; it is always clobbered by the
// call and must not hold a live value across either fragment.
const callDispatchScratch = R10

// CallVirtual emits the compiled form of a `callvirt` bytecode
// instruction: load the vtable pointer from the object header at
// [obj+0], load the method pointer from vtable[slot*8], and call it
// indirectly. This is the native lowering of dispatch.TypeDescriptor's
// v-table layout -- dispatch.CallVirtual is the Go-level model of the
// same dispatch used by non-JIT callers and tests; this fragment is
// what a compiled method actually executes.
func CallVirtual(obj Register, slot int) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		scratch := callDispatchScratch
		ctx.emit(amd64.MovRegMem(scratch, obj, 0))
		ctx.emit(amd64.MovRegMem(scratch, scratch, int32(slot*8)))
		ctx.emit(amd64.CallReg(scratch))
		return nil
	})
}

// CallInterface emits the compiled form of an interface method call:
// like CallVirtual, but the method table pointer is read from
// itableOffset bytes into the object header instead of offset 0,
// modeling a distinct itable slot per implemented interface rather
// than folding interface methods into the primary vtable.
func CallInterface(obj Register, itableOffset int32, slot int) Fragment {
	return fragmentFunc(func(ctx *Context) error {
		scratch := callDispatchScratch
		ctx.emit(amd64.MovRegMem(scratch, obj, itableOffset))
		ctx.emit(amd64.MovRegMem(scratch, scratch, int32(slot*8)))
		ctx.emit(amd64.CallReg(scratch))
		return nil
	})
}

// ThrowTrampoline emits the compiled form of `throw`: an indirect call
// into a kernel-bridge entry point registered with RegisterThrowSite,
// using the same movabs+indirect-call shape as any other ExternCall.
// The JIT never implements stack unwinding itself; it only transfers
// control to exceptions.Throw, which panics and lets Go's own
// recover-based unwinding (driven by exceptions.Catch) do the rest.
func ThrowTrampoline(identifier string) Fragment {
	return ExternCall(identifier)
}

// RethrowTrampoline is ThrowTrampoline's counterpart for a bare
// `throw;` inside a catch block, reusing whatever site was registered
// for the exception already being unwound.
func RethrowTrampoline(identifier string) Fragment {
	return ExternCall(identifier)
}

// RegisterThrowSite binds identifier in reg to a kernel-bridge entry
// point that raises exc via the managed exception unwinder, so
// ThrowTrampoline(identifier) reaches real throw semantics once
// published with reg.Resolve as the Resolver.
func RegisterThrowSite(reg *bridge.Registry, identifier string, exc *exceptions.ManagedException) error {
	return reg.Register(identifier, func() { exceptions.Throw(exc) })
}

// Method is one compiled unit: a name (used for relocation and
// debugging) and the fragment sequence implementing its body.
type Method struct {
	Name string
	Body []Fragment
}

// compiledMethod is a Method after its fragments have been lowered,
// but before final relocation: code bytes plus the relocations and
// label-relative jump patches still pending.
type compiledMethod struct {
	method *Method
	ctx    *Context
}

func compileMethod(m *Method) (*compiledMethod, error) {
	ctx := newContext()
	for i, frag := range m.Body {
		if err := frag.Emit(ctx); err != nil {
			return nil, fmt.Errorf("jit: method %q fragment %d: %w", m.Name, i, err)
		}
	}
	for _, j := range ctx.jumps {
		target, ok := ctx.labels[j.label]
		if !ok {
			return nil, fmt.Errorf("jit: method %q references undefined label %q", m.Name, j.label)
		}
		amd64.PatchRel32(ctx.code, j.patchOffset, j.instrEnd, target)
	}
	return &compiledMethod{method: m, ctx: ctx}, nil
}

// Resolver maps a global or extern identifier to its final address,
// backed in practice by runtimesvc/bridge's kernel bridge registry.
type Resolver func(name string) (uintptr, bool)

// Program is a compiled, laid-out set of methods ready to publish.
type Program struct {
	code      []byte
	entry     map[string]int // method name -> offset within code
	globalFix []relocation   // offsets Publish patches: method entries rebased onto the buffer, globals via the Resolver
}

// Compile lowers every method, concatenates their code in the order
// given, checks every Call/LoadMethod target against the resulting
// layout, and defers writing the absolute addresses to Publish: method
// targets once the buffer's base is known, globals/externs through
// Publish's Resolver argument.
func Compile(methods []*Method) (*Program, error) {
	compiled := make([]*compiledMethod, 0, len(methods))
	for _, m := range methods {
		cm, err := compileMethod(m)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cm)
	}

	prog := &Program{entry: make(map[string]int)}
	methodBase := make(map[string]int, len(compiled))
	for _, cm := range compiled {
		methodBase[cm.method.Name] = len(prog.code)
		prog.entry[cm.method.Name] = len(prog.code)
		prog.code = append(prog.code, cm.ctx.code...)
	}

	for _, cm := range compiled {
		base := methodBase[cm.method.Name]
		for _, r := range cm.ctx.relocations {
			abs := base + r.offset
			if r.kind == relocMethod {
				if _, ok := methodBase[r.name]; !ok {
					return nil, fmt.Errorf("jit: call to undefined method %q", r.name)
				}
				prog.globalFix = append(prog.globalFix, relocation{offset: abs, kind: relocMethod, name: r.name})
				continue
			}
			prog.globalFix = append(prog.globalFix, relocation{offset: abs, kind: relocGlobal, name: r.name})
		}
	}
	return prog, nil
}

// EntryOffset returns the byte offset of method's code within the
// compiled program, relative to the published buffer's base once
// Publish returns.
func (p *Program) EntryOffset(method string) (int, bool) {
	off, ok := p.entry[method]
	return off, ok
}

// Func is a published, callable method: its absolute address in the
// W^X code buffer that owns it.
type Func struct {
	buf  *Buffer
	addr uintptr
}

// Addr returns the callable entry point. Go provides no portable way
// to call an arbitrary machine-code address without a declared Go func
// signature; ProtonOS's tests call it by building a Go func value (a
// pointer to a word holding the code address) with an unsafe cast.
func (f *Func) Addr() uintptr { return f.addr }

// Buffer is the published W^X code region a Program's methods live
// in, obtained mmap RW, patched, then mprotect RX, exactly as the
// teacher's asm/amd64 exec trampoline does for its compiled
// functions.
type Buffer struct {
	mem  []byte
	base uintptr
}

// Publish writes prog's code into a freshly mmap'd region, patches
// every method relocation with base plus the method's entry offset,
// resolves every outstanding global/extern relocation via resolve, flips the
// region read+execute, and returns the buffer plus a Func per method.
func Publish(prog *Program, resolve Resolver) (*Buffer, map[string]*Func, error) {
	size := (len(prog.code) + 0xfff) &^ 0xfff
	if size == 0 {
		size = 0x1000
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("jit: mmap code buffer: %w", err)
	}
	copy(mem, prog.code)

	base := addrOf(mem)
	for _, r := range prog.globalFix {
		if r.kind == relocMethod {
			binary.LittleEndian.PutUint64(mem[r.offset:], uint64(base)+uint64(prog.entry[r.name]))
			continue
		}
		addr, ok := resolve(r.name)
		if !ok {
			unix.Munmap(mem)
			return nil, nil, fmt.Errorf("jit: unresolved global/extern %q", r.name)
		}
		binary.LittleEndian.PutUint64(mem[r.offset:], uint64(addr))
	}

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, nil, fmt.Errorf("jit: mprotect RX: %w", err)
	}

	buf := &Buffer{mem: mem, base: base}
	funcs := make(map[string]*Func, len(prog.entry))
	for name, off := range prog.entry {
		funcs[name] = &Func{buf: buf, addr: base + uintptr(off)}
	}
	return buf, funcs, nil
}

// Close releases the code buffer. Callers must not invoke any Func
// obtained from it afterward.
func (b *Buffer) Close() error { return unix.Munmap(b.mem) }
