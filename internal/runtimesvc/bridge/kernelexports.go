package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protonos/core/internal/archhal"
	"github.com/protonos/core/internal/interrupt"
	"github.com/protonos/core/internal/pagealloc"
	"github.com/protonos/core/internal/sched"
	"github.com/protonos/core/internal/vmm"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// debugWriter is where Kernel_DebugWrite{Byte,String} land, modeling
// the conventional hosted-debug-console port.
var debugWriter io.Writer = os.Stderr

// KernelExports bundles every kernel subsystem a managed call site can
// reach through the bridge and registers one well-known Kernel_*
// identifier per entry point listed in RegisterAll: port byte I/O,
// MSRs, frame allocation and direct-map conversion, page mapping,
// threads, interrupt handlers, debug output, the interrupt flag, the
// barrier and TLB invalidation. There are no entries for word- or
// dword-wide port I/O, tick or time queries, or CPU topology. Each exported function
// is a thin wrapper: the actual logic lives in archhal/pagealloc/vmm/
// sched/interrupt, exactly as RegisterAll's doc promises -- the bridge
// only ever adapts a signature, it never reimplements a subsystem.
type KernelExports struct {
	HAL   *archhal.HAL
	Arena *pagealloc.Arena
	Space *vmm.AddressSpace
	Sched *sched.Scheduler
	Ctrl  *interrupt.Controller

	mu      sync.Mutex
	threads map[uint64]*sched.TCB
	nextTID atomic.Uint64
}

// NewKernelExports bundles the given subsystems for registration.
func NewKernelExports(hal *archhal.HAL, arena *pagealloc.Arena, space *vmm.AddressSpace, sc *sched.Scheduler, ctrl *interrupt.Controller) *KernelExports {
	return &KernelExports{
		HAL:     hal,
		Arena:   arena,
		Space:   space,
		Sched:   sc,
		Ctrl:    ctrl,
		threads: make(map[uint64]*sched.TCB),
	}
}

// RegisterAll binds the Kernel_* identifiers listed below to live
// entry points backed by k's subsystems. It must run before reg.Seal.
func (k *KernelExports) RegisterAll(reg *Registry) error {
	entries := []struct {
		name string
		fn   interface{}
	}{
		{"Kernel_InByte", k.InByte},
		{"Kernel_OutByte", k.OutByte},
		{"Kernel_ReadMSR", k.ReadMSR},
		{"Kernel_WriteMSR", k.WriteMSR},

		{"Kernel_AllocatePage", k.AllocatePage},
		{"Kernel_AllocatePages", k.AllocatePages},
		{"Kernel_FreePage", k.FreePage},
		{"Kernel_PhysToVirt", k.PhysToVirt},
		{"Kernel_VirtToPhys", k.VirtToPhys},

		{"Kernel_MapPage", k.MapPage},
		{"Kernel_UnmapPage", k.UnmapPage},
		{"Kernel_ChangeProtection", k.ChangeProtection},

		{"Kernel_CreateThread", k.CreateThread},
		{"Kernel_ExitThread", k.ExitThread},
		{"Kernel_Sleep", k.Sleep},
		{"Kernel_Yield", k.Yield},
		{"Kernel_SuspendThread", k.SuspendThread},
		{"Kernel_ResumeThread", k.ResumeThread},

		{"Kernel_RegisterInterruptHandler", k.RegisterInterruptHandler},
		{"Kernel_RaiseInterrupt", k.RaiseInterrupt},

		{"Kernel_DebugWriteByte", k.DebugWriteByte},
		{"Kernel_DebugWriteString", k.DebugWriteString},

		{"Kernel_DisableInterrupts", k.DisableInterrupts},
		{"Kernel_EnableInterrupts", k.EnableInterrupts},
		{"Kernel_Barrier", k.Barrier},
		{"Kernel_InvalidateTLB", k.InvalidateTLB},
	}
	for _, e := range entries {
		if err := reg.Register(e.name, e.fn); err != nil {
			return fmt.Errorf("bridge: registering %s: %w", e.name, err)
		}
	}
	return nil
}

// --- port I/O and MSR access ---

func (k *KernelExports) InByte(port uint16) byte             { return k.HAL.InByte(port) }
func (k *KernelExports) OutByte(port uint16, value byte)     { k.HAL.OutByte(port, value) }
func (k *KernelExports) ReadMSR(reg uint32) (uint64, error)  { return k.HAL.ReadMSR(reg) }
func (k *KernelExports) WriteMSR(reg uint32, value uint64)   { k.HAL.WriteMSR(reg, value) }

// --- physical memory ---

// AllocatePage allocates one frame and returns its direct-map virtual
// address, the form managed allocator code actually consumes (the
// physical address itself is never a valid pointer to a managed
// caller).
func (k *KernelExports) AllocatePage() (uintptr, error) {
	base, err := k.Arena.Allocate(1)
	if err != nil {
		return 0, err
	}
	return pagealloc.PhysToVirt(base), nil
}

// AllocatePages allocates n contiguous frames, same convention as
// AllocatePage.
func (k *KernelExports) AllocatePages(n int) (uintptr, error) {
	base, err := k.Arena.Allocate(n)
	if err != nil {
		return 0, err
	}
	return pagealloc.PhysToVirt(base), nil
}

// FreePage releases the allocation backing vaddr, a direct-map address
// previously returned by AllocatePage/AllocatePages.
func (k *KernelExports) FreePage(vaddr uintptr) error {
	paddr, ok := pagealloc.VirtToPhys(vaddr)
	if !ok {
		return fmt.Errorf("bridge: %#x is not a direct-map address", vaddr)
	}
	return k.Arena.Free(paddr)
}

func (k *KernelExports) PhysToVirt(paddr uintptr) uintptr { return pagealloc.PhysToVirt(paddr) }

func (k *KernelExports) VirtToPhys(vaddr uintptr) (uintptr, error) {
	paddr, ok := pagealloc.VirtToPhys(vaddr)
	if !ok {
		return 0, fmt.Errorf("bridge: %#x is not a direct-map address", vaddr)
	}
	return paddr, nil
}

// --- virtual memory ---

func (k *KernelExports) MapPage(vaddr uint64, paddr uintptr, writable, user bool) error {
	return k.Space.MapPage(vaddr, paddr, hostarch.AccessType{Read: true, Write: writable}, user)
}

func (k *KernelExports) UnmapPage(vaddr uint64) error {
	if err := k.Space.Unmap(vaddr); err != nil {
		return err
	}
	k.HAL.InvalidateTLB()
	return nil
}

func (k *KernelExports) ChangeProtection(vaddr uint64, writable, user bool) error {
	return k.Space.ChangeProtection(vaddr, hostarch.AccessType{Read: true, Write: writable}, user)
}

// --- threading ---

// registerThread assigns tcb an opaque numeric id, the handle a
// managed caller holds instead of a Go pointer -- the same indirection
// a real syscall ABI enforces by returning a HANDLE/tid rather than a
// kernel object address.
func (k *KernelExports) registerThread(tcb *sched.TCB) uint64 {
	id := k.nextTID.Add(1)
	k.mu.Lock()
	k.threads[id] = tcb
	k.mu.Unlock()
	return id
}

func (k *KernelExports) lookupThread(id uint64) (*sched.TCB, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	tcb, ok := k.threads[id]
	return tcb, ok
}

// CreateThread spawns a new thread running body and returns its opaque
// thread id.
func (k *KernelExports) CreateThread(affinity int32, body func()) (uint64, error) {
	tcb, err := k.Sched.Spawn(int(affinity), func(ctx context.Context, self *sched.TCB) {
		body()
	})
	if err != nil {
		return 0, err
	}
	return k.registerThread(tcb), nil
}

// ExitThread terminates the thread identified by id with code.
func (k *KernelExports) ExitThread(id uint64, code int32) error {
	tcb, ok := k.lookupThread(id)
	if !ok {
		return fmt.Errorf("bridge: unknown thread id %d", id)
	}
	tcb.Exit(code)
	return nil
}

// Sleep models a blocking sleep of the calling thread.
func (k *KernelExports) Sleep(d time.Duration) { time.Sleep(d) }

// Yield models a cooperative yield back to the scheduler.
func (k *KernelExports) Yield() { runtime.Gosched() }

// SuspendThread suspends the thread identified by id.
func (k *KernelExports) SuspendThread(id uint64) error {
	tcb, ok := k.lookupThread(id)
	if !ok {
		return fmt.Errorf("bridge: unknown thread id %d", id)
	}
	tcb.Suspend()
	return nil
}

// ResumeThread resumes a previously suspended thread.
func (k *KernelExports) ResumeThread(id uint64) error {
	tcb, ok := k.lookupThread(id)
	if !ok {
		return fmt.Errorf("bridge: unknown thread id %d", id)
	}
	tcb.Resume()
	return nil
}

// --- interrupts ---

func (k *KernelExports) RegisterInterruptHandler(vector int, handler interrupt.Handler) error {
	return k.Ctrl.Register(vector, handler)
}

func (k *KernelExports) RaiseInterrupt(vector int, errorCode uint64) { k.Ctrl.Fire(vector, errorCode) }

// --- debug output ---

// DebugWriteByte writes one byte to the hosted debug console, modeling
// the conventional QEMU/bochs debug port (0xe9).
func (k *KernelExports) DebugWriteByte(b byte) { fmt.Fprintf(debugWriter, "%c", b) }

// DebugWriteString writes s to the hosted debug console.
func (k *KernelExports) DebugWriteString(s string) { fmt.Fprint(debugWriter, s) }

// --- arch primitives ---

func (k *KernelExports) DisableInterrupts() archhal.InterruptState { return k.HAL.DisableInterrupts() }
func (k *KernelExports) EnableInterrupts(state archhal.InterruptState) {
	k.HAL.RestoreInterrupts(state)
}
func (k *KernelExports) Barrier()       { archhal.Barrier() }
func (k *KernelExports) InvalidateTLB() { k.HAL.InvalidateTLB() }
