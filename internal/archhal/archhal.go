// Package archhal models the architecture hardware-abstraction-layer
// capability surface: the narrow set of primitives every other kernel
// subsystem is built on (interrupt masking, atomics, memory barriers,
// port I/O, MSR access, and bulk memory operations).
//
// There is no ring-0 to drop into under `go test`, so this package
// hosts the same invariants on top of goroutines and real atomic CPU
// instructions via gvisor's atomicbitops package rather than inline
// assembly. The nesting behavior of Disable/Restore is the part that
// actually matters to callers and is enforced here exactly as a real
// HAL would.
package archhal

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// InterruptState captures whether interrupts were enabled at the point
// they were disabled, so a nested Disable/Restore pair never
// re-enables interrupts an outer caller is still relying on being off.
type InterruptState struct {
	wasEnabled bool
}

// HAL is a single logical CPU's view of the architecture primitives.
// The kernel constructs one per modeled CPU; there is no global
// mutable state here beyond what a real core's own registers would
// hold.
type HAL struct {
	mu      sync.Mutex
	enabled bool

	tlbFlushes atomicbitops.Uint64
	msrs       map[uint32]uint64
	ports      map[uint16]byte
}

// New returns a HAL with interrupts enabled, matching the state the
// bootstrap processor is in once Arch-HAL init hands control to the
// scheduler.
func New() *HAL {
	return &HAL{enabled: true, msrs: make(map[uint32]uint64), ports: make(map[uint16]byte)}
}

// DisableInterrupts masks interrupt delivery on this CPU and returns
// the previous state for a matching RestoreInterrupts call.
func (h *HAL) DisableInterrupts() InterruptState {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.enabled
	h.enabled = false
	return InterruptState{wasEnabled: prev}
}

// RestoreInterrupts re-enables interrupts only if the matching Disable
// call observed them enabled, so nested disable/restore pairs compose
// correctly: the innermost Restore never clobbers an outer Disable.
func (h *HAL) RestoreInterrupts(state InterruptState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = state.wasEnabled
}

// InterruptsEnabled reports the current masking state.
func (h *HAL) InterruptsEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// Barrier models a full memory barrier (mfence-equivalent): every
// store before the call is visible to every other CPU before any load
// after it. Go's memory model gives happens-before through the
// underlying atomic instruction, which is what a real fence traps to
// anyway.
func Barrier() {
	var b atomicbitops.Uint32
	b.Add(1)
}

// CompareAndSwap64 is the HAL's exposed CAS primitive on an
// atomicbitops.Uint64.
func CompareAndSwap64(addr *atomicbitops.Uint64, old, new uint64) bool {
	return addr.CompareAndSwap(old, new)
}

// WriteMSR models WRMSR. Real MSRs are per-core and privileged; this
// HAL keeps a per-HAL map so tests can observe what the kernel wrote
// without needing actual ring-0 access.
func (h *HAL) WriteMSR(reg uint32, value uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msrs[reg] = value
}

// ReadMSR models RDMSR.
func (h *HAL) ReadMSR(reg uint32) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.msrs[reg]
	if !ok {
		return 0, fmt.Errorf("archhal: msr %#x never written", reg)
	}
	return v, nil
}

// OutByte models the OUT instruction: a byte-wide write to an I/O
// port. Like WriteMSR, the "device" behind the port is just a per-HAL
// map, since there's no real chipset under `go test`.
func (h *HAL) OutByte(port uint16, value byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports[port] = value
}

// InByte models the IN instruction: a byte-wide read from an I/O
// port. A port that was never written reads as zero, the same
// "floating bus" convention real unmapped I/O space settles to.
func (h *HAL) InByte(port uint16) byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[port]
}

// InvalidateTLB models INVLPG/INVPCID for one page's worth of
// translation by incrementing the flush counter that TLBFlushCount
// reports.
func (h *HAL) InvalidateTLB() {
	h.tlbFlushes.Add(1)
}

// TLBFlushCount reports how many invalidations this HAL has issued.
func (h *HAL) TLBFlushCount() uint64 {
	return h.tlbFlushes.Load()
}

// Memcpy and Memset model the HAL's bulk memory primitives. They
// operate on host memory directly since the physical arena is
// itself host memory (see pagealloc.Arena).
func Memcpy(dst, src []byte) int { return copy(dst, src) }

func Memset(dst []byte, value byte) {
	for i := range dst {
		dst[i] = value
	}
}
