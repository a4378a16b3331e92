// Package pagealloc implements the physical frame allocator. It owns
// one contiguous arena of host memory, obtained via unix.Mmap exactly
// the way the teacher's exec trampoline obtains its code buffer, and
// hands out fixed-size frames from a free-list sorted by base address
// so adjacent frees coalesce back into larger runs.
package pagealloc

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// FrameSize is the allocator's native unit. The VMM maps these 1:1
// into 4KiB page-table leaves, or groups 512 contiguous frames into a
// 2MiB large-page mapping.
const FrameSize = 4096

type run struct {
	base   uintptr
	frames int
}

// Arena is the physical memory backing store: one mmap'd region the
// allocator carves frames out of. Using a real mmap arena rather than
// a Go slice means offsets behave like physical addresses -- they are
// stable and comparable across the lifetime of the arena.
type Arena struct {
	mu    sync.Mutex
	mem   []byte
	base  uintptr
	total int

	free  []run // sorted by base, coalesced
	inUse map[uintptr]int
}

// NewArena mmaps sizeBytes (rounded up to FrameSize) of anonymous
// memory and returns an allocator over it. Close must be called to
// munmap the region.
func NewArena(sizeBytes int) (*Arena, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("pagealloc: size must be positive")
	}
	frames := (sizeBytes + FrameSize - 1) / FrameSize
	total := frames * FrameSize

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pagealloc: mmap arena: %w", err)
	}

	a := &Arena{
		mem:   mem,
		total: total,
		inUse: make(map[uintptr]int),
	}
	a.free = []run{{base: 0, frames: frames}}
	return a, nil
}

// Close unmaps the arena. Callers must not use the Arena afterward.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Bytes returns the backing slice for a frame at the given base
// offset, used by the VMM to read/write page-table nodes.
func (a *Arena) Bytes(base uintptr, frames int) []byte {
	return a.mem[base : base+uintptr(frames*FrameSize)]
}

// BytesAtVirt resolves a direct-map virtual address back to the
// backing frame bytes, the read path the VMM and kernel bridge use
// when a caller only has a vaddr (e.g. one handed back by
// Kernel_PhysToVirt) rather than the raw arena offset.
func (a *Arena) BytesAtVirt(vaddr uintptr, frames int) ([]byte, error) {
	paddr, ok := VirtToPhys(vaddr)
	if !ok {
		return nil, fmt.Errorf("pagealloc: %#x is not a direct-map address", vaddr)
	}
	if paddr+uintptr(frames*FrameSize) > uintptr(a.total) {
		return nil, fmt.Errorf("pagealloc: direct-map access at %#x exceeds arena bounds", vaddr)
	}
	return a.Bytes(paddr, frames), nil
}

// Allocate reserves a contiguous run of n frames and returns its base
// offset into the arena. Zeroes the frames before returning them.
func (a *Arena) Allocate(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("pagealloc: frame count must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.free {
		if r.frames < n {
			continue
		}
		base := r.base
		if r.frames == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = run{base: r.base + uintptr(n*FrameSize), frames: r.frames - n}
		}
		a.inUse[base] = n

		region := a.Bytes(base, n)
		for i := range region {
			region[i] = 0
		}
		return base, nil
	}
	return 0, fmt.Errorf("pagealloc: out of memory for %d frames", n)
}

// Free returns a previously allocated run to the free-list, coalescing
// it with any adjacent free runs.
func (a *Arena) Free(base uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.inUse[base]
	if !ok {
		return fmt.Errorf("pagealloc: base %#x is not an outstanding allocation", base)
	}
	delete(a.inUse, base)

	a.free = append(a.free, run{base: base, frames: n})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].base < a.free[j].base })

	coalesced := a.free[:1]
	for _, r := range a.free[1:] {
		last := &coalesced[len(coalesced)-1]
		if last.base+uintptr(last.frames*FrameSize) == r.base {
			last.frames += r.frames
		} else {
			coalesced = append(coalesced, r)
		}
	}
	a.free = coalesced
	return nil
}

// DirectMapBase is the virtual address the higher-half direct map
// starts at: every physical frame is visible at DirectMapBase+paddr
// for the lifetime of the arena, the same "all of RAM, always mapped"
// invariant a real kernel's physmap region provides so code walking
// page-table nodes never needs a dedicated temporary mapping just to
// read them.
const DirectMapBase = uintptr(0xffff_8000_0000_0000)

// PhysToVirt converts a physical (arena) address to its direct-map
// virtual address.
func PhysToVirt(paddr uintptr) uintptr {
	return DirectMapBase + paddr
}

// VirtToPhys converts a direct-map virtual address back to its
// physical (arena) address. ok is false if vaddr does not fall within
// the direct-map region at all.
func VirtToPhys(vaddr uintptr) (paddr uintptr, ok bool) {
	if vaddr < DirectMapBase {
		return 0, false
	}
	return vaddr - DirectMapBase, true
}

// Stats summarizes allocator state for diagnostics and tests.
type Stats struct {
	TotalFrames int
	FreeFrames  int
	UsedFrames  int
	FreeRuns    int
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := 0
	for _, r := range a.free {
		free += r.frames
	}
	total := a.total / FrameSize
	return Stats{
		TotalFrames: total,
		FreeFrames:  free,
		UsedFrames:  total - free,
		FreeRuns:    len(a.free),
	}
}

// alignUp rounds v up to the nearest multiple of align, which must be
// a power of two. Mirrors the teacher's hv.alignUp helper.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignedSize rounds a byte size up to whole frames.
func AlignedSize(n int) int {
	return int(alignUp(uintptr(n), FrameSize))
}
