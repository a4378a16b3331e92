// Package vmm implements the virtual memory manager: a 4-level
// page-table tree (PML4/PDPT/PD/PT, matching amd64 long mode) walked
// in software over a pagealloc.Arena, plus the null-guard page that
// makes address zero permanently unmapped.
//
// Protection is expressed with gvisor's hostarch.AccessType so the
// same Read/Write/Execute vocabulary the rest of the pack uses for
// memory permissions applies here too, rather than a bespoke flags
// enum.
package vmm

import (
	"fmt"

	"github.com/protonos/core/internal/pagealloc"
	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	entriesPerTable = 512
	levels          = 4 // PML4, PDPT, PD, PT

	flagPresent  = uint64(1) << 0
	flagWritable = uint64(1) << 1
	flagUser     = uint64(1) << 2
	flagNoExec   = uint64(1) << 63
	flagLarge    = uint64(1) << 7 // valid at PDPT/PD levels only

	addrMask = uint64(0x000ffffffffff000)
)

// LargePageSize is the size of a PD-level leaf mapping (2MiB), mirroring
// amd64 long mode's large-page support.
const LargePageSize = 512 * pagealloc.FrameSize

// AddressSpace owns one PML4 root and the arena its page-table nodes
// and mapped frames are carved from.
type AddressSpace struct {
	arena *pagealloc.Arena
	root  uintptr // arena offset of the PML4 table

	// identityBase is the arena offset of the 2MiB low-memory identity
	// map's backing frames (frame i lives at identityBase+i*FrameSize),
	// installed once by NewAddressSpace.
	identityBase uintptr
}

// NewAddressSpace builds a fresh address space with the low 2MiB split
// from a single large page into 4KiB leaves: entry 0 of that range (the
// page containing virtual address 0) is left non-present -- the null
// guard page -- while entries 1..511 are identity-mapped
// present+writable, giving the kernel a ready-made low-memory window
// without a second allocator pass once boot reaches protected-mode
// code that assumes one.
//
// The identity frames must be the arena's very first allocation: only
// then does frame i's arena offset equal its own i*FrameSize vaddr,
// which is what "identity" means here.
func NewAddressSpace(arena *pagealloc.Arena) (*AddressSpace, error) {
	identityBase, err := arena.Allocate(entriesPerTable)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate low-memory identity map: %w", err)
	}
	if identityBase != 0 {
		return nil, fmt.Errorf("vmm: low-memory identity map requires a fresh arena (got base %#x)", identityBase)
	}

	root, err := arena.Allocate(1)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate pml4: %w", err)
	}

	as := &AddressSpace{arena: arena, root: root, identityBase: identityBase}

	ptBase, ptIndex, err := as.walkOrCreate(0)
	if err != nil {
		return nil, fmt.Errorf("vmm: build null-guard split: %w", err)
	}
	if ptIndex != 0 {
		return nil, fmt.Errorf("vmm: internal error: null guard did not land on PT index 0")
	}
	// ptIndex 0 (vaddr 0) is left at its freshly-allocated zero value:
	// present bit clear, the null guard. Entries 1..511 identity-map the
	// rest of the 2MiB range present+writable.
	for i := 1; i < entriesPerTable; i++ {
		paddr := uintptr(i * pagealloc.FrameSize)
		entry := (uint64(paddr) & addrMask) | flagPresent | flagWritable
		as.storeEntry(ptBase, i, entry)
	}

	return as, nil
}

// ErrNullGuard is returned whenever an operation would create or
// resolve a mapping at virtual address 0.
var ErrNullGuard = fmt.Errorf("vmm: address 0 is permanently unmapped")

func (as *AddressSpace) table(base uintptr) []uint64 {
	raw := as.arena.Bytes(base, 1)
	entries := make([]uint64, entriesPerTable)
	for i := range entries {
		entries[i] = leUint64(raw[i*8:])
	}
	return entries
}

func (as *AddressSpace) storeEntry(base uintptr, index int, entry uint64) {
	raw := as.arena.Bytes(base, 1)
	putLeUint64(raw[index*8:], entry)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func tableIndices(vaddr uint64) [levels]int {
	return [levels]int{
		int((vaddr >> 39) & 0x1ff), // PML4
		int((vaddr >> 30) & 0x1ff), // PDPT
		int((vaddr >> 21) & 0x1ff), // PD
		int((vaddr >> 12) & 0x1ff), // PT
	}
}

func protFlags(access hostarch.AccessType, user bool) uint64 {
	f := flagPresent
	if access.Write {
		f |= flagWritable
	}
	if !access.Execute {
		f |= flagNoExec
	}
	if user {
		f |= flagUser
	}
	return f
}

// walkOrCreate descends the table tree for vaddr, allocating
// intermediate tables on demand, and returns the leaf PT's arena base
// plus the index within it where the PTE for vaddr lives.
func (as *AddressSpace) walkOrCreate(vaddr uint64) (ptBase uintptr, ptIndex int, err error) {
	idx := tableIndices(vaddr)
	base := as.root
	for level := 0; level < levels-1; level++ {
		entries := as.table(base)
		entry := entries[idx[level]]
		if entry&flagPresent == 0 {
			child, allocErr := as.arena.Allocate(1)
			if allocErr != nil {
				return 0, 0, fmt.Errorf("vmm: allocate level %d table: %w", level, allocErr)
			}
			entry = (uint64(child) & addrMask) | flagPresent | flagWritable
			as.storeEntry(base, idx[level], entry)
		}
		base = uintptr(entry & addrMask)
	}
	return base, idx[levels-1], nil
}

// MapPage installs a 4KiB mapping from vaddr to the physical frame at
// paddr with the given access rights.
func (as *AddressSpace) MapPage(vaddr uint64, paddr uintptr, access hostarch.AccessType, user bool) error {
	if vaddr == 0 {
		return ErrNullGuard
	}
	if vaddr%pagealloc.FrameSize != 0 {
		return fmt.Errorf("vmm: vaddr %#x is not frame-aligned", vaddr)
	}
	ptBase, ptIndex, err := as.walkOrCreate(vaddr)
	if err != nil {
		return err
	}
	entry := (uint64(paddr) & addrMask) | protFlags(access, user)
	as.storeEntry(ptBase, ptIndex, entry)
	return nil
}

// MapLargePage installs a 2MiB mapping at the PD level, skipping the
// PT entirely the way amd64 large pages do.
func (as *AddressSpace) MapLargePage(vaddr uint64, paddr uintptr, access hostarch.AccessType, user bool) error {
	if vaddr == 0 {
		return ErrNullGuard
	}
	if vaddr%LargePageSize != 0 {
		return fmt.Errorf("vmm: vaddr %#x is not 2MiB-aligned", vaddr)
	}
	idx := tableIndices(vaddr)
	base := as.root
	for level := 0; level < levels-2; level++ {
		entries := as.table(base)
		entry := entries[idx[level]]
		if entry&flagPresent == 0 {
			child, err := as.arena.Allocate(1)
			if err != nil {
				return fmt.Errorf("vmm: allocate level %d table: %w", level, err)
			}
			entry = (uint64(child) & addrMask) | flagPresent | flagWritable
			as.storeEntry(base, idx[level], entry)
		}
		base = uintptr(entry & addrMask)
	}
	entry := (uint64(paddr) & addrMask) | protFlags(access, user) | flagLarge
	as.storeEntry(base, idx[2], entry)
	return nil
}

// Unmap clears the mapping for vaddr's containing 4KiB page, if any,
// and counts as a TLB-invalidating operation at the call site (the
// HAL's InvalidateTLB is invoked by the caller, not here, since the
// VMM itself has no HAL reference per CPU).
func (as *AddressSpace) Unmap(vaddr uint64) error {
	if vaddr == 0 {
		return ErrNullGuard
	}
	ptBase, ptIndex, err := as.walkOrCreate(vaddr)
	if err != nil {
		return err
	}
	as.storeEntry(ptBase, ptIndex, 0)
	return nil
}

// ChangeProtection updates the access rights of an existing mapping
// without altering the physical frame it points to.
func (as *AddressSpace) ChangeProtection(vaddr uint64, access hostarch.AccessType, user bool) error {
	if vaddr == 0 {
		return ErrNullGuard
	}
	ptBase, ptIndex, err := as.walkOrCreate(vaddr)
	if err != nil {
		return err
	}
	entries := as.table(ptBase)
	entry := entries[ptIndex]
	if entry&flagPresent == 0 {
		return fmt.Errorf("vmm: vaddr %#x is not mapped", vaddr)
	}
	paddr := entry & addrMask
	as.storeEntry(ptBase, ptIndex, paddr|protFlags(access, user))
	return nil
}

// Translate walks the tree for vaddr and returns the physical frame it
// resolves to, without allocating any missing intermediate tables.
func (as *AddressSpace) Translate(vaddr uint64) (paddr uintptr, access hostarch.AccessType, err error) {
	if vaddr == 0 {
		return 0, hostarch.AccessType{}, ErrNullGuard
	}
	idx := tableIndices(vaddr)
	base := as.root
	for level := 0; level < levels-1; level++ {
		entries := as.table(base)
		entry := entries[idx[level]]
		if entry&flagPresent == 0 {
			return 0, hostarch.AccessType{}, fmt.Errorf("vmm: vaddr %#x is not mapped", vaddr)
		}
		if entry&flagLarge != 0 {
			offset := uintptr(vaddr%LargePageSize) &^ (pagealloc.FrameSize - 1)
			return uintptr(entry&addrMask) + offset, accessFromFlags(entry), nil
		}
		base = uintptr(entry & addrMask)
	}
	entries := as.table(base)
	entry := entries[idx[levels-1]]
	if entry&flagPresent == 0 {
		return 0, hostarch.AccessType{}, fmt.Errorf("vmm: vaddr %#x is not mapped", vaddr)
	}
	return uintptr(entry & addrMask), accessFromFlags(entry), nil
}

func accessFromFlags(entry uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    true,
		Write:   entry&flagWritable != 0,
		Execute: entry&flagNoExec == 0,
	}
}
