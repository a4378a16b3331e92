package pagealloc

import "testing"

func TestAllocateFreeCoalesce(t *testing.T) {
	a, err := NewArena(16 * FrameSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	b1, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b2, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b2 != b1+4*FrameSize {
		t.Fatalf("expected contiguous allocation, got %#x then %#x", b1, b2)
	}

	if err := a.Free(b1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(b2); err != nil {
		t.Fatalf("Free: %v", err)
	}

	stats := a.Stats()
	if stats.FreeRuns != 1 {
		t.Fatalf("expected coalesced single free run, got %d runs", stats.FreeRuns)
	}
	if stats.FreeFrames != stats.TotalFrames {
		t.Fatalf("expected all frames free after coalescing, got %d/%d", stats.FreeFrames, stats.TotalFrames)
	}
}

func TestAllocateZeroesMemory(t *testing.T) {
	a, err := NewArena(4 * FrameSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	base, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	region := a.Bytes(base, 1)
	region[0] = 0xff
	if err := a.Free(base); err != nil {
		t.Fatalf("Free: %v", err)
	}

	base2, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	region2 := a.Bytes(base2, 1)
	if region2[0] != 0 {
		t.Fatalf("expected zeroed frame on reallocation, got %#x", region2[0])
	}
}

func TestOutOfMemory(t *testing.T) {
	a, err := NewArena(2 * FrameSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	if _, err := a.Allocate(3); err == nil {
		t.Fatalf("expected out-of-memory error")
	}
}

func TestPhysToVirtVirtToPhysRoundTrip(t *testing.T) {
	a, err := NewArena(4 * FrameSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	base, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	vaddr := PhysToVirt(base)
	if vaddr < DirectMapBase {
		t.Fatalf("expected direct-map vaddr above %#x, got %#x", DirectMapBase, vaddr)
	}
	paddr, ok := VirtToPhys(vaddr)
	if !ok || paddr != base {
		t.Fatalf("VirtToPhys(%#x) = %#x, %v; want %#x, true", vaddr, paddr, ok, base)
	}

	region, err := a.BytesAtVirt(vaddr, 1)
	if err != nil {
		t.Fatalf("BytesAtVirt: %v", err)
	}
	region[0] = 0x42
	if a.Bytes(base, 1)[0] != 0x42 {
		t.Fatalf("expected direct-map write to alias the physical frame")
	}
}

func TestVirtToPhysRejectsNonDirectMapAddress(t *testing.T) {
	if _, ok := VirtToPhys(0x1000); ok {
		t.Fatalf("expected low address to not resolve through the direct map")
	}
}

func TestDoubleFree(t *testing.T) {
	a, err := NewArena(2 * FrameSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	base, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(base); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(base); err == nil {
		t.Fatalf("expected error on double free")
	}
}
