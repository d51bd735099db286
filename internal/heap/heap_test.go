package heap

import "testing"

type fakeMapper struct{ calls int }

func (m *fakeMapper) MapPage() { m.calls++ }

func TestAllocFreeCoalesceReusesSameAddress(t *testing.T) {
	m := &fakeMapper{}
	h := New(m, 2)

	p1 := h.AllocSize(4097)
	h.Free(p1)
	p2 := h.AllocSize(4097)

	if p1 != p2 {
		t.Fatalf("expected re-alloc of the same size to reuse the coalesced hole: got 0x%x then 0x%x", p1, p2)
	}
}

func TestAlignedAllocAbsorbsGapIntoPreviousBlock(t *testing.T) {
	m := &fakeMapper{}
	h := New(m, 2)

	sentinel := h.AllocSize(1)
	aligned := h.Alloc(16, 0x1000)

	if aligned%0x1000 != 0 {
		t.Fatalf("aligned allocation 0x%x is not a multiple of 0x1000", aligned)
	}

	sentinelHeaderOff := sentinel - headerSize
	_, sentinelSize, used := h.readHeader(sentinelHeaderOff)
	if !used {
		t.Fatalf("sentinel block should still be marked used")
	}
	// The sentinel's block must have grown to absorb the alignment gap:
	// its footer must now sit immediately before the aligned block's
	// header.
	footerOff := sentinelHeaderOff + headerSize + sentinelSize
	if footerOff+footerSize != aligned-headerSize {
		t.Fatalf("gap between sentinel and aligned block was not absorbed: footer ends at %d, aligned header at %d",
			footerOff+footerSize, aligned-headerSize)
	}
}

func TestAllocExpandsHeapOnMiss(t *testing.T) {
	m := &fakeMapper{}
	h := New(m, 1)
	before := m.calls

	// One page minus overhead is available; force expansion.
	h.AllocSize(4090)

	if m.calls <= before {
		t.Fatalf("expected at least one page to be mapped in, got %d calls", m.calls)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	m := &fakeMapper{}
	h := New(m, 2)
	p := h.AllocSize(16)
	h.Free(p)
	defer func() {
		if recover() == nil {
			t.Fatalf("double free should panic")
		}
	}()
	h.Free(p)
}

func TestReallocGrowsAndPreservesContents(t *testing.T) {
	m := &fakeMapper{}
	h := New(m, 2)
	p := h.AllocSize(8)
	copy(h.Bytes()[p:p+8], []byte("ABCDEFGH"))

	np := h.Realloc(p, 8, 64)
	if string(h.Bytes()[np:np+8]) != "ABCDEFGH" {
		t.Fatalf("realloc did not preserve original contents")
	}
}

func TestReallocShrinkReturnsSamePointer(t *testing.T) {
	m := &fakeMapper{}
	h := New(m, 2)
	p := h.AllocSize(64)
	if h.Realloc(p, 64, 32) != p {
		t.Fatalf("realloc to a smaller size must return the same pointer")
	}
}
