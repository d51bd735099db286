package frame

import "testing"

func TestAllocMarksUsedAndFreeReleases(t *testing.T) {
	b := Init(4 * PGSIZE)
	pa := b.Alloc()
	idx := uint32(pa) >> PGSHIFT
	if !b.IsUsed(idx) {
		t.Fatalf("frame %d should be marked used after Alloc", idx)
	}
	b.Free(pa)
	if b.IsUsed(idx) {
		t.Fatalf("frame %d should be free after Free", idx)
	}
}

func TestAllocNeverReturnsSameFrameTwice(t *testing.T) {
	b := Init(4 * PGSIZE)
	seen := map[Pa_t]bool{}
	for i := 0; i < 4; i++ {
		pa := b.Alloc()
		if seen[pa] {
			t.Fatalf("frame 0x%x allocated twice", pa)
		}
		seen[pa] = true
	}
}

func TestExhaustionPanics(t *testing.T) {
	b := Init(2 * PGSIZE)
	b.Alloc()
	b.Alloc()
	defer func() {
		if recover() == nil {
			t.Fatalf("allocating beyond capacity should panic")
		}
	}()
	b.Alloc()
}

func TestPageRoundup(t *testing.T) {
	if got := PageRoundup(1); got != PGSIZE {
		t.Fatalf("PageRoundup(1) = %d, want %d", got, PGSIZE)
	}
	if got := PageRoundup(PGSIZE); got != PGSIZE {
		t.Fatalf("PageRoundup(PGSIZE) = %d, want %d", got, PGSIZE)
	}
	if got := PageRoundup(PGSIZE + 1); got != 2*PGSIZE {
		t.Fatalf("PageRoundup(PGSIZE+1) = %d, want %d", got, 2*PGSIZE)
	}
}
