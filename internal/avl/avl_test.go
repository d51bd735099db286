package avl

import "testing"

func TestInsertFindFitExact(t *testing.T) {
	a := Init(16)
	a.Insert(128, 0x1000)
	a.Insert(64, 0x2000)
	a.Insert(256, 0x3000)

	addr, ok := a.FindFit(64, 0)
	if !ok || addr != 0x2000 {
		t.Fatalf("FindFit(64) = (0x%x, %v), want (0x2000, true)", addr, ok)
	}
}

func TestFindFitSmallestSufficientHole(t *testing.T) {
	a := Init(16)
	a.Insert(256, 0x3000)
	a.Insert(128, 0x1000)

	addr, ok := a.FindFit(100, 0)
	if !ok || addr != 0x1000 {
		t.Fatalf("FindFit(100) = (0x%x, %v), want the smaller sufficient hole at 0x1000", addr, ok)
	}
}

func TestFindFitNoneFits(t *testing.T) {
	a := Init(16)
	a.Insert(32, 0x1000)
	if _, ok := a.FindFit(64, 0); ok {
		t.Fatalf("FindFit should fail when no hole is large enough")
	}
}

func TestFindFitRespectsAlignment(t *testing.T) {
	a := Init(16)
	// A hole at an address that is NOT aligned to 0x1000, too small to
	// absorb the gap plus the requested size.
	a.Insert(0x10, 0x1008)
	if _, ok := a.FindFit(0x10, 0x1000); ok {
		t.Fatalf("FindFit should reject a hole with no room for the alignment gap")
	}

	a.Insert(0x2000, 0x5000)
	addr, ok := a.FindFit(0x10, 0x1000)
	if !ok || addr != 0x5000 {
		t.Fatalf("FindFit(aligned) = (0x%x, %v), want the large aligned-capable hole", addr, ok)
	}
}

func TestRemoveThenFindFitMisses(t *testing.T) {
	a := Init(16)
	a.Insert(64, 0x2000)
	a.Remove(64, 0x2000)
	if _, ok := a.FindFit(64, 0); ok {
		t.Fatalf("hole should be gone after Remove")
	}
}

func TestRemoveOfAbsentHolePanics(t *testing.T) {
	a := Init(16)
	a.Insert(64, 0x2000)
	defer func() {
		if recover() == nil {
			t.Fatalf("Remove of an absent hole should panic")
		}
	}()
	a.Remove(64, 0x3000)
}

func TestNodePoolExhaustionPanics(t *testing.T) {
	a := Init(2)
	a.Insert(1, 1)
	a.Insert(2, 2)
	defer func() {
		if recover() == nil {
			t.Fatalf("Insert beyond capacity should panic")
		}
	}()
	a.Insert(3, 3)
}

func TestManyInsertsAndRemovesStayConsistent(t *testing.T) {
	a := Init(256)
	var sizes []uint32
	for i := uint32(1); i <= 100; i++ {
		a.Insert(i, i*0x1000)
		sizes = append(sizes, i)
	}
	for _, s := range sizes {
		if _, ok := a.FindFit(s, 0); !ok {
			t.Fatalf("expected a hole of size %d to be findable", s)
		}
	}
	for _, s := range sizes {
		a.Remove(s, s*0x1000)
	}
	if _, ok := a.FindFit(1, 0); ok {
		t.Fatalf("tree should be empty after removing every inserted hole")
	}
}
