package vm

import "testing"

const testRAM = 16 * 1024 * 1024

func TestBringUpIdentityMapsKernelRanges(t *testing.T) {
	v := New(testRAM)
	pd := v.KernelPageDirectory()

	for _, va := range []uint32{0, 0x1000, KernelCodeEnd - PGSIZE, VGAStart, PageTableWindowBase} {
		pa, ok := v.Translate(pd, va)
		if !ok {
			t.Fatalf("expected 0x%x to be identity-mapped at bring-up", va)
		}
		if uint32(pa) != va {
			t.Fatalf("identity map mismatch: va=0x%x pa=0x%x", va, pa)
		}
	}
}

func TestMappedFramesAreTrackedInBitmap(t *testing.T) {
	v := New(testRAM)
	pd := v.NewAddressSpace()
	pa := v.MapPage(pd, 0x40000000>>PGSHIFT, true)
	if !v.Frames().IsUsed(uint32(pa) >> PGSHIFT) {
		t.Fatalf("frame backing a mapped page must be marked used in the bitmap")
	}
}

func TestKernelHalfSharedAcrossAddressSpaces(t *testing.T) {
	v := New(testRAM)
	a := v.NewAddressSpace()
	b := v.NewAddressSpace()

	pa1, ok1 := v.Translate(a, 0)
	pa2, ok2 := v.Translate(b, 0)
	if !ok1 || !ok2 || pa1 != pa2 {
		t.Fatalf("kernel half must resolve identically across address spaces")
	}
}

func TestForkClonesUserHalfByValue(t *testing.T) {
	v := New(testRAM)
	parent := v.NewAddressSpace()
	const userVA = 0x40000000
	v.MapPage(parent, userVA>>PGSHIFT, true)
	v.WriteBytes(parent, userVA, []byte("hello"))

	child := v.CloneForFork(parent)

	got := v.ReadBytes(child, userVA, 5)
	if string(got) != "hello" {
		t.Fatalf("child should see parent's contents at fork time, got %q", got)
	}

	v.WriteBytes(child, userVA, []byte("WORLD"))
	parentAfter := v.ReadBytes(parent, userVA, 5)
	if string(parentAfter) != "hello" {
		t.Fatalf("writes in the child must not be observed by the parent, got %q", parentAfter)
	}
}

func TestUnmapUserHalfReclaimsFrames(t *testing.T) {
	v := New(testRAM)
	pd := v.NewAddressSpace()
	const userVA = 0x40000000
	pa := v.MapPage(pd, userVA>>PGSHIFT, true)
	idx := uint32(pa) >> PGSHIFT

	v.UnmapUserHalf(pd)

	if v.Frames().IsUsed(idx) {
		t.Fatalf("frame should be returned to the bitmap after UnmapUserHalf")
	}
	if _, ok := v.Translate(pd, userVA); ok {
		t.Fatalf("page should be unmapped after UnmapUserHalf")
	}
}

func TestDecodeFault(t *testing.T) {
	fk := DecodeFault(0b00111, 0xdeadb000)
	if !fk.Present || !fk.Write || !fk.User {
		t.Fatalf("DecodeFault did not decode error bits correctly: %+v", fk)
	}
	if fk.Addr != 0xdeadb000 {
		t.Fatalf("DecodeFault lost the fault address")
	}
}
