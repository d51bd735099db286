// Package vm implements VirtualMemory: per-address-space page directories,
// the pre-paging identity bring-up map, post-paging page/frame mapping,
// fork-time address-space cloning, and page-fault decoding. Grounded on
// rawOS's original src/paging.c/.h for the two-level 32-bit x86 page
// table shape and on biscuit's vm/as.go and mem/mem.go for the Go idiom
// (Pa_t physical addresses, PTE_* flag constants, panic on
// inconsistency). VM_t holds no lock of its own.
//
// This package also stands in for physical RAM: since the surrounding
// module never actually runs in ring 0 on real hardware, each allocated
// frame is backed by a []byte content slice keyed by its physical
// address, the same role biscuit's direct map (dmap.go) plays for a real
// kernel.
package vm

import (
	"fmt"

	"github.com/felipeek/rawOS/internal/defs"
	"github.com/felipeek/rawOS/internal/frame"
)

const (
	PGSHIFT = frame.PGSHIFT
	PGSIZE  = frame.PGSIZE

	/// PTE_P marks a page as present.
	PTE_P uint32 = 1 << 0
	/// PTE_W marks a page writable.
	PTE_W uint32 = 1 << 1
	/// PTE_U marks a page user-accessible.
	PTE_U uint32 = 1 << 2
	/// PTE_A marks a page as accessed by the CPU.
	PTE_A uint32 = 1 << 5
	/// PTE_D marks a page as written to by the CPU.
	PTE_D uint32 = 1 << 6

	/// frameMask extracts the page-aligned frame address from a PTE.
	frameMask uint32 = 0xFFFFF000

	/// entriesPerTable is the number of entries in one page table or
	/// page directory (§3: "1024 PageEntries").
	entriesPerTable = 1024

	/// kernelHalfPDEs is the size of the shared kernel half of every
	/// address space (glossary: "the lower 1 GiB... of the 32-bit
	/// virtual address space"). Expressed in page-directory entries: one
	/// PDE covers 4 MiB, so 1 GiB is 256 entries.
	kernelHalfPDEs = 256

	/// Fixed addresses from spec.md §6.
	KernelCodeEnd       uint32 = 0x000A0000
	VGAStart            uint32 = 0x000A0000
	VGAEnd              uint32 = 0x000C0000
	PageTableWindowBase uint32 = 0x00100000
	PageTableWindowEnd  uint32 = 0x00500000
	HeapBase            uint32 = 0x00500000
	KernelStackTop      uint32 = 0xC0000000
)

/// PageEntry_t is a 32-bit hardware page-table entry: a page-aligned
/// frame address in its high 20 bits, OR-ed with flag bits in the low 12,
/// matching spec.md §3's PageEntry bitfield (present, writable, user,
/// accessed, dirty, frame-index).
type PageEntry_t uint32

func (e PageEntry_t) Present() bool  { return uint32(e)&PTE_P != 0 }
func (e PageEntry_t) Writable() bool { return uint32(e)&PTE_W != 0 }
func (e PageEntry_t) User() bool     { return uint32(e)&PTE_U != 0 }

/// FrameAddr returns the physical frame this entry maps, or 0 if absent.
func (e PageEntry_t) FrameAddr() frame.Pa_t {
	return frame.Pa_t(uint32(e) & frameMask)
}

func mkPTE(pa frame.Pa_t, flags uint32) PageEntry_t {
	if uint32(pa)&^frameMask != 0 {
		panic("vm: frame address not page-aligned")
	}
	return PageEntry_t(uint32(pa) | flags)
}

/// PageTable_t holds 1024 page entries and must be backed by a single
/// page-aligned physical frame (spec.md §3).
type PageTable_t struct {
	entries [entriesPerTable]PageEntry_t
	frame   frame.Pa_t
}

/// PageDirectory_t is the dual representation described in spec.md §3:
/// logical pointers to PageTables for kernel navigation, plus the raw
/// hardware words the CPU would consume from CR3.
type PageDirectory_t struct {
	tables [entriesPerTable]*PageTable_t
	hw     [entriesPerTable]uint32
	frame  frame.Pa_t
}

// checkInvariant asserts the dual representation agrees on presence, per
// spec.md §3's invariant for PageEntry and, by extension, the directory.
func (pd *PageDirectory_t) checkInvariant(idx int) {
	present := pd.hw[idx]&PTE_P != 0
	if present != (pd.tables[idx] != nil) {
		panic("vm: page directory logical/hardware views disagree")
	}
}

/// VM_t is the kernel's memory manager: the frame bitmap, the simulated
/// physical RAM content, and the shared kernel page tables aliased by
/// every address space.
type VM_t struct {
	frames *frame.Bitmap_t
	ram    map[frame.Pa_t][]byte

	kernelPD *PageDirectory_t
	// ptWindowNext is not read anywhere: page-table frames come from
	// allocFrame like any other frame, and bring-up pre-allocates every
	// kernel-half table, so none is created for the kernel half later.
	ptWindowNext uint32
}

/// New creates a VirtualMemory manager over ramBytes of addressable
/// physical memory and performs the pre-paging bring-up identity map.
func New(ramBytes uint32) *VM_t {
	vm := &VM_t{
		frames: frame.Init(ramBytes),
		ram:    make(map[frame.Pa_t][]byte),
	}
	vm.bringUp()
	return vm
}

func (vm *VM_t) allocFrame() frame.Pa_t {
	pa := vm.frames.Alloc()
	vm.ram[pa] = make([]byte, PGSIZE)
	return pa
}

/// FrameBytes returns the content slice for an allocated physical frame.
/// It panics if the frame was never allocated through this manager.
func (vm *VM_t) FrameBytes(pa frame.Pa_t) []byte {
	b, ok := vm.ram[frame.Pa_t(uint32(pa)&^0xFFF)]
	if !ok {
		panic(fmt.Sprintf("vm: frame 0x%x not allocated", pa))
	}
	return b
}

func pdeIndex(va uint32) int { return int(va >> 22) }
func pteIndex(va uint32) int { return int((va >> 12) & 0x3FF) }

/// newTable allocates a fresh, page-aligned page table frame and zeroes
/// it. A test byte is written and read back to assert the frame is truly
/// addressable, catching MMIO-reserved physical regions (spec.md §4.3(b)).
func (vm *VM_t) newTable() *PageTable_t {
	pa := vm.allocFrame()
	buf := vm.FrameBytes(pa)
	buf[0] = 0x5a
	if buf[0] != 0x5a {
		panic("vm: newly allocated frame is not addressable")
	}
	for i := range buf {
		buf[i] = 0
	}
	return &PageTable_t{frame: pa}
}

// ensureTable returns the page table for pdIdx in pd, creating it (and
// linking both the logical and hardware views) if absent.
func (vm *VM_t) ensureTable(pd *PageDirectory_t, pdIdx int, userMode bool) *PageTable_t {
	if pd.tables[pdIdx] != nil {
		pd.checkInvariant(pdIdx)
		return pd.tables[pdIdx]
	}
	pt := vm.newTable()
	pd.tables[pdIdx] = pt
	flags := PTE_P | PTE_W
	if userMode {
		flags |= PTE_U
	}
	pd.hw[pdIdx] = uint32(pt.frame) | flags
	pd.checkInvariant(pdIdx)
	return pt
}

/// MapPage allocates a free frame from the frame bitmap, installs it at
/// virtual page vpn (4 KiB units) in pd, and returns the frame's physical
/// address. userMode controls the PTE_U bit on both the table and the
/// page (spec.md §4.3(b)).
func (vm *VM_t) MapPage(pd *PageDirectory_t, vpn uint32, userMode bool) frame.Pa_t {
	va := vpn << PGSHIFT
	pdIdx, ptIdx := pdeIndex(va), pteIndex(va)
	pt := vm.ensureTable(pd, pdIdx, userMode)
	if pt.entries[ptIdx].Present() {
		panic("vm: page already mapped")
	}
	pa := vm.allocFrame()
	flags := PTE_P | PTE_W
	if userMode {
		flags |= PTE_U
	}
	pt.entries[ptIdx] = mkPTE(pa, flags)
	return pa
}

/// MapPageAt maps vpn to an already-allocated physical frame pa, used
/// when cloning an address space frame-by-frame.
func (vm *VM_t) MapPageAt(pd *PageDirectory_t, vpn uint32, pa frame.Pa_t, userMode bool) {
	va := vpn << PGSHIFT
	pdIdx, ptIdx := pdeIndex(va), pteIndex(va)
	pt := vm.ensureTable(pd, pdIdx, userMode)
	flags := PTE_P | PTE_W
	if userMode {
		flags |= PTE_U
	}
	pt.entries[ptIdx] = mkPTE(pa, flags)
}

/// Translate returns the physical frame backing va in pd, if present.
func (vm *VM_t) Translate(pd *PageDirectory_t, va uint32) (frame.Pa_t, bool) {
	pdIdx, ptIdx := pdeIndex(va), pteIndex(va)
	pt := pd.tables[pdIdx]
	if pt == nil || !pt.entries[ptIdx].Present() {
		return 0, false
	}
	return pt.entries[ptIdx].FrameAddr(), true
}

/// ReadBytes copies n bytes starting at virtual address va in pd. It
/// panics on an unmapped page (callers are expected to have faulted the
/// region in first; there is no user-mode equivalent of this helper).
func (vm *VM_t) ReadBytes(pd *PageDirectory_t, va uint32, n int) []byte {
	out := make([]byte, n)
	off := 0
	for off < n {
		pageVA := va + uint32(off)
		pa, ok := vm.Translate(pd, pageVA)
		if !ok {
			panic("vm: read from unmapped page")
		}
		voff := pageVA & uint32(PGSIZE-1)
		buf := vm.FrameBytes(pa)
		c := copy(out[off:], buf[voff:])
		off += c
	}
	return out
}

/// WriteBytes copies data into pd starting at virtual address va.
func (vm *VM_t) WriteBytes(pd *PageDirectory_t, va uint32, data []byte) {
	off := 0
	for off < len(data) {
		pageVA := va + uint32(off)
		pa, ok := vm.Translate(pd, pageVA)
		if !ok {
			panic("vm: write to unmapped page")
		}
		voff := pageVA & uint32(PGSIZE-1)
		buf := vm.FrameBytes(pa)
		c := copy(buf[voff:], data[off:])
		off += c
	}
}

// bringUp constructs the kernel PageDirectory before paging is enabled,
// identity-mapping kernel code/data, the VGA MMIO window, the page-table
// backing store, and pre-allocating every page table that could ever
// back a page-table frame, solving the chicken-and-egg problem named in
// spec.md §4.3(a). Every kernel-half table is pre-allocated here, so no
// living address space ever has to be re-synchronised with a kernel-half
// table created later.
func (vm *VM_t) bringUp() {
	// Reserve the identity-mapped frames before the directory and its
	// tables take theirs, so none of those lands inside an identity range.
	for _, r := range [][2]uint32{{0, KernelCodeEnd}, {VGAStart, VGAEnd}, {PageTableWindowBase, PageTableWindowEnd}} {
		for va := r[0]; va < r[1]; va += PGSIZE {
			vm.frames.MarkUsed(va >> PGSHIFT)
			vm.ram[frame.Pa_t(va)] = make([]byte, PGSIZE)
		}
	}

	pd := &PageDirectory_t{}
	pd.frame = vm.allocFrame()
	vm.kernelPD = pd

	for pdIdx := 0; pdIdx < kernelHalfPDEs; pdIdx++ {
		vm.ensureTable(pd, pdIdx, false)
	}

	identityMap := func(lo, hi uint32) {
		for va := lo; va < hi; va += PGSIZE {
			vm.MapPageAt(pd, va>>PGSHIFT, frame.Pa_t(va), false)
		}
	}
	identityMap(0, KernelCodeEnd)
	identityMap(VGAStart, VGAEnd)
	identityMap(PageTableWindowBase, PageTableWindowEnd)
}

/// KernelPageDirectory returns the shared, bring-up-constructed kernel
/// page directory.
func (vm *VM_t) KernelPageDirectory() *PageDirectory_t {
	return vm.kernelPD
}

/// NewAddressSpace creates a fresh address space that aliases the kernel
/// half of kernelPD by linking the same PageTable pointers and identical
/// hardware words (spec.md §4.3(c)). The user half starts empty.
func (vm *VM_t) NewAddressSpace() *PageDirectory_t {
	pd := &PageDirectory_t{}
	pd.frame = vm.allocFrame()
	for i := 0; i < kernelHalfPDEs; i++ {
		pd.tables[i] = vm.kernelPD.tables[i]
		pd.hw[i] = vm.kernelPD.hw[i]
	}
	return pd
}

/// CloneForFork clones the user half of src by value -- allocating a new
/// frame for every present user page and copying its contents -- and
/// aliases the kernel half by reference, per spec.md §4.3(c).
func (vm *VM_t) CloneForFork(src *PageDirectory_t) *PageDirectory_t {
	dst := vm.NewAddressSpace()
	for pdIdx := kernelHalfPDEs; pdIdx < entriesPerTable; pdIdx++ {
		srcTable := src.tables[pdIdx]
		if srcTable == nil {
			continue
		}
		for ptIdx := 0; ptIdx < entriesPerTable; ptIdx++ {
			e := srcTable.entries[ptIdx]
			if !e.Present() {
				continue
			}
			vpn := uint32(pdIdx)<<10 | uint32(ptIdx)
			newPa := vm.allocFrame()
			copy(vm.FrameBytes(newPa), vm.FrameBytes(e.FrameAddr()))
			vm.MapPageAt(dst, vpn, newPa, e.User())
		}
	}
	return dst
}

/// UnmapUserHalf reclaims every present user-half page of pd, returning
/// its frames (and page-table frames) to the bitmap. Used by exit (§4.5)
/// and execve before reloading a fresh image.
func (vm *VM_t) UnmapUserHalf(pd *PageDirectory_t) {
	for pdIdx := kernelHalfPDEs; pdIdx < entriesPerTable; pdIdx++ {
		pt := pd.tables[pdIdx]
		if pt == nil {
			continue
		}
		for ptIdx := 0; ptIdx < entriesPerTable; ptIdx++ {
			e := pt.entries[ptIdx]
			if e.Present() {
				vm.frames.Free(e.FrameAddr())
				delete(vm.ram, e.FrameAddr())
				pt.entries[ptIdx] = 0
			}
		}
		vm.frames.Free(pt.frame)
		delete(vm.ram, pt.frame)
		pd.tables[pdIdx] = nil
		pd.hw[pdIdx] = 0
	}
}

/// PageDirFrame returns the physical frame holding pd's hardware table
/// array, the value that would be loaded into CR3.
func (vm *VM_t) PageDirFrame(pd *PageDirectory_t) frame.Pa_t {
	return pd.frame
}

/// Frames exposes the frame allocator, e.g. for the heap's Mapper.
func (vm *VM_t) Frames() *frame.Bitmap_t {
	return vm.frames
}

/// HeapMapper adapts VM_t to the heap package's Mapper interface: each
/// call to MapPage hands the kernel heap the next page of its own
/// virtual range, kernel-mode, growing upward from a fixed base (spec.md
/// §6: "kernel heap grows upward").
type HeapMapper struct {
	vm      *VM_t
	pd      *PageDirectory_t
	base    uint32
	nPages  uint32
}

/// NewHeapMapper binds a HeapMapper to pd's address space, starting at
/// virtual address base.
func NewHeapMapper(vmm *VM_t, pd *PageDirectory_t, base uint32) *HeapMapper {
	return &HeapMapper{vm: vmm, pd: pd, base: base}
}

func (m *HeapMapper) MapPage() {
	vpn := (m.base >> PGSHIFT) + m.nPages
	m.vm.MapPage(m.pd, vpn, false)
	m.nPages++
}

/// FaultKind describes the decoded cause of a page fault (spec.md
/// §4.3's page-fault handler).
type FaultKind struct {
	Present bool
	Write   bool
	User    bool
	Reserved bool
	Fetch   bool
	Addr    uint32
}

// DecodeFault decodes the hardware error-code bits of a page fault.
func DecodeFault(errcode uint32, faultAddr uint32) FaultKind {
	return FaultKind{
		Present:  errcode&1 != 0,
		Write:    errcode&2 != 0,
		User:     errcode&4 != 0,
		Reserved: errcode&8 != 0,
		Fetch:    errcode&16 != 0,
		Addr:     faultAddr,
	}
}

/// HandleFault implements spec.md §4.3's fatal-fault policy: every fault
/// is fatal. With ringZero it panics the kernel; otherwise it only logs
/// and returns, and the caller (internal/kernel's HandlePageFault) kills
/// the faulting process.
func HandleFault(fk FaultKind, ringZero bool, log defs.Console) {
	msg := fmt.Sprintf("page fault at 0x%x (present=%v write=%v user=%v reserved=%v fetch=%v)",
		fk.Addr, fk.Present, fk.Write, fk.User, fk.Reserved, fk.Fetch)
	if log != nil {
		log.Print(msg + "\n")
	}
	if ringZero {
		panic(msg)
	}
}
