// Package rawx implements the RawX loader: header/section/import-table
// parsing and validation, page-by-page section placement, import-table
// call-address rewriting against the syscall-stub catalogue, and stack
// creation. Grounded on rawOS's original src/rawx.c byte-for-byte, with
// the pointer-cast struct overlays translated to encoding/binary reads
// over a []byte, the idiom internal/ramdisk also uses.
package rawx

import (
	"encoding/binary"
	"fmt"

	"github.com/felipeek/rawOS/internal/vm"
)

const (
	Magic   = "RAWX"
	Version = 0

	ArchX86 uint32 = 0x1

	/// StackAddress is the fixed top of every process's user stack
	/// (spec.md §6).
	StackAddress uint32 = 0xC0000000
	/// StackMaxReservedPages bounds how large a requested user stack may
	/// be, leaving room below it for the import page.
	StackMaxReservedPages uint32 = 2048
	/// ImportMaxReservedPages reserves space below the stack region for
	/// the copied syscall-stub thunks.
	ImportMaxReservedPages uint32 = 2048

	/// KernelStackAddressInProcessAddressSpace is the fixed high virtual
	/// address named in spec.md §6 ("Fixed high virtual address in
	/// process address space: kernel stack for that process's
	/// syscalls"); chosen at the very top of the address space, clear of
	/// both the heap region and the user stack/import reservation.
	KernelStackAddressInProcessAddressSpace uint32 = 0xFFFFF000
	/// KernelStackReservedPages is the fixed page count (K) reserved
	/// descending from that address, per spec.md §4.6.
	KernelStackReservedPages uint32 = 16

	pgsize = 0x1000

	headerSize  = 4 + 2 + 4 + 4 + 4 + 4 + 4 // magic,version,flags,load_address,entry_point_offset,stack_size,section_count
	sectionSize = 8 + 4 + 4 + 4             // name,size_bytes,virtual_address,file_ptr_to_data
	importTableHdrSize = 4
	importAddrSize     = 4 + 4 + 4
)

/// Header_t mirrors RawX_Header from the original format (spec.md §3,
/// §6): a 4-byte magic, version, architecture flags, a load address that
/// must sit at or above 1 GiB (the user half), an entry-point offset
/// relative to it, a requested stack size, and a section count.
type Header_t struct {
	Magic            [4]byte
	Version          uint16
	Flags            uint32
	LoadAddress      uint32
	EntryPointOffset uint32
	StackSize        uint32
	SectionCount     int32
}

/// Section_t mirrors RawX_Section: an 8-byte NUL-padded name, a byte
/// size, a virtual address relative to the header's load address, and a
/// file offset to the section's raw bytes.
type Section_t struct {
	Name            [8]byte
	SizeBytes       uint32
	VirtualAddress  uint32
	FilePtrToData   uint32
}

func (s Section_t) name() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

/// ImportAddress_t mirrors RawX_Import_Address: offsets (from the start
/// of the `.import` section) to the symbol and library name strings, and
/// the call-address column the loader rewrites.
type ImportAddress_t struct {
	SectionSymbolOffset uint32
	SectionLibOffset    uint32
	CallAddress         uint32
}

/// StubCatalogue resolves an imported symbol to its copyable
/// machine-code thunk, the role spec.md §4.6 assigns to "the syscall-
/// stub catalogue": a single hash-map lookup from symbol name to
/// (address, length).
type StubCatalogue interface {
	Lookup(symbol string) (stub []byte, ok bool)
}

/// LoadInfo_t mirrors RawX_Load_Information: the addresses the kernel
/// needs after a successful load.
type LoadInfo_t struct {
	CodeAddress  uint32
	DataAddress  uint32
	StackAddress uint32
	Entrypoint   uint32
}

func parseHeader(data []byte) Header_t {
	if len(data) < headerSize {
		panic("rawx: end of file within header")
	}
	var h Header_t
	copy(h.Magic[:], data[0:4])
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.Flags = binary.LittleEndian.Uint32(data[6:10])
	h.LoadAddress = binary.LittleEndian.Uint32(data[10:14])
	h.EntryPointOffset = binary.LittleEndian.Uint32(data[14:18])
	h.StackSize = binary.LittleEndian.Uint32(data[18:22])
	h.SectionCount = int32(binary.LittleEndian.Uint32(data[22:26]))
	return h
}

func parseSection(data []byte, off int) Section_t {
	var s Section_t
	copy(s.Name[:], data[off:off+8])
	s.SizeBytes = binary.LittleEndian.Uint32(data[off+8 : off+12])
	s.VirtualAddress = binary.LittleEndian.Uint32(data[off+12 : off+16])
	s.FilePtrToData = binary.LittleEndian.Uint32(data[off+16 : off+20])
	return s
}

func parseImportAddress(data []byte, off int) ImportAddress_t {
	return ImportAddress_t{
		SectionSymbolOffset: binary.LittleEndian.Uint32(data[off : off+4]),
		SectionLibOffset:    binary.LittleEndian.Uint32(data[off+4 : off+8]),
		CallAddress:         binary.LittleEndian.Uint32(data[off+8 : off+12]),
	}
}

func writeImportCallAddress(data []byte, off int, addr uint32) {
	binary.LittleEndian.PutUint32(data[off+8:off+12], addr)
}

func cstr(data []byte, off int) string {
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}

// mapAndCopy places sec's bytes into pd page-by-page, each page mapped
// user-accessible, matching paging_create_process_page_with_any_frame's
// loop in the original rawx_load.
func mapAndCopy(vmm *vm.VM_t, pd *vm.PageDirectory_t, sectionAddress uint32, data []byte) {
	for off := uint32(0); off < uint32(len(data)); off += pgsize {
		target := sectionAddress + off
		chunk := data[off:]
		if uint32(len(chunk)) > pgsize {
			chunk = chunk[:pgsize]
		}
		vmm.MapPage(pd, target>>12, true)
		vmm.WriteBytes(pd, target, chunk)
	}
}

/// Load validates and loads a RawX image into pd, per spec.md §4.6.
/// createStack and createKernelStack mirror rawx_load's s32 flags.
func Load(data []byte, vmm *vm.VM_t, pd *vm.PageDirectory_t, stubs StubCatalogue, createStack, createKernelStack bool) LoadInfo_t {
	h := parseHeader(data)
	if string(h.Magic[:]) != Magic {
		panic("rawx: expected RAWX magic")
	}
	if h.Version != Version {
		panic("rawx: expected version 0")
	}
	if h.Flags&ArchX86 == 0 {
		panic("rawx: expected architecture x86")
	}
	body := data[headerSize:]
	if len(body) < int(h.SectionCount)*sectionSize {
		panic("rawx: end of file within section table")
	}
	if h.LoadAddress < 1024*1024*1024 {
		panic("rawx: load address must be greater than 1gb")
	}

	var li LoadInfo_t
	ceiling := StackAddress - StackMaxReservedPages*pgsize - ImportMaxReservedPages*pgsize

	for i := int32(0); i < h.SectionCount; i++ {
		sec := parseSection(body, int(i)*sectionSize)
		sectionAddress := h.LoadAddress + sec.VirtualAddress
		sectionData := data[sec.FilePtrToData:]
		if uint32(len(sectionData)) > sec.SizeBytes {
			sectionData = sectionData[:sec.SizeBytes]
		}
		if sectionAddress%pgsize != 0 {
			panic("rawx: section address needs to be 0x1000 aligned")
		}
		if sectionAddress+sec.SizeBytes >= ceiling {
			panic("rawx: section address + size is too high")
		}

		switch sec.name() {
		case ".code":
			li.CodeAddress = sectionAddress
			mapAndCopy(vmm, pd, sectionAddress, sectionData)
		case ".data":
			li.DataAddress = sectionAddress
			mapAndCopy(vmm, pd, sectionAddress, sectionData)
		case ".import":
			loadImportSection(vmm, pd, stubs, data, sec, sectionAddress, sectionData)
		default:
			panic(fmt.Sprintf("rawx: unknown section %q", sec.name()))
		}
	}

	if createStack {
		if h.StackSize == 0 {
			panic("rawx: stack size must be greater than 0")
		}
		if h.StackSize%pgsize != 0 {
			panic("rawx: stack size must be 0x1000 aligned")
		}
		stackPages := h.StackSize / pgsize
		if stackPages > StackMaxReservedPages {
			panic("rawx: stack too big")
		}
		for i := uint32(0); i < stackPages; i++ {
			vpn := (StackAddress / pgsize) - 1 - i
			vmm.MapPage(pd, vpn, true)
		}
		li.StackAddress = StackAddress
	}

	if createKernelStack {
		for i := uint32(0); i < KernelStackReservedPages; i++ {
			vpn := (KernelStackAddressInProcessAddressSpace / pgsize) - i
			vmm.MapPage(pd, vpn, false)
		}
	}

	li.Entrypoint = h.LoadAddress + h.EntryPointOffset
	return li
}

// loadImportSection parses the `.import` section, resolves each symbol
// against stubs, copies the resolved thunk bytes into a single page at
// the bottom of the import reservation (below the stack reservation),
// rewrites the call-address column in a copy of the section bytes (the
// caller's image is left unchanged), and finally maps and copies that
// rewritten copy like any other section.
func loadImportSection(vmm *vm.VM_t, pd *vm.PageDirectory_t, stubs StubCatalogue, fileData []byte, sec Section_t, sectionAddress uint32, sectionData []byte) {
	start := fileData[sec.FilePtrToData:]
	symbolCount := binary.LittleEndian.Uint32(start[0:4])
	entries := start[importTableHdrSize:]

	pageAddr := StackAddress - StackMaxReservedPages*pgsize - ImportMaxReservedPages*pgsize
	vmm.MapPage(pd, pageAddr/pgsize, true)

	currentAddr := pageAddr
	rewritten := make([]byte, len(sectionData))
	copy(rewritten, sectionData)

	for i := uint32(0); i < symbolCount; i++ {
		imp := parseImportAddress(entries, int(i)*importAddrSize)
		symbol := cstr(start, int(imp.SectionSymbolOffset))
		lib := cstr(start, int(imp.SectionLibOffset))
		if lib != "kernel" {
			panic("rawx: import has unknown lib")
		}
		stub, ok := stubs.Lookup(symbol)
		if !ok {
			panic("rawx: import has unknown symbol")
		}
		if currentAddr+uint32(len(stub)) >= pageAddr+pgsize {
			panic("rawx: more than one page needed for imports")
		}
		vmm.WriteBytes(pd, currentAddr, stub)

		rewriteOff := importTableHdrSize + int(i)*importAddrSize
		writeImportCallAddress(rewritten, rewriteOff, currentAddr)
		currentAddr += uint32(len(stub))
	}

	mapAndCopy(vmm, pd, sectionAddress, rewritten)
}
