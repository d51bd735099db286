// Package heap implements the kernel heap: a variable-size allocator
// with boundary-tagged blocks, coalescing free(), and dynamic one-page
// expansion on miss. Free holes are indexed by internal/avl. Grounded on
// rawOS's original src/alloc/kalloc_heap.c, translated from raw pointer
// arithmetic to offsets into a Go byte slice standing in for the mapped
// heap arena (the arena's bytes ARE the simulated physical/virtual
// memory backing the heap, consistent with how biscuit's mem package
// treats a mapped page as a []uint8 via mem.Pg2bytes).
package heap

import (
	"github.com/felipeek/rawOS/internal/avl"
)

const (
	headerMagic uint16 = 0xABCD
	footerMagic uint16 = 0xEF01

	// headerSize: magic(2) + size(4) + used(2).
	headerSize = 8
	// footerSize: magic(2) + headerOffset(4), padded to 8 for alignment.
	footerSize = 8

	pgsize = 4096

	// nodesReservedPages is the number of pages' worth of memory the
	// PagingAVL node pool is sized for (spec.md §6). The pool is held
	// apart from the arena, which starts with the first block at offset 0.
	nodesReservedPages = 16
	// approxNodeSize matches avl.Node_t's footprint (2*int32 + int32 +
	// 2*uint32 = 20 bytes), used only to size the node pool capacity.
	approxNodeSize = 20
)

/// Mapper backs heap expansion: it maps one additional page into the
/// heap's virtual range on behalf of VirtualMemory (spec.md §4.4). It
/// panics if physical memory is exhausted (spec.md §7) rather than
/// returning an error, matching the allocator's own failure policy.
type Mapper interface {
	MapPage()
}

/// Heap_t is the kernel heap: an arena of boundary-tagged blocks indexed
/// by a PagingAVL of free holes.
type Heap_t struct {
	mapper Mapper
	avl    *avl.Avl_t
	arena  []byte
}

// alignUp aligns v up to alignment, 0 meaning "no constraint".
func alignUp(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	if v&(alignment-1) != 0 {
		v &^= alignment - 1
		v += alignment
	}
	return v
}

/// New creates a kernel heap occupying initialPages of usable arena (plus
/// the fixed AVL node-pool reservation), matching spec.md's
/// kalloc_heap_create: initialAddr must be page-aligned is implicit here
/// since the arena always starts at offset 0 of its own virtual range.
func New(mapper Mapper, initialPages int) *Heap_t {
	if initialPages <= 0 {
		panic("heap: insufficient initial pages")
	}
	capacity := nodesReservedPages * pgsize / approxNodeSize
	h := &Heap_t{
		mapper: mapper,
		avl:    avl.Init(capacity),
		arena:  make([]byte, initialPages*pgsize),
	}
	size := uint32(len(h.arena)) - headerSize - footerSize
	h.writeHeader(0, headerMagic, size, false)
	h.writeFooter(uint32(len(h.arena))-footerSize, footerMagic, 0)
	h.avl.Insert(size, headerSize)
	return h
}

func (h *Heap_t) readHeader(off uint32) (magic uint16, size uint32, used bool) {
	b := h.arena
	magic = uint16(b[off]) | uint16(b[off+1])<<8
	size = uint32(b[off+2]) | uint32(b[off+3])<<8 | uint32(b[off+4])<<16 | uint32(b[off+5])<<24
	used = b[off+6] != 0
	return
}

func (h *Heap_t) writeHeader(off uint32, magic uint16, size uint32, used bool) {
	b := h.arena
	b[off], b[off+1] = uint8(magic), uint8(magic>>8)
	b[off+2], b[off+3], b[off+4], b[off+5] = uint8(size), uint8(size>>8), uint8(size>>16), uint8(size>>24)
	if used {
		b[off+6] = 1
	} else {
		b[off+6] = 0
	}
}

func (h *Heap_t) readFooter(off uint32) (magic uint16, headerOff uint32) {
	b := h.arena
	magic = uint16(b[off]) | uint16(b[off+1])<<8
	headerOff = uint32(b[off+2]) | uint32(b[off+3])<<8 | uint32(b[off+4])<<16 | uint32(b[off+5])<<24
	return
}

func (h *Heap_t) writeFooter(off uint32, magic uint16, headerOff uint32) {
	b := h.arena
	b[off], b[off+1] = uint8(magic), uint8(magic>>8)
	b[off+2], b[off+3], b[off+4], b[off+5] = uint8(headerOff), uint8(headerOff>>8), uint8(headerOff>>16), uint8(headerOff>>24)
}

func (h *Heap_t) checkHeader(off uint32) {
	magic, _, _ := h.readHeader(off)
	if magic != headerMagic {
		panic("heap: corrupt header magic")
	}
}

func (h *Heap_t) checkFooter(off uint32) {
	magic, _ := h.readFooter(off)
	if magic != footerMagic {
		panic("heap: corrupt footer magic")
	}
}

// allocFromHole performs the aligned-carve and split steps of
// kalloc_heap_alloc once a fitting hole has been located.
func (h *Heap_t) allocFromHole(userSpace, size, alignment uint32) uint32 {
	headerOff := userSpace - headerSize
	h.checkHeader(headerOff)
	_, holeSize, used := h.readHeader(headerOff)
	if used {
		panic("heap: found hole in inconsistent state (used == 1)")
	}
	h.avl.Remove(holeSize, userSpace)

	alignedUserSpace := alignUp(userSpace, alignment)
	alignedHeaderOff := alignedUserSpace - headerSize
	if alignedUserSpace < userSpace {
		panic("heap: aligned space must be >= original space")
	}

	if alignedUserSpace > userSpace {
		if headerOff == 0 {
			panic("heap: aligned alloc is not supported on an empty heap")
		}
		gap := alignedUserSpace - userSpace

		targetHoleFooterOff := headerOff + headerSize + holeSize
		prevFooterOff := headerOff - footerSize
		h.checkFooter(prevFooterOff)
		_, prevHeaderOff := h.readFooter(prevFooterOff)

		newPrevFooterOff := alignedHeaderOff - footerSize
		if newPrevFooterOff <= prevFooterOff {
			panic("heap: new footer must land after previous footer")
		}
		_, prevSize, prevUsed := h.readHeader(prevHeaderOff)
		prevSize += newPrevFooterOff - prevFooterOff
		h.writeHeader(prevHeaderOff, headerMagic, prevSize, prevUsed)
		h.writeFooter(newPrevFooterOff, footerMagic, prevHeaderOff)

		h.writeFooter(targetHoleFooterOff, footerMagic, alignedHeaderOff)

		holeSize -= gap
	}

	h.writeHeader(alignedHeaderOff, headerMagic, holeSize, false)
	headerOff = alignedHeaderOff
	userSpace = alignedUserSpace

	if holeSize > size+headerSize+footerSize {
		newBlockHeaderOff := headerOff
		newBlockFooterOff := newBlockHeaderOff + headerSize + size
		newHoleHeaderOff := newBlockFooterOff + footerSize
		newHoleFooterOff := headerOff + headerSize + holeSize

		h.writeHeader(newBlockHeaderOff, headerMagic, size, true)
		h.writeFooter(newBlockFooterOff, footerMagic, newBlockHeaderOff)

		newHoleSize := holeSize - size - headerSize - footerSize
		h.writeHeader(newHoleHeaderOff, headerMagic, newHoleSize, false)
		h.writeFooter(newHoleFooterOff, footerMagic, newHoleHeaderOff)
		h.avl.Insert(newHoleSize, newHoleHeaderOff+headerSize)
		return userSpace
	}

	h.writeHeader(headerOff, headerMagic, holeSize, true)
	return userSpace
}

func (h *Heap_t) expand() {
	h.mapper.MapPage()
	oldSize := uint32(len(h.arena))
	h.arena = append(h.arena, make([]byte, pgsize)...)

	lastFooterOff := oldSize - footerSize
	h.checkFooter(lastFooterOff)
	_, lastHeaderOff := h.readFooter(lastFooterOff)
	_, lastSize, lastUsed := h.readHeader(lastHeaderOff)
	newSize := oldSize + pgsize

	if lastUsed {
		newHoleHeaderOff := lastFooterOff + footerSize
		newHoleFooterOff := newSize - footerSize
		newHoleSize := newHoleFooterOff - newHoleHeaderOff - headerSize
		h.writeHeader(newHoleHeaderOff, headerMagic, newHoleSize, false)
		h.writeFooter(newHoleFooterOff, footerMagic, newHoleHeaderOff)
		h.avl.Insert(newHoleSize, newHoleHeaderOff+headerSize)
	} else {
		newFooterOff := newSize - footerSize
		h.writeFooter(newFooterOff, footerMagic, lastHeaderOff)
		h.avl.Remove(lastSize, lastHeaderOff+headerSize)
		newLastSize := lastSize + pgsize
		h.writeHeader(lastHeaderOff, headerMagic, newLastSize, false)
		h.avl.Insert(newLastSize, lastHeaderOff+headerSize)
	}
}

/// Alloc returns size bytes aligned to alignment (0 = unaligned). It
/// expands the heap by one page at a time and retries when no hole fits.
func (h *Heap_t) Alloc(size, alignment uint32) uint32 {
	for {
		userSpace, ok := h.avl.FindFit(size, alignment)
		if !ok {
			h.expand()
			continue
		}
		return h.allocFromHole(userSpace, size, alignment)
	}
}

/// AllocSize is Alloc with no alignment constraint.
func (h *Heap_t) AllocSize(size uint32) uint32 {
	return h.Alloc(size, 0)
}

/// Free releases the block at ptr, coalescing with free neighbours and
/// re-indexing the resulting hole.
func (h *Heap_t) Free(ptr uint32) {
	headerOff := ptr - headerSize
	h.checkHeader(headerOff)
	_, size, used := h.readHeader(headerOff)
	if !used {
		panic("heap: double free or inconsistent state (used == 0)")
	}
	footerOff := headerOff + headerSize + size

	if headerOff != 0 {
		prevFooterOff := headerOff - footerSize
		h.checkFooter(prevFooterOff)
		_, prevHeaderOff := h.readFooter(prevFooterOff)
		_, prevSize, prevUsed := h.readHeader(prevHeaderOff)
		if !prevUsed {
			h.avl.Remove(prevSize, prevHeaderOff+headerSize)
			size = prevSize + headerSize + size + footerSize
			h.writeHeader(prevHeaderOff, headerMagic, size, false)
			h.writeFooter(footerOff, footerMagic, prevHeaderOff)
			headerOff = prevHeaderOff
		}
	}

	if footerOff != uint32(len(h.arena))-footerSize {
		nextHeaderOff := footerOff + footerSize
		_, nextSize, nextUsed := h.readHeader(nextHeaderOff)
		if !nextUsed {
			nextFooterOff := nextHeaderOff + headerSize + nextSize
			h.avl.Remove(nextSize, nextHeaderOff+headerSize)
			size = size + headerSize + nextSize + footerSize
			h.writeHeader(headerOff, headerMagic, size, false)
			h.writeFooter(nextFooterOff, footerMagic, headerOff)
			footerOff = nextFooterOff
		}
	}

	h.writeHeader(headerOff, headerMagic, size, false)
	h.avl.Insert(size, headerOff+headerSize)
}

/// Realloc grows a block. If newSize <= oldSize it returns ptr unchanged;
/// otherwise it allocates fresh space, copies, and frees the original.
/// In-place growth when the following block is free is deliberately
/// omitted (spec.md §4.4's documented simplification).
func (h *Heap_t) Realloc(ptr, oldSize, newSize uint32) uint32 {
	if newSize <= oldSize {
		return ptr
	}
	np := h.AllocSize(newSize)
	copy(h.arena[np:np+oldSize], h.arena[ptr:ptr+oldSize])
	h.Free(ptr)
	return np
}

/// Bytes exposes the raw arena, e.g. to read/write an allocated payload.
func (h *Heap_t) Bytes() []byte {
	return h.arena
}

/// Size returns the current arena size in bytes.
func (h *Heap_t) Size() uint32 {
	return uint32(len(h.arena))
}
