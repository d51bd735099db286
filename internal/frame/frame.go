// Package frame implements the physical-frame allocator: one bit per 4
// KiB physical frame, searched linearly word-by-word for the first clear
// bit. Grounded on the bitmap in rawOS's original paging.c, recast in the
// style of biscuit's mem package (Pa_t physical addresses, PGSHIFT/PGSIZE
// constants, panic on resource exhaustion).
package frame

import "github.com/felipeek/rawOS/internal/util"

/// PGSHIFT is the base-2 exponent of the page/frame size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a page or physical frame in bytes.
const PGSIZE = 1 << PGSHIFT

/// Pa_t is a physical address.
type Pa_t uint32

// wordbits is the number of frames tracked by one bitmap word.
const wordbits = 32

/// Bitmap_t is a dense bitmap of frame state: bit set means in-use, clear
/// means free. No concurrency guard is needed: every caller runs with
/// interrupts disabled inside the kernel's memory manager (spec.md §4.1).
type Bitmap_t struct {
	words []uint32
	nframes uint32
}

/// Init sizes the bitmap for ramBytes of addressable physical memory. All
/// frames start free.
func Init(ramBytes uint32) *Bitmap_t {
	n := ramBytes >> PGSHIFT
	nw := (n + wordbits - 1) / wordbits
	return &Bitmap_t{
		words:   make([]uint32, nw),
		nframes: n,
	}
}

func (b *Bitmap_t) checkIdx(idx uint32) {
	if idx >= b.nframes {
		panic("frame index out of range")
	}
}

/// IsUsed reports whether the frame at idx is marked in-use.
func (b *Bitmap_t) IsUsed(idx uint32) bool {
	b.checkIdx(idx)
	w, bit := idx/wordbits, idx%wordbits
	return b.words[w]&(1<<bit) != 0
}

/// MarkUsed sets the frame at idx as in-use.
func (b *Bitmap_t) MarkUsed(idx uint32) {
	b.checkIdx(idx)
	w, bit := idx/wordbits, idx%wordbits
	b.words[w] |= 1 << bit
}

/// MarkFree clears the frame at idx, returning it to the free pool.
func (b *Bitmap_t) MarkFree(idx uint32) {
	b.checkIdx(idx)
	w, bit := idx/wordbits, idx%wordbits
	b.words[w] &^= 1 << bit
}

/// FirstFree searches for the first clear bit, word by word, and returns
/// its frame index. It panics if physical memory is exhausted: frame
/// exhaustion is a design-limit condition, not a runtime one (spec.md §7).
func (b *Bitmap_t) FirstFree() uint32 {
	for wi, w := range b.words {
		if w == 0xffffffff {
			continue
		}
		for bit := uint32(0); bit < wordbits; bit++ {
			idx := uint32(wi)*wordbits + bit
			if idx >= b.nframes {
				break
			}
			if w&(1<<bit) == 0 {
				return idx
			}
		}
	}
	panic("frame: physical memory exhausted")
}

/// Alloc finds the first free frame, marks it used, and returns its
/// physical address.
func (b *Bitmap_t) Alloc() Pa_t {
	idx := b.FirstFree()
	b.MarkUsed(idx)
	return Pa_t(idx) << PGSHIFT
}

/// Free returns the frame backing pa to the free pool.
func (b *Bitmap_t) Free(pa Pa_t) {
	b.MarkFree(uint32(pa) >> PGSHIFT)
}

/// Nframes returns the total number of frames tracked.
func (b *Bitmap_t) Nframes() uint32 {
	return b.nframes
}

/// PageRoundup aligns a size up to the next frame boundary.
func PageRoundup(sz uint32) uint32 {
	return util.Roundup(sz, uint32(PGSIZE))
}
