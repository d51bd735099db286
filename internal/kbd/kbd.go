// Package kbd implements the keyboard input device: a bounded byte
// queue per file descriptor, with blocked readers parked on a condition
// variable bound to that fd. Grounded on biscuit's circbuf.Circbuf_t for
// the head/tail/bufsz ring-buffer shape, redesigned per spec.md §9's
// explicit direction away from the original's brittle one-shot delivery
// array: "model as a bounded queue keyed by file-descriptor, with
// blocked-reader parking expressed as a condition bound to the fd."
package kbd

import (
	"sync"

	"github.com/felipeek/rawOS/internal/defs"
)

// queueCapacity bounds how many undelivered scancodes a single fd can
// accumulate before further bytes are dropped.
const queueCapacity = 16

type ring_t struct {
	cond sync.Cond
	buf  [queueCapacity]byte
	head int
	tail int
}

func (r *ring_t) full() bool  { return r.head-r.tail == queueCapacity }
func (r *ring_t) empty() bool { return r.head == r.tail }

func (r *ring_t) push(b byte) {
	if r.full() {
		return
	}
	r.buf[r.head%queueCapacity] = b
	r.head++
	r.cond.Signal()
}

func (r *ring_t) pop() byte {
	b := r.buf[r.tail%queueCapacity]
	r.tail++
	return b
}

/// Device_t is the keyboard device: one bounded byte ring per registered
/// fd, each guarded by its own condition variable.
type Device_t struct {
	mu    sync.Mutex
	rings map[defs.Fd_t]*ring_t
}

/// New creates an empty keyboard device.
func New() *Device_t {
	return &Device_t{rings: make(map[defs.Fd_t]*ring_t)}
}

func (d *Device_t) ringFor(fd defs.Fd_t) *ring_t {
	r, ok := d.rings[fd]
	if !ok {
		r = &ring_t{}
		r.cond.L = &d.mu
		d.rings[fd] = r
	}
	return r
}

/// Read blocks the calling goroutine until at least one byte is queued
/// for fd, then drains up to len(buf) bytes into it and returns the
/// count. onBlock, if non-nil, is invoked exactly once while the device
/// lock is held and before the first wait -- the wiring layer uses it to
/// record the owning process as Blocked in the scheduler's ring, which
/// is what makes "the scheduler elected it only once" (spec.md §8
/// scenario 6) observable: the process transitions to Blocked a single
/// time per Read call, regardless of how many times the underlying
/// condition wakes spuriously.
func (d *Device_t) Read(fd defs.Fd_t, buf []byte, onBlock func()) int {
	if len(buf) == 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.ringFor(fd)

	if r.empty() {
		if onBlock != nil {
			onBlock()
		}
		for r.empty() {
			r.cond.Wait()
		}
	}

	n := 0
	for n < len(buf) && !r.empty() {
		buf[n] = r.pop()
		n++
	}
	return n
}

/// Deliver enqueues one scancode byte for fd, waking a blocked reader if
/// one is parked. Called from the keyboard ISR, which is out of scope
/// for this module (spec.md §2 Non-goals) -- the wiring layer is
/// expected to call this from whatever interrupt dispatch it installs.
func (d *Device_t) Deliver(fd defs.Fd_t, b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ringFor(fd).push(b)
}

/// Node_t adapts a Device_t/fd pair to defs.VfsNode so the keyboard can
/// be opened and read through the same syscall path as any other file.
/// OnBlock is wired by the kernel package to the scheduler's
/// BlockCurrent, so that blocking on a keyboard read is visible as a
/// single ring-state transition (spec.md §8 scenario 6).
type Node_t struct {
	Dev     *Device_t
	Fd      defs.Fd_t
	OnBlock func()
}

func (n *Node_t) Open(flags int) defs.Err_t { return 0 }

func (n *Node_t) Read(off int, buf []uint8) (int, defs.Err_t) {
	return n.Dev.Read(n.Fd, buf, n.OnBlock), 0
}

func (n *Node_t) Write(off int, buf []uint8) (int, defs.Err_t) {
	return 0, defs.EINVAL
}

func (n *Node_t) Close() defs.Err_t { return 0 }
func (n *Node_t) Size() int         { return 0 }
