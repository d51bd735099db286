// Package syscall implements the INT 0x80 gate: a dispatch table indexed
// by eax (spec.md §4.6's ten-entry syscall table) and the syscall-stub
// catalogue the RawX loader rewrites import call addresses against.
// Grounded on rawOS's original src/syscall.c for the numbering and
// per-call semantics, and on biscuit's hashtable.Hashtable_t for the
// catalogue's single-hash-lookup shape, here specialised to a symbol
// string key rather than hashtable's interface{}-keyed generality since
// every stub lookup is resolved by name at load time.
package syscall

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/felipeek/rawOS/internal/defs"
	"github.com/felipeek/rawOS/internal/proc"
	"github.com/felipeek/rawOS/internal/rawx"
	"github.com/felipeek/rawOS/internal/vm"
)

// symbolNumbers names every import a RawX image may reference, matching
// spec.md §4.6's table exactly.
var symbolNumbers = map[string]uint32{
	"print":         defs.SYS_PRINT,
	"exit":          defs.SYS_EXIT,
	"pos_cursor":    defs.SYS_POS_CURSOR,
	"clear_screen":  defs.SYS_CLEAR_SCREEN,
	"execve":        defs.SYS_EXECVE,
	"fork":          defs.SYS_FORK,
	"open":          defs.SYS_OPEN,
	"read":          defs.SYS_READ,
	"write":         defs.SYS_WRITE,
	"close":         defs.SYS_CLOSE,
}

// encodeStub produces the real x86-32 machine code for a syscall thunk:
// MOV EAX, imm32 ; INT 0x80 ; RET -- the caller has already placed its
// other arguments in ebx/ecx/edx per the ABI (spec.md §6), so the stub
// only needs to load the syscall number before trapping.
func encodeStub(num uint32) []byte {
	b := make([]byte, 8)
	b[0] = 0xB8
	binary.LittleEndian.PutUint32(b[1:5], num)
	b[5] = 0xCD
	b[6] = 0x80
	b[7] = 0xC3
	return b
}

/// StubTable_t is the syscall-stub catalogue: symbol name to ready-to-
/// copy machine code, guarded the same way biscuit's hashtable guards
/// its buckets (a lock around the whole table is sufficient here since
/// the catalogue is built once at boot and never mutated afterward).
type StubTable_t struct {
	mu    sync.RWMutex
	table map[string][]byte
}

/// NewStubTable builds the catalogue for every syscall spec.md §4.6
/// names.
func NewStubTable() *StubTable_t {
	t := &StubTable_t{table: make(map[string][]byte, len(symbolNumbers))}
	for name, num := range symbolNumbers {
		t.table[name] = encodeStub(num)
	}
	return t
}

/// Lookup implements rawx.StubCatalogue.
func (t *StubTable_t) Lookup(symbol string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.table[symbol]
	return b, ok
}

var _ rawx.StubCatalogue = (*StubTable_t)(nil)

const maxCString = 4096

// readCString reads a NUL-terminated string from the current process's
// address space, bounded to maxCString bytes to avoid an unbounded scan
// over a malformed pointer.
func readCString(vmm *vm.VM_t, pd *vm.PageDirectory_t, va uint32) string {
	out := make([]byte, 0, 64)
	for i := 0; i < maxCString; i++ {
		b := vmm.ReadBytes(pd, va+uint32(i), 1)
		if b[0] == 0 {
			return string(out)
		}
		out = append(out, b[0])
	}
	panic("syscall: string argument exceeds maximum length without a NUL terminator")
}

// allocFd returns the smallest fd not already in use by proc.
func allocFd(p *proc.Process_t) defs.Fd_t {
	for fd := defs.Fd_t(0); ; fd++ {
		if _, used := p.Fds[fd]; !used {
			return fd
		}
	}
}

const errResult uint32 = 0xFFFFFFFF // -1 as seen in eax

/// Gate_t is the INT 0x80 dispatcher: it owns no state of its own beyond
/// its collaborators, mirroring spec.md §4.6's description of the gate
/// as pure dispatch over the scheduler's current process.
type Gate_t struct {
	console defs.Console
	vmm     *vm.VM_t
	sched   *proc.Scheduler_t
	lookup  defs.VfsLookup
	stubs   *StubTable_t
}

/// New creates a Gate_t bound to its collaborators.
func New(console defs.Console, vmm *vm.VM_t, sched *proc.Scheduler_t, lookup defs.VfsLookup, stubs *StubTable_t) *Gate_t {
	return &Gate_t{console: console, vmm: vmm, sched: sched, lookup: lookup, stubs: stubs}
}

/// Dispatch handles one INT 0x80 trap, indexed by eax, per the table in
/// spec.md §4.6. It panics if the current process halts the kernel by
/// exiting an empty, unblocked ring (spec.md §4.5 exit).
func (g *Gate_t) Dispatch(eax, ebx, ecx, edx uint32) uint32 {
	cur := g.sched.Current()
	if cur == nil {
		panic("syscall: dispatch with no current process")
	}
	pd := cur.PageDir

	switch eax {
	case defs.SYS_PRINT:
		g.console.Print(readCString(g.vmm, pd, ebx))
		return 0

	case defs.SYS_EXIT:
		halted := g.sched.Exit(int(ebx))
		if halted {
			panic("kernel: process ring empty, halting")
		}
		return 0

	case defs.SYS_POS_CURSOR:
		g.console.PosCursor(int(ebx), int(ecx))
		return 0

	case defs.SYS_CLEAR_SCREEN:
		g.console.Clear()
		return 0

	case defs.SYS_EXECVE:
		path := readCString(g.vmm, pd, ebx)
		node, ok := g.lookup(path)
		if !ok {
			return errResult
		}
		data := make([]byte, node.Size())
		if _, err := node.Read(0, data); err != 0 {
			return errResult
		}
		g.sched.Execve(func(pd *vm.PageDirectory_t) (uint32, uint32) {
			li := rawx.Load(data, g.vmm, pd, g.stubs, true, true)
			return li.Entrypoint, li.StackAddress
		})
		return 0

	case defs.SYS_FORK:
		child := g.sched.Fork(cur)
		return uint32(child)

	case defs.SYS_OPEN:
		path := readCString(g.vmm, pd, ebx)
		node, ok := g.lookup(path)
		if !ok {
			return errResult
		}
		if err := node.Open(0); err != 0 {
			return errResult
		}
		fd := allocFd(cur)
		cur.Fds[fd] = node
		return uint32(fd)

	case defs.SYS_READ:
		node, ok := cur.Fds[defs.Fd_t(ebx)]
		if !ok {
			return errResult
		}
		buf := make([]byte, edx)
		n, err := node.Read(0, buf)
		if err != 0 {
			return errResult
		}
		g.vmm.WriteBytes(pd, ecx, buf[:n])
		return uint32(n)

	case defs.SYS_WRITE:
		node, ok := cur.Fds[defs.Fd_t(ebx)]
		if !ok {
			return errResult
		}
		buf := g.vmm.ReadBytes(pd, ecx, int(edx))
		n, err := node.Write(0, buf)
		if err != 0 {
			return errResult
		}
		return uint32(n)

	case defs.SYS_CLOSE:
		fd := defs.Fd_t(ebx)
		node, ok := cur.Fds[fd]
		if !ok {
			return errResult
		}
		err := node.Close()
		delete(cur.Fds, fd)
		if err != 0 {
			return errResult
		}
		return 0
	}

	panic(fmt.Sprintf("syscall: unknown syscall number %d", eax))
}
