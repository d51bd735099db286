// Package kernel wires frame/heap/vm/proc/syscall/kbd together into one
// KernelContext value and boots the first process. Grounded loosely on
// the package-as-entry-point idiom of biscuit's src/kernel tree (a small
// package whose job is composing the other leaf packages, not owning
// algorithms of its own).
//
// spec.md §9 calls for replacing the original's global mutable
// singletons with "a KernelContext value passed by mutable reference
// through every kernel path; a thin TLS/static wrapper exists only for
// interrupt entry which has no parameter channel." Context_t is that
// value; current/SetCurrent below are the thin wrapper, used nowhere
// except the three interrupt entry points (HandleSyscallInterrupt,
// HandlePageFault, HandleTimerInterrupt) that a Go function signature
// cannot thread a parameter through.
package kernel

import (
	"github.com/felipeek/rawOS/internal/defs"
	"github.com/felipeek/rawOS/internal/heap"
	"github.com/felipeek/rawOS/internal/kbd"
	"github.com/felipeek/rawOS/internal/proc"
	"github.com/felipeek/rawOS/internal/rawx"
	"github.com/felipeek/rawOS/internal/syscall"
	"github.com/felipeek/rawOS/internal/vm"
)

const initialHeapPages = 1

/// Context_t bundles every kernel subsystem. All kernel entry points
/// other than raw interrupt handlers take a *Context_t explicitly.
type Context_t struct {
	VM      *vm.VM_t
	Heap    *heap.Heap_t
	Sched   *proc.Scheduler_t
	Gate    *syscall.Gate_t
	Kbd     *kbd.Device_t
	Stubs   *syscall.StubTable_t
	Console defs.Console
	Lookup  defs.VfsLookup
}

/// New constructs a KernelContext over ramBytes of physical memory, the
/// given console and VFS path resolver, and tramp, the assembly context-
/// switch trampoline (out of scope for this module; tests supply a fake
/// that just exercises the scheduler's bookkeeping).
func New(ramBytes uint32, console defs.Console, lookup defs.VfsLookup, tramp proc.Trampoline) *Context_t {
	vmm := vm.New(ramBytes)
	kpd := vmm.KernelPageDirectory()
	mapper := vm.NewHeapMapper(vmm, kpd, vm.HeapBase)
	h := heap.New(mapper, initialHeapPages)
	sched := proc.New(vmm, tramp)
	stubs := syscall.NewStubTable()
	kbdDev := kbd.New()
	gate := syscall.New(console, vmm, sched, lookup, stubs)

	return &Context_t{
		VM:      vmm,
		Heap:    h,
		Sched:   sched,
		Gate:    gate,
		Kbd:     kbdDev,
		Stubs:   stubs,
		Console: console,
		Lookup:  lookup,
	}
}

/// KeyboardFd is the well-known descriptor every process's fd table is
/// seeded with for blocking keyboard reads (spec.md §8 scenario 6 treats
/// the keyboard as a device reached through the ordinary read syscall).
const KeyboardFd defs.Fd_t = 0

/// Boot creates the first process (spec.md §4.5 "init"): a fresh address
/// space aliasing the kernel half, the initial RawX image loaded into
/// it, and a keyboard node seeded at KeyboardFd. It returns the process
/// whose Ctx.Eip/Ctx.Esp/Ctx.PDFrame are ready for the out-of-scope
/// UserJump trampoline to act on.
func (c *Context_t) Boot(image []byte) *proc.Process_t {
	pd := c.VM.NewAddressSpace()
	p := c.Sched.Init(pd)

	li := rawx.Load(image, c.VM, pd, c.Stubs, true, true)
	p.Ctx.Eip = li.Entrypoint
	p.Ctx.Esp = li.StackAddress
	p.Ctx.PDFrame = c.VM.PageDirFrame(pd)

	p.Fds[KeyboardFd] = &kbd.Node_t{
		Dev: c.Kbd,
		Fd:  KeyboardFd,
		OnBlock: func() {
			c.Sched.BlockCurrent()
		},
	}
	return p
}

// current is the thin TLS/static wrapper spec.md §9 allows for interrupt
// entry alone. Every other kernel path receives a *Context_t parameter
// instead of reading this.
var current *Context_t

/// SetCurrent installs ctx as the context interrupt entry points read.
/// Called once at boot.
func SetCurrent(ctx *Context_t) {
	current = ctx
}

/// HandleSyscallInterrupt is the INT 0x80 entry point. It has no
/// parameter channel of its own (the CPU delivers only the trapped
/// registers), so it reaches the installed context through the package
/// global rather than an explicit argument.
func HandleSyscallInterrupt(eax, ebx, ecx, edx uint32) uint32 {
	if current == nil {
		panic("kernel: interrupt entry before SetCurrent")
	}
	return current.Gate.Dispatch(eax, ebx, ecx, edx)
}

/// HandlePageFault is the page-fault entry point, same constraint as
/// HandleSyscallInterrupt.
func HandlePageFault(errcode, faultAddr uint32, ringZero bool) {
	if current == nil {
		panic("kernel: interrupt entry before SetCurrent")
	}
	fk := vm.DecodeFault(errcode, faultAddr)
	if !ringZero {
		vm.HandleFault(fk, false, current.Console)
		current.Sched.Exit(defs.ExitKilled)
		return
	}
	vm.HandleFault(fk, true, current.Console)
}

/// HandleTimerInterrupt is the timer IRQ entry point: the sole
/// involuntary pre-emption point (spec.md §5).
func HandleTimerInterrupt() {
	if current == nil {
		panic("kernel: interrupt entry before SetCurrent")
	}
	current.Sched.Switch(proc.Ready)
}
