// Package proc implements the Scheduler: an arena-indexed, doubly-linked
// circular process ring, fork/execve/exit, cooperative context switch,
// and keyboard-style block/unblock. Grounded on rawOS's original
// src/process.c for the ring shape and lifecycle, and on biscuit's
// tinfo.go (current-thread-pointer idiom, here the current-process
// pointer) and accnt.go (per-process accounting, same Utadd/Systadd/
// Finish shape) for the surrounding Go idiom.
//
// spec.md §9 calls for two source-shape translations this package makes
// concrete: the process ring is an arena of prev_idx/next_idx indices
// rather than pointer neighbours (O(1) removal without a linked-list
// walk), and the context switch uses an explicit SavedContext_t written
// by the outgoing side and restored by the incoming side, replacing the
// original's captured-eip "magic return value" idiom -- there is no
// sentinel value to compare against because the trampoline boundary is
// now an ordinary Go function call.
package proc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipeek/rawOS/internal/defs"
	"github.com/felipeek/rawOS/internal/frame"
	"github.com/felipeek/rawOS/internal/util"
	"github.com/felipeek/rawOS/internal/vm"
)

/// State_t is a process's scheduling state (spec.md §4.5).
type State_t int

const (
	Running State_t = iota
	Ready
	Blocked
)

/// Accnt_t accumulates per-process user/system time, mirroring
/// biscuit's accnt.Accnt_t.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

func (a *Accnt_t) Utadd(delta int64)  { atomic.AddInt64(&a.Userns, delta) }
func (a *Accnt_t) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

func (a *Accnt_t) Finish(since int64) {
	a.Systadd(time.Now().UnixNano() - since)
}

/// To_rusage encodes accounting as a flat {user_s,user_us,sys_s,sys_us}
/// byte record, the same shape biscuit's To_rusage produces.
func (a *Accnt_t) To_rusage() []uint8 {
	a.Lock()
	defer a.Unlock()
	ret := make([]uint8, 32)
	totv := func(nano int64) (uint32, uint32) {
		return uint32(nano / 1e9), uint32((nano % 1e9) / 1000)
	}
	s, us := totv(a.Userns)
	util.Writen(ret, 4, 0, s)
	util.Writen(ret, 4, 4, us)
	s, us = totv(a.Sysns)
	util.Writen(ret, 4, 8, s)
	util.Writen(ret, 4, 12, us)
	return ret
}

/// SavedContext_t is the explicit register/stack/address-space snapshot
/// written by the outgoing side of a context switch and restored by the
/// incoming side's trampoline (spec.md §9).
type SavedContext_t struct {
	Eip     uint32
	Esp     uint32
	Ebp     uint32
	PDFrame frame.Pa_t
}

/// Trampoline is the assembly boundary that reloads CR3/esp/ebp and jumps
/// to sc.Eip. Out of scope for this module (spec.md §2 Non-goals); the
/// scheduler calls whatever implementation is wired in at boot.
type Trampoline func(sc SavedContext_t)

/// Process_t is one scheduled process (spec.md §3 "Process").
type Process_t struct {
	Pid     defs.Pid_t
	Ctx     SavedContext_t
	PageDir *vm.PageDirectory_t
	Fds     map[defs.Fd_t]defs.VfsNode
	State   State_t
	Accnt   Accnt_t

	prevIdx int32
	nextIdx int32
	inUse   bool
}

const nilIdx int32 = -1

/// Scheduler_t is the Scheduler: the process arena, the ring pointers,
/// the pid table, and the trampoline used to actually switch contexts.
type Scheduler_t struct {
	vmm    *vm.VM_t
	tramp  Trampoline
	procs  []*Process_t
	free   []int32
	pids   map[defs.Pid_t]int32
	nextPid defs.Pid_t

	head   int32 // arbitrary ring entry point, nilIdx if ring empty
	active int32 // currently running process, nilIdx if none
}

/// New creates an empty Scheduler bound to vmm for address-space
/// operations and tramp for context switches.
func New(vmm *vm.VM_t, tramp Trampoline) *Scheduler_t {
	return &Scheduler_t{
		vmm:    vmm,
		tramp:  tramp,
		pids:   make(map[defs.Pid_t]int32),
		nextPid: 1,
		head:   nilIdx,
		active: nilIdx,
	}
}

func (s *Scheduler_t) allocSlot() int32 {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.procs[idx] = &Process_t{}
		return idx
	}
	s.procs = append(s.procs, &Process_t{})
	return int32(len(s.procs) - 1)
}

func (s *Scheduler_t) freeSlot(idx int32) {
	s.procs[idx] = nil
	s.free = append(s.free, idx)
}

// linkAfter inserts idx into the ring immediately after afterIdx (or as
// the sole element if the ring is empty). O(1), per spec.md §9.
func (s *Scheduler_t) linkAfter(afterIdx, idx int32) {
	if s.head == nilIdx {
		s.procs[idx].nextIdx = idx
		s.procs[idx].prevIdx = idx
		s.head = idx
		return
	}
	nextIdx := s.procs[afterIdx].nextIdx
	s.procs[idx].prevIdx = afterIdx
	s.procs[idx].nextIdx = nextIdx
	s.procs[afterIdx].nextIdx = idx
	s.procs[nextIdx].prevIdx = idx
}

// unlink removes idx from the ring in O(1), per spec.md §9.
func (s *Scheduler_t) unlink(idx int32) {
	p := s.procs[idx]
	if p.nextIdx == idx {
		s.head = nilIdx
		return
	}
	s.procs[p.prevIdx].nextIdx = p.nextIdx
	s.procs[p.nextIdx].prevIdx = p.prevIdx
	if s.head == idx {
		s.head = p.nextIdx
	}
}

/// Init bootstraps the first process: it takes pd, an address space the
/// caller has already created, and installs the process as the sole,
/// running ring member. Loading the initial
/// RawX image and jumping to ring 3 is the caller's responsibility (it
/// lives in the rawx/kernel packages); Init only establishes the process
/// table entry those steps populate.
func (s *Scheduler_t) Init(pd *vm.PageDirectory_t) *Process_t {
	idx := s.allocSlot()
	pid := s.nextPid
	s.nextPid++
	*s.procs[idx] = Process_t{
		Pid:     pid,
		PageDir: pd,
		Fds:     make(map[defs.Fd_t]defs.VfsNode),
		State:   Running,
		inUse:   true,
		prevIdx: nilIdx,
		nextIdx: nilIdx,
	}
	s.linkAfter(idx, idx)
	s.pids[pid] = idx
	s.active = idx
	return s.procs[idx]
}

func (s *Scheduler_t) Lookup(pid defs.Pid_t) (*Process_t, bool) {
	idx, ok := s.pids[pid]
	if !ok {
		return nil, false
	}
	return s.procs[idx], true
}

func (s *Scheduler_t) Current() *Process_t {
	if s.active == nilIdx {
		return nil
	}
	return s.procs[s.active]
}

func deepCopyFds(src map[defs.Fd_t]defs.VfsNode) map[defs.Fd_t]defs.VfsNode {
	dst := make(map[defs.Fd_t]defs.VfsNode, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

/// Fork clones the caller's address space and file-descriptor table and
/// appends the child to the ring. Unlike the original's captured-eip
/// idiom (one code path executed by both parent and child, distinguished
/// by a magic sentinel), this reimplementation returns both the parent's
/// and child's view directly: the caller is expected to return
/// childPid to the parent's eax and 0 to the child's, since there is
/// only one Go goroutine driving the kernel and no second "returning"
/// invocation to distinguish (spec.md §9).
func (s *Scheduler_t) Fork(parent *Process_t) (childPid defs.Pid_t) {
	childPD := s.vmm.CloneForFork(parent.PageDir)
	idx := s.allocSlot()
	pid := s.nextPid
	s.nextPid++
	childCtx := parent.Ctx
	childCtx.PDFrame = s.vmm.PageDirFrame(childPD)
	*s.procs[idx] = Process_t{
		Pid:     pid,
		Ctx:     childCtx,
		PageDir: childPD,
		Fds:     deepCopyFds(parent.Fds),
		State:   Ready,
		inUse:   true,
	}
	parentIdx := s.pids[parent.Pid]
	s.linkAfter(parentIdx, idx)
	s.pids[pid] = idx
	return pid
}

// elect walks the ring once from fromIdx and returns the first Ready
// process found, or nilIdx if none is electable.
func (s *Scheduler_t) elect(fromIdx int32) int32 {
	if s.head == nilIdx {
		return nilIdx
	}
	start := fromIdx
	if start == nilIdx {
		start = s.head
	}
	idx := s.procs[start].nextIdx
	for i := int32(0); ; i++ {
		if s.procs[idx].State == Ready {
			return idx
		}
		if idx == start {
			return nilIdx
		}
		idx = s.procs[idx].nextIdx
		if i > int32(len(s.procs))+1 {
			panic("proc: elect failed to terminate, ring corrupt")
		}
	}
}

/// Switch saves the current process's context, sets its new state, elects
/// the next Ready process, and invokes the trampoline to resume it. It
/// panics if the ring has no Ready process and none is Blocked either --
/// callers must route that case through exit's halt policy instead.
/// With no active process (the CPU is idle) it only elects.
func (s *Scheduler_t) Switch(newState State_t) {
	outIdx := s.active
	if outIdx != nilIdx {
		s.procs[outIdx].State = newState
	}

	nextIdx := s.elect(outIdx)
	if nextIdx == nilIdx {
		if s.anyBlocked() {
			s.active = nilIdx
			return
		}
		panic("proc: switch with no ready or blocked process")
	}

	in := s.procs[nextIdx]
	in.State = Running
	s.active = nextIdx
	s.tramp(in.Ctx)
}

func (s *Scheduler_t) anyBlocked() bool {
	for i := range s.procs {
		if s.procs[i] != nil && s.procs[i].State == Blocked {
			return true
		}
	}
	return false
}

/// BlockCurrent marks the active process Blocked and switches away.
func (s *Scheduler_t) BlockCurrent() {
	s.Switch(Blocked)
}

/// Unblock marks pid Ready. If no process is currently active (the CPU
/// was idling because every process was blocked), it immediately
/// switches to the newly-ready process.
func (s *Scheduler_t) Unblock(pid defs.Pid_t) {
	idx, ok := s.pids[pid]
	if !ok {
		panic("proc: unblock of unknown pid")
	}
	s.procs[idx].State = Ready
	if s.active == nilIdx {
		s.active = idx
		s.procs[idx].State = Running
		s.tramp(s.procs[idx].Ctx)
	}
}

/// Exit reclaims the active process's user-half mappings, removes it
/// from the pid table and ring, and switches to the next ready process.
/// If the ring becomes empty the caller must halt (spec.md §4.5); Exit
/// reports that case by returning true.
func (s *Scheduler_t) Exit(code int) (halted bool) {
	outIdx := s.active
	out := s.procs[outIdx]
	s.vmm.UnmapUserHalf(out.PageDir)
	delete(s.pids, out.Pid)
	s.unlink(outIdx)
	s.freeSlot(outIdx)

	nextIdx := s.elect(nilIdx)
	if nextIdx == nilIdx {
		s.active = nilIdx
		if !s.anyBlocked() {
			return true
		}
		return false
	}
	s.procs[nextIdx].State = Running
	s.active = nextIdx
	s.tramp(s.procs[nextIdx].Ctx)
	return false
}

/// Execve replaces the active process's user-half image in place:
/// callers resolve the path and read the bytes before calling this (the
/// rawx/syscall packages own that), then pass the decoded RawX image
/// here to wipe the old mappings and load the new one. Whether file
/// descriptors survive the swap is an open question in the source
/// (spec.md §9); this implementation's decision is recorded in
/// DESIGN.md: descriptors ARE preserved, since nothing in the syscall
/// table closes them and a shell invoking execve expects its open
/// standard streams to survive.
func (s *Scheduler_t) Execve(load func(pd *vm.PageDirectory_t) (entryEip, stackEsp uint32)) {
	cur := s.Current()
	s.vmm.UnmapUserHalf(cur.PageDir)
	eip, esp := load(cur.PageDir)
	cur.Ctx.Eip = eip
	cur.Ctx.Esp = esp
	cur.Ctx.PDFrame = s.vmm.PageDirFrame(cur.PageDir)
}
