package layout

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Field names one slot (or array of slots) in the shared state block, the
// Oracle, or a thread-local state block.
type Field uint8

const (
	StartRun Field = iota
	NeedYield
	CodeReady
	LoopOn
	Exit
	ActiveLoop
	Invocation
	StackPtr
	StackBase
	Warden
	RuntimeCheckFail
	NextExpectedThread
	IVInit
	IVCheck
	SharedGPR
	SharedSIMD
	Oracle
	Spill
	Ret
	OuterSP
	StolenSlot
	Self
	ID
	InPool
	Finished
	ThreadLoopOn
	Rolledback
	Written
	Prev
	Next
	Bound
	GenInit
	GenFinish
	PrivGPR
	PrivSIMD
	StackTop
	fieldCount
)

var FieldStrings = []string{
	StartRun:           "start_run",
	NeedYield:          "need_yield",
	CodeReady:          "code_ready",
	LoopOn:             "loop_on",
	Exit:               "exit",
	ActiveLoop:         "active_loop",
	Invocation:         "invocation",
	StackPtr:           "stack_ptr",
	StackBase:          "stack_base",
	Warden:             "warden",
	RuntimeCheckFail:   "runtime_check_fail",
	NextExpectedThread: "next_expected_thread",
	IVInit:             "iv_init",
	IVCheck:            "iv_check",
	SharedGPR:          "shared_gpr",
	SharedSIMD:         "shared_simd",
	Oracle:             "oracle",
	Spill:              "spill",
	Ret:                "ret",
	OuterSP:            "outer_sp",
	StolenSlot:         "stolen",
	Self:               "self",
	ID:                 "id",
	InPool:             "in_pool",
	Finished:           "finished",
	ThreadLoopOn:       "thread_loop_on",
	Rolledback:         "rolledback",
	Written:            "written",
	Prev:               "prev",
	Next:               "next",
	Bound:              "bound",
	GenInit:            "gen_init",
	GenFinish:          "gen_finish",
	PrivGPR:            "private_gpr",
	PrivSIMD:           "private_simd",
	StackTop:           "stack_top",
}

const (
	DefaultBase      uint64 = 0x10000000
	DefaultStackSize        = 64 << 10
	DefaultHeapSize         = 1 << 20
	NumScratch              = 4
	word                    = 8
	vword                   = 16
	page                    = 4096
)

// LineWidth is the distance between slots that must never share a cache
// line.
var LineWidth = max(64, int(unsafe.Sizeof(cpu.CacheLinePad{})))

type Params struct {
	Threads   int
	Loops     int
	Vars      int
	GPRs      int
	SIMDs     int
	StackSize int
	HeapSize  int
	Base      uint64
}

type slot struct {
	tls    bool
	off    int
	stride int
	count  int
}

// Table resolves (field, thread, index) triples to addresses. It is the
// only place that knows how the state blocks are laid out.
type Table struct {
	p         Params
	slots     [fieldCount]slot
	tlsOff    int
	tlsSize   int
	stacksOff int
	heapOff   int
	size      int
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

func New(p Params) *Table {
	if p.Threads < 1 || p.Loops < 0 || p.Vars < 0 {
		panic("bug")
	}
	if p.StackSize == 0 {
		p.StackSize = DefaultStackSize
	}
	if p.HeapSize == 0 {
		p.HeapSize = DefaultHeapSize
	}
	if p.Base == 0 {
		p.Base = DefaultBase
	}
	p.StackSize = align(p.StackSize, page)
	p.HeapSize = align(p.HeapSize, page)
	t := &Table{p: p}
	line := LineWidth
	at := 0
	put := func(f Field, tls bool, stride, count int) {
		t.slots[f] = slot{tls: tls, off: at, stride: stride, count: count}
		at += stride * count
	}
	own := func(f Field, tls bool) {
		at = align(at, line)
		put(f, tls, word, 1)
		at = align(at, line)
	}
	for f := StartRun; f <= NextExpectedThread; f++ {
		own(f, false)
	}
	put(IVInit, false, word, max(p.Vars, 1))
	at = align(at, line)
	put(IVCheck, false, word, max(p.Vars, 1))
	at = align(at, line)
	put(SharedGPR, false, line, p.GPRs)
	put(SharedSIMD, false, line, p.SIMDs)
	put(Oracle, false, word, p.Threads)
	at = align(at, line)
	t.tlsOff = at
	at = 0
	put(Spill, true, word, NumScratch)
	for f := Ret; f <= ID; f++ {
		put(f, true, word, 1)
	}
	for f := InPool; f <= Written; f++ {
		own(f, true)
	}
	put(Prev, true, word, 1)
	put(Next, true, word, 1)
	at = align(at, line)
	put(Bound, true, word, max(p.Loops, 1))
	put(GenInit, true, word, max(p.Loops, 1))
	put(GenFinish, true, word, max(p.Loops, 1))
	at = align(at, line)
	put(PrivGPR, true, word, p.GPRs)
	at = align(at, vword)
	put(PrivSIMD, true, vword, p.SIMDs)
	put(StackTop, true, word, 1)
	t.tlsSize = align(at, line)
	t.stacksOff = align(t.tlsOff+t.tlsSize*p.Threads, page)
	t.heapOff = t.stacksOff + p.StackSize*p.Threads
	t.size = t.heapOff + p.HeapSize
	return t
}

func (t *Table) Params() Params { return t.p }

func (t *Table) Size() int { return t.size }

func (t *Table) Base() uint64 { return t.p.Base }

func (t *Table) Count(f Field) int { return t.slots[f].count }

func (t *Table) IsTLS(f Field) bool { return t.slots[f].tls }

func (t *Table) TLSBase(tid int) uint64 {
	if tid < 0 || tid >= t.p.Threads {
		panic("bug")
	}
	return t.p.Base + uint64(t.tlsOff+t.tlsSize*tid)
}

// Rel gives the offset of a thread-local field from the thread's base.
func (t *Table) Rel(f Field, idx int) int64 {
	s := &t.slots[f]
	if !s.tls || idx < 0 || idx >= s.count {
		panic("bug")
	}
	return int64(s.off + s.stride*idx)
}

// Addr gives the absolute address of element idx of field f. The thread id
// selects the block for thread-local fields and is ignored otherwise.
func (t *Table) Addr(f Field, tid, idx int) uint64 {
	s := &t.slots[f]
	if idx < 0 || idx >= s.count {
		panic("bug")
	}
	if s.tls {
		return t.TLSBase(tid) + uint64(s.off+s.stride*idx)
	}
	return t.p.Base + uint64(s.off+s.stride*idx)
}

// Stack gives the bounds of a thread's private stack region.
func (t *Table) Stack(tid int) (lo, hi uint64) {
	if tid < 0 || tid >= t.p.Threads {
		panic("bug")
	}
	lo = t.p.Base + uint64(t.stacksOff+t.p.StackSize*tid)
	return lo, lo + uint64(t.p.StackSize)
}

// Heap gives the region reserved for the host program's own data.
func (t *Table) Heap() (addr uint64, size int) {
	return t.p.Base + uint64(t.heapOff), t.p.HeapSize
}
