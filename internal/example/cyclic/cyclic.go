package cyclic

import (
	"strconv"

	"parloop/internal/example/block"
	"parloop/internal/example/host"
	"parloop/internal/ir"
)

const (
	odd       = "Odd"
	countdown = "CountdownCyclic"
	downTo    = "DownTo"
)

func hex(pc uint64) string { return host.Hex(pc) }

// Odd sets a[i] = i + k for the odd i in [3, 103), stepping by two and
// closing the loop with a not-equal test. Threads take iterations in turn.
func Odd() *host.Case {
	const (
		init  = 3
		check = 103
		k     = 500
	)
	b := host.NewBuilder(odd, "amd64")
	rax, rcx, rdx, rbx := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx")
	rsi, rdi := b.R("rsi"), b.R("rdi")
	entry := b.I(ir.MovImm{Dst: rcx, Imm: init})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Mov{Dst: rdx, Src: rcx})
	b.I(ir.Arith{Op: ir.Add, Dst: rdx, Src: rsi})
	b.I(ir.Store{Dst: ir.Mem{Base: rax}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(2)})
	at := b.I(ir.Cmp{A: rcx, B: ir.Imm(check)})
	branch := b.I(ir.Jcc{Cond: ir.NE, To: ir.PC(start)})
	b.I(ir.Mov{Dst: rbx, Src: rcx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallCyclicChunk Copy=rsi,rdi Merge=rcx,rdx" +
		" CondMerge=none DependGPR=rsi,rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=" + strconv.Itoa(init) + " Check=" + strconv.Itoa(check) +
		" Stride=2 CheckAt=" + hex(at) + " CheckForm=Cmp CheckFirst=no Cond=ne UpdateAt=" + hex(update))
	return b.Case(
		func(e host.Env) {
			e.SetReg("rdi", e.Heap)
			e.SetReg("rsi", k)
		},
		func(e host.Env) error {
			for i := 0; i <= check; i++ {
				var want uint64
				if i >= init && i < check && i%2 == 1 {
					want = uint64(i + k)
				}
				if got := e.Word(i); got != want {
					return host.Mismatch("a["+strconv.Itoa(i)+"]", got, want)
				}
			}
			for _, r := range [...]struct {
				name string
				want uint64
			}{
				{"rcx", check},
				{"rbx", check},
				{"rdx", check - 2 + k},
			} {
				if got := e.Reg(r.name); got != r.want {
					return host.Mismatch(r.name, got, r.want)
				}
			}
			return nil
		},
	)
}

// Countdown is the arm64 count down from 60 with the constant written
// first in the test, so the compare added after the subtract has its
// operands swapped.
func Countdown() *host.Case {
	const n = 60
	b := host.NewBuilder(countdown, "arm64")
	x0, x1, x2, x3 := b.R("x0"), b.R("x1"), b.R("x2"), b.R("x3")
	entry := b.I(ir.MovImm{Dst: x1, Imm: n})
	start := b.I(ir.Mov{Dst: x2, Src: x1})
	b.I(ir.Arith{Op: ir.Mul, Dst: x2, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: x2, Src: x0})
	b.I(ir.Store{Dst: ir.Mem{Base: x2}, Src: x1})
	at := b.I(ir.Arith{Op: ir.Sub, Dst: x1, Src: ir.Imm(1), Flags: true})
	branch := b.I(ir.Jcc{Cond: ir.NE, To: ir.PC(start)})
	b.I(ir.Mov{Dst: x3, Src: x1})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=x9,x10,x11,x12 Frame=0 Policy=DoallCyclicChunk Copy=x0 Merge=x1 CondMerge=none" +
		" DependGPR=x0 DependSIMD=none")
	b.Line("Var Loop=1 Loc=x1 Init=" + strconv.Itoa(n) + " Check=0 Stride=-1 CheckAt=" + hex(at) +
		" CheckForm=Sub CheckFirst=yes Cond=ne UpdateAt=0")
	return b.Case(
		func(e host.Env) {
			e.SetReg("x0", e.Heap)
		},
		block.CheckCountdown(n),
	)
}

// DownTo increments a[i] for the even i from 100 down to and including 4.
// The loop test is greater-or-equal, so the last iteration sits on the
// check value itself.
func DownTo() *host.Case {
	const (
		init   = 100
		check  = 4
		stride = -2
	)
	b := host.NewBuilder(downTo, "amd64")
	rax, rcx, rdx, rbx, rdi := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx"), b.R("rdi")
	entry := b.I(ir.MovImm{Dst: rcx, Imm: init})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rax}})
	b.I(ir.Arith{Op: ir.Add, Dst: rdx, Src: ir.Imm(1)})
	b.I(ir.Store{Dst: ir.Mem{Base: rax}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Sub, Dst: rcx, Src: ir.Imm(-stride)})
	at := b.I(ir.Cmp{A: rcx, B: ir.Imm(check)})
	branch := b.I(ir.Jcc{Cond: ir.GE, To: ir.PC(start)})
	b.I(ir.Mov{Dst: rbx, Src: rcx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallCyclicChunk Copy=rdi Merge=rcx CondMerge=none" +
		" DependGPR=rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=" + strconv.Itoa(init) + " Check=" + strconv.Itoa(check) +
		" Stride=" + strconv.Itoa(stride) + " CheckAt=" + hex(at) +
		" CheckForm=Cmp CheckFirst=no Cond=ge UpdateAt=" + hex(update))
	return b.Case(
		func(e host.Env) {
			e.SetReg("rdi", e.Heap)
		},
		block.CheckOnce(init+1, func(i int) bool {
			return i >= check && i <= init && i%2 == 0
		}, "rbx", check+stride),
	)
}
