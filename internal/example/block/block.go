package block

import (
	"fmt"
	"strconv"

	"parloop/internal/example/host"
	"parloop/internal/ir"
)

const (
	fill      = "Fill"
	lastValue = "LastValue"
	condMax   = "CondMax"
	stack     = "Stack"
	alias     = "Alias"
	countdown = "Countdown"
	upTo      = "UpTo"
)

func itoa(i int) string { return strconv.Itoa(i) }

func hex(pc uint64) string { return host.Hex(pc) }

// Fill sets a[i] = i*i for i in [0, 100) on amd64. The index register is
// merged from the last thread.
func Fill() *host.Case {
	const n = 100
	b := host.NewBuilder(fill, "amd64")
	rax, rcx, rdx, rbx, rdi := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx"), b.R("rdi")
	entry := b.I(ir.MovImm{Dst: rcx, Imm: 0})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Mov{Dst: rdx, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rdx, Src: rcx})
	b.I(ir.Store{Dst: ir.Mem{Base: rax}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: rcx, B: ir.Imm(n)})
	branch := b.I(ir.Jcc{Cond: ir.L, To: ir.PC(start)})
	b.I(ir.Mov{Dst: rbx, Src: rcx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallBlock Copy=rdi Merge=rcx CondMerge=none" +
		" DependGPR=rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=0 Check=" + itoa(n) + " Stride=1 CheckAt=" + hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=" + hex(update))
	return b.Case(
		func(e host.Env) {
			e.SetReg("rdi", e.Heap)
		},
		func(e host.Env) error {
			for i := 0; i < n; i++ {
				if got := e.Word(i); got != uint64(i*i) {
					return host.Mismatch("a["+itoa(i)+"]", got, uint64(i*i))
				}
			}
			if got := e.Word(n); got != 0 {
				return host.Mismatch("a["+itoa(n)+"]", got, 0)
			}
			if got := e.Reg("rbx"); got != n {
				return host.Mismatch("rbx", got, n)
			}
			return nil
		},
	)
}

// LastValue copies b[i] = a[i] + k and leaves the last pointer, sum and
// vector in registers. One of the merged registers is also a scratch
// register, so it travels through the spill slots.
func LastValue() *host.Case {
	const (
		n   = 100
		off = n * 8
		k   = 7
	)
	b := host.NewBuilder(lastValue, "amd64")
	rax, rcx, rdx, rbx := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx")
	rsi, rdi, xmm1, xmm2 := b.R("rsi"), b.R("rdi"), b.R("xmm1"), b.R("xmm2")
	entry := b.I(ir.MovImm{Dst: rcx, Imm: 0})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rax}})
	b.I(ir.Arith{Op: ir.Add, Dst: rdx, Src: rsi})
	b.I(ir.Store{Dst: ir.Mem{Base: rax, Disp: off}, Src: rdx})
	b.I(ir.MovV{Dst: xmm2, Src: xmm1})
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: rcx, B: ir.Imm(n)})
	branch := b.I(ir.Jcc{Cond: ir.L, To: ir.PC(start)})
	b.I(ir.Mov{Dst: rbx, Src: rdx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=rax,r8,r9,r10 Frame=0 Policy=DoallBlock Copy=rsi,rdi,xmm1 Merge=rax,rcx,rdx,xmm2" +
		" CondMerge=none DependGPR=rsi,rdi DependSIMD=xmm1")
	b.Line("Var Loop=1 Loc=rcx Init=0 Check=" + itoa(n) + " Stride=1 CheckAt=" + hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=" + hex(update))
	vec := [2]uint64{0x0123456789abcdef, 0xfedcba9876543210}
	return b.Case(
		func(e host.Env) {
			for i := 0; i < n; i++ {
				e.SetWord(i, uint64(3*i+1))
			}
			e.SetReg("rdi", e.Heap)
			e.SetReg("rsi", k)
			e.SetVec("xmm1", vec)
		},
		func(e host.Env) error {
			for i := 0; i < n; i++ {
				want := uint64(3*i + 1 + k)
				if got := e.Word(n + i); got != want {
					return host.Mismatch("b["+itoa(i)+"]", got, want)
				}
			}
			last := uint64(3*(n-1) + 1 + k)
			for _, r := range [...]struct {
				name string
				want uint64
			}{
				{"rax", e.Heap + (n-1)*8},
				{"rcx", n},
				{"rdx", last},
				{"rbx", last},
			} {
				if got := e.Reg(r.name); got != r.want {
					return host.Mismatch(r.name, got, r.want)
				}
			}
			if got := e.Vec("xmm2"); got != vec {
				return fmt.Errorf("xmm2: got %#x, want %#x", got, vec)
			}
			return nil
		},
	)
}

// CondMax records in rbx the last index whose element exceeds a threshold,
// or leaves -1 if none does. Only the iterations that find one write rbx.
func CondMax() *host.Case {
	const n = 64
	b := host.NewBuilder(condMax, "amd64")
	rax, rcx, rdx, rbx := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx")
	rsi, rdi, r12 := b.R("rsi"), b.R("rdi"), b.R("r12")
	const skip ir.Label = "skip"
	b.I(ir.MovImm{Dst: rbx, Imm: -1})
	entry := b.I(ir.MovImm{Dst: rcx, Imm: 0})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rax}})
	b.I(ir.Cmp{A: rdx, B: rsi})
	b.I(ir.Jcc{Cond: ir.LE, To: skip})
	write := b.I(ir.Mov{Dst: rbx, Src: rcx})
	b.Mark(skip)
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: rcx, B: ir.Imm(n)})
	branch := b.I(ir.Jcc{Cond: ir.L, To: ir.PC(start)})
	b.I(ir.Mov{Dst: r12, Src: rbx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallBlock Copy=rsi,rdi Merge=rcx CondMerge=rbx" +
		" DependGPR=rsi,rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=0 Check=" + itoa(n) + " Stride=1 CheckAt=" + hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=" + hex(update))
	b.Line("Write Loop=1 At=" + hex(write) + " Regs=rbx")
	return b.Case(
		func(e host.Env) {
			SetCondMaxData(e, []int{5, 9, 40})
		},
		func(e host.Env) error {
			want := uint64(1<<64 - 1)
			for i := 0; i < n; i++ {
				if e.Word(i) > e.Reg("rsi") {
					want = uint64(i)
				}
			}
			if got := e.Reg("r12"); got != want {
				return host.Mismatch("r12", got, want)
			}
			return nil
		},
	)
}

// SetCondMaxData fills CondMax's array so that exactly the elements at hits
// exceed the threshold.
func SetCondMaxData(e host.Env, hits []int) {
	const n, threshold = 64, 1000
	for i := 0; i < n; i++ {
		e.SetWord(i, uint64(i))
	}
	for _, i := range hits {
		e.SetWord(i, threshold+uint64(i)+1)
	}
	e.SetReg("rdi", e.Heap)
	e.SetReg("rsi", threshold)
}

// Stack keeps its index in a stack slot and reads a constant from another,
// so every thread needs its own copy of the frame.
func Stack() *host.Case {
	const (
		n     = 40
		frame = 16
		k     = 1000
	)
	b := host.NewBuilder(stack, "amd64")
	rax, rcx, rdx, rsp := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rsp")
	rsi, rdi := b.R("rsi"), b.R("rdi")
	b.I(ir.Arith{Op: ir.Sub, Dst: rsp, Src: ir.Imm(frame)})
	b.I(ir.Store{Dst: ir.Mem{Base: rsp}, Src: rsi})
	entry := b.I(ir.StoreImm{Dst: ir.Mem{Base: rsp, Disp: 8}, Imm: 0})
	start := b.I(ir.Load{Dst: rcx, Src: ir.Mem{Base: rsp, Disp: 8}})
	b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rsp}})
	b.I(ir.Arith{Op: ir.Add, Dst: rdx, Src: rcx})
	b.I(ir.Store{Dst: ir.Mem{Base: rax}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Add, Dst: ir.Mem{Base: rsp, Disp: 8}, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: ir.Mem{Base: rsp, Disp: 8}, B: ir.Imm(n)})
	branch := b.I(ir.Jcc{Cond: ir.L, To: ir.PC(start)})
	b.I(ir.Arith{Op: ir.Add, Dst: rsp, Src: ir.Imm(frame)})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=" + itoa(frame) + " Policy=DoallBlock Copy=rdi Merge=none" +
		" CondMerge=none DependGPR=rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=sp+8 Init=0 Check=" + itoa(n) + " Stride=1 CheckAt=" + hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=" + hex(update))
	return b.Case(
		func(e host.Env) {
			e.SetReg("rdi", e.Heap)
			e.SetReg("rsi", k)
		},
		func(e host.Env) error {
			for i := 0; i < n; i++ {
				if got := e.Word(i); got != uint64(k+i) {
					return host.Mismatch("a["+itoa(i)+"]", got, uint64(k+i))
				}
			}
			return nil
		},
	)
}

// Alias computes b[i] = 2*a[i] through two pointers that may overlap. The
// loop is checked at run time and falls back to one thread when they do.
func Alias() *host.Case {
	const n = 100
	b := host.NewBuilder(alias, "amd64")
	rax, rcx, rdx, rbx := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx")
	rsi, rdi, r12 := b.R("rsi"), b.R("rdi"), b.R("r12")
	entry := b.I(ir.MovImm{Dst: rcx, Imm: 0})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Mov{Dst: rbx, Src: rax})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Arith{Op: ir.Add, Dst: rbx, Src: rsi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rax}})
	b.I(ir.Arith{Op: ir.Mul, Dst: rdx, Src: ir.Imm(2)})
	b.I(ir.Store{Dst: ir.Mem{Base: rbx}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: rcx, B: ir.Imm(n)})
	branch := b.I(ir.Jcc{Cond: ir.L, To: ir.PC(start)})
	b.I(ir.Mov{Dst: r12, Src: rcx})
	b.Config(map[string]string{"SafeRuntimeCheck": "yes"})
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallBlock Copy=rsi,rdi Merge=rcx CondMerge=none" +
		" DependGPR=rsi,rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=0 Check=" + itoa(n) + " Stride=1 CheckAt=" + hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=" + hex(update))
	b.Line("Alias Loop=1 A=rdi B=rsi Extent=" + itoa(n*8))
	return b.Case(
		func(e host.Env) {
			SetAliasData(e, n)
		},
		func(e host.Env) error {
			return CheckAlias(e, n)
		},
	)
}

// SetAliasData lays out Alias's arrays with b starting gap words after a.
// A gap under 100 makes them overlap.
func SetAliasData(e host.Env, gap int) {
	const n = 100
	for i := 0; i < n; i++ {
		e.SetWord(i, uint64(i+1))
	}
	e.SetReg("rdi", e.Heap)
	e.SetReg("rsi", e.Heap+uint64(gap)*8)
}

// CheckAlias replays the loop in order over a model of the heap, so it
// holds for overlapping arrays too.
func CheckAlias(e host.Env, gap int) error {
	const n = 100
	mem := make([]uint64, n+gap)
	for i := 0; i < n; i++ {
		mem[i] = uint64(i + 1)
	}
	for i := 0; i < n; i++ {
		mem[gap+i] = 2 * mem[i]
	}
	for i, want := range mem {
		if got := e.Word(i); got != want {
			return host.Mismatch("word "+itoa(i), got, want)
		}
	}
	if got := e.Reg("r12"); got != n {
		return host.Mismatch("r12", got, n)
	}
	return nil
}

// Countdown stores a[i] = i for i from 50 down to 1 on arm64. The index is
// tested by the flag-setting subtract that steps it.
func Countdown() *host.Case {
	const n = 50
	b := host.NewBuilder(countdown, "arm64")
	x0, x1, x2, x3 := b.R("x0"), b.R("x1"), b.R("x2"), b.R("x3")
	entry := b.I(ir.MovImm{Dst: x1, Imm: n})
	start := b.I(ir.Mov{Dst: x2, Src: x1})
	b.I(ir.Arith{Op: ir.Mul, Dst: x2, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: x2, Src: x0})
	b.I(ir.Store{Dst: ir.Mem{Base: x2}, Src: x1})
	check := b.I(ir.Arith{Op: ir.Sub, Dst: x1, Src: ir.Imm(1), Flags: true})
	branch := b.I(ir.Jcc{Cond: ir.NE, To: ir.PC(start)})
	b.I(ir.Mov{Dst: x3, Src: x1})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=x9,x10,x11,x12 Frame=0 Policy=DoallBlock Copy=x0 Merge=x1 CondMerge=none" +
		" DependGPR=x0 DependSIMD=none")
	b.Line("Var Loop=1 Loc=x1 Init=" + itoa(n) + " Check=0 Stride=-1 CheckAt=" + hex(check) +
		" CheckForm=Sub CheckFirst=no Cond=ne UpdateAt=0")
	return b.Case(
		func(e host.Env) {
			e.SetReg("x0", e.Heap)
		},
		CheckCountdown(n),
	)
}

// CheckCountdown checks a countdown from n: a[i] = i for i in [1, n], a[0]
// untouched and x3 = 0.
func CheckCountdown(n int) func(host.Env) error {
	return func(e host.Env) error {
		for i := 0; i <= n; i++ {
			if got := e.Word(i); got != uint64(i) {
				return host.Mismatch("a["+itoa(i)+"]", got, uint64(i))
			}
		}
		if got := e.Reg("x3"); got != 0 {
			return host.Mismatch("x3", got, 0)
		}
		return nil
	}
}

// UpTo increments a[i] for i from 0 up to and including 99. The loop test
// is less-or-equal, so each thread's bound must stop short of the next
// thread's start.
func UpTo() *host.Case {
	const last = 99
	b := host.NewBuilder(upTo, "amd64")
	rax, rcx, rdx, rbx, rdi := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx"), b.R("rdi")
	entry := b.I(ir.MovImm{Dst: rcx, Imm: 0})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rax}})
	b.I(ir.Arith{Op: ir.Add, Dst: rdx, Src: ir.Imm(1)})
	b.I(ir.Store{Dst: ir.Mem{Base: rax}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: rcx, B: ir.Imm(last)})
	branch := b.I(ir.Jcc{Cond: ir.LE, To: ir.PC(start)})
	b.I(ir.Mov{Dst: rbx, Src: rcx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + hex(entry) + " Start=" + hex(start) + " Branch=" + hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallBlock Copy=rdi Merge=rcx CondMerge=none" +
		" DependGPR=rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=0 Check=" + itoa(last) + " Stride=1 CheckAt=" + hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=le UpdateAt=" + hex(update))
	return b.Case(
		func(e host.Env) {
			e.SetReg("rdi", e.Heap)
		},
		CheckOnce(last+1, func(i int) bool { return i <= last }, "rbx", last+1),
	)
}

// CheckOnce checks that a[i] is 1 for the i in [0, n] that ran and 0 for
// the rest, and that reg holds the loop's final index.
func CheckOnce(n int, ran func(i int) bool, reg string, final int64) func(host.Env) error {
	return func(e host.Env) error {
		for i := 0; i <= n; i++ {
			var want uint64
			if ran(i) {
				want = 1
			}
			if got := e.Word(i); got != want {
				return host.Mismatch("a["+itoa(i)+"]", got, want)
			}
		}
		if got := e.Reg(reg); got != uint64(final) {
			return host.Mismatch(reg, got, uint64(final))
		}
		return nil
	}
}
