package bound

import (
	"parloop/internal/compile/author/xfer"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/raw"
)

// Range is the half-open share [Start, End) of one thread, in the
// direction of the stride.
type Range struct {
	Start, End int64
}

// Quota is the number of whole strides each thread gets under the block
// policy. The last thread also absorbs the remainder.
func Quota(init, check, stride int64, n int) int64 {
	return (check - init) / stride / int64(n)
}

// BlockRanges splits [init, check) into n contiguous shares. Only the
// last share ends at check itself.
func BlockRanges(init, check, stride int64, n int) []Range {
	q := Quota(init, check, stride, n)
	rs := make([]Range, n)
	for tid := range rs {
		rs[tid].Start = init + stride*q*int64(tid)
		if tid == n-1 {
			rs[tid].End = check
		} else {
			rs[tid].End = init + stride*q*int64(tid+1)
		}
	}
	return rs
}

// CyclicStart is where thread tid begins when every thread takes every
// nth iteration.
func CyclicStart(init, stride int64, tid int) int64 {
	return init + stride*int64(tid)
}

// Exclusive gives the bound that ends the same iterations as check does
// under cond, but is never reached itself. An inclusive test moves it one
// step past check in the direction of stride.
func Exclusive(check, stride int64, cond ir.Cond) int64 {
	if !cond.Inclusive() {
		return check
	}
	if stride < 0 {
		return check - 1
	}
	return check + 1
}

// Count is the number of iterations of init, init+stride, ... before
// check, for a loop that runs at least once.
func Count(init, check, stride int64) int64 {
	sgn := int64(1)
	if stride < 0 {
		sgn = -1
	}
	return (check - init + stride - sgn) / stride
}

// Ctx emits induction variable setup and the rewrites of a loop's exit
// test that confine each thread to its share.
type Ctx struct {
	x  *xfer.Ctx
	lp *plan.Loop
	n  int
}

func NewCtx(x *xfer.Ctx, lp *plan.Loop, threads int) *Ctx {
	return &Ctx{x: x, lp: lp, n: threads}
}

func (c *Ctx) s(i int) ir.Reg { return c.x.Scratch(i) }

// unsigned reports whether the checked variable is compared unsigned.
func (c *Ctx) unsigned() bool { return c.lp.Check.Cond.Unsigned() }

// loopCond is the condition on cmp iv,bound under which a thread keeps
// going toward an exclusive bound.
func (c *Ctx) loopCond() ir.Cond {
	up := c.lp.Check.Stride > 0
	switch {
	case up && c.unsigned():
		return ir.B
	case up:
		return ir.L
	case c.unsigned():
		return ir.A
	}
	return ir.G
}

// emptyCond is the condition on cmp start,bound under which a share holds
// no iterations.
func (c *Ctx) emptyCond() ir.Cond { return c.loopCond().Negate() }

// past is how far the published bound lies beyond the check value.
func (c *Ctx) past() int64 {
	chk := c.lp.Check
	return Exclusive(0, chk.Stride, chk.Cond)
}

// Publish evaluates every variable's initial value, and the checked
// variable's bound, into the shared state block. The bound is published
// exclusive. It runs on the main thread before the workers are released.
func (c *Ctx) Publish() (to ir.Seq) {
	for _, v := range c.lp.Vars {
		to = append(to, c.x.ReadLoc(c.s(0), v.Init)...)
		to = append(to, ir.Store{Dst: c.x.Shared(layout.IVInit, v.Index), Src: c.s(0)})
	}
	to = append(to, c.x.ReadLoc(c.s(0), *c.lp.Check.Check)...)
	if d := c.past(); d != 0 {
		to = append(to, ir.Arith{Op: ir.Add, Dst: c.s(0), Src: ir.Imm(d)})
	}
	to = append(to, ir.Store{Dst: c.x.Shared(layout.IVCheck, c.lp.Check.Index), Src: c.s(0)})
	return
}

// Init gives thread tid its starting values and bound from the published
// ones, then jumps to empty if the share holds no iterations.
func (c *Ctx) Init(tid int, empty ir.Label) ir.Seq {
	if c.lp.Policy == raw.DoallCyclicChunk {
		return c.cyclic(tid, empty)
	}
	return c.block(tid, empty)
}

func (c *Ctx) block(tid int, empty ir.Label) ir.Seq {
	chk := c.lp.Check
	s0, s1, s2, s3 := c.s(0), c.s(1), c.s(2), c.s(3)
	to := ir.Seq{
		ir.Load{Dst: s0, Src: c.x.Shared(layout.IVCheck, chk.Index)},
		ir.Arith{Op: ir.Sub, Dst: s0, Src: c.x.Shared(layout.IVInit, chk.Index)},
		ir.Arith{Op: ir.Div, Dst: s0, Src: ir.Imm(chk.Stride)},
		ir.Arith{Op: ir.Div, Dst: s0, Src: ir.Imm(int64(c.n))},
	}
	for _, v := range c.lp.Vars {
		to = append(to,
			ir.Load{Dst: s1, Src: c.x.Shared(layout.IVInit, v.Index)},
			ir.Mov{Dst: s2, Src: s0},
			ir.Arith{Op: ir.Mul, Dst: s2, Src: ir.Imm(v.Stride * int64(tid))},
			ir.Arith{Op: ir.Add, Dst: s1, Src: s2},
		)
		to = append(to, c.x.WriteLoc(v.Loc, s1)...)
		if v == chk {
			to = append(to, ir.Mov{Dst: s3, Src: s1})
		}
	}
	if tid == c.n-1 {
		to = append(to, ir.Load{Dst: s2, Src: c.x.Shared(layout.IVCheck, chk.Index)})
	} else {
		to = append(to,
			ir.Arith{Op: ir.Mul, Dst: s0, Src: ir.Imm(chk.Stride * int64(tid+1))},
			ir.Load{Dst: s2, Src: c.x.Shared(layout.IVInit, chk.Index)},
			ir.Arith{Op: ir.Add, Dst: s2, Src: s0},
		)
	}
	return append(to,
		ir.Store{Dst: c.x.TLS(layout.Bound, c.lp.Dyn), Src: s2},
		ir.Cmp{A: s3, B: s2},
		ir.Jcc{Cond: c.emptyCond(), To: empty},
	)
}

func (c *Ctx) cyclic(tid int, empty ir.Label) ir.Seq {
	chk := c.lp.Check
	s1, s2, s3 := c.s(1), c.s(2), c.s(3)
	var to ir.Seq
	for _, v := range c.lp.Vars {
		to = append(to,
			ir.Load{Dst: s1, Src: c.x.Shared(layout.IVInit, v.Index)},
			ir.Arith{Op: ir.Add, Dst: s1, Src: ir.Imm(v.Stride * int64(tid))},
		)
		to = append(to, c.x.WriteLoc(v.Loc, s1)...)
		if v == chk {
			to = append(to, ir.Mov{Dst: s3, Src: s1})
		}
	}
	return append(to,
		ir.Load{Dst: s2, Src: c.x.Shared(layout.IVCheck, chk.Index)},
		ir.Store{Dst: c.x.TLS(layout.Bound, c.lp.Dyn), Src: s2},
		ir.Cmp{A: s3, B: s2},
		ir.Jcc{Cond: c.emptyCond(), To: empty},
	)
}

// Compare builds cmp a,b for a loop branch taken under cond. An immediate
// cannot be the first operand, so in that case the operands are swapped
// and the condition the branch must use instead is returned.
func Compare(a, b ir.Operand, cond ir.Cond) (ir.Cmp, ir.Cond) {
	if _, imm := a.(ir.Imm); imm {
		return ir.Cmp{A: b, B: a}, cond.Swap()
	}
	return ir.Cmp{A: a, B: b}, cond
}

// order puts the variable and its bound in the operand order of the
// original test.
func order(v *plan.Var, iv, bound ir.Operand) (a, b ir.Operand) {
	if v.First {
		return bound, iv
	}
	return iv, bound
}

// pick chooses a scratch register the loop body's test does not read.
func (c *Ctx) pick(avoid ...ir.Operand) int {
	var busy ir.Mask
	for _, op := range avoid {
		switch op := op.(type) {
		case ir.Reg:
			busy |= ir.Bit(op)
		case ir.Mem:
			if op.Base != ir.NoReg {
				busy |= ir.Bit(op.Base)
			}
		}
	}
	for i := 0; i < layout.NumScratch; i++ {
		if !busy.Has(c.s(i)) {
			return i
		}
	}
	panic("bug")
}

// Substrate is the instrumentation capability the rewrites are applied
// through.
type Substrate interface {
	InsertBefore(pc uint64, code ...ir.Instr)
	InsertAfter(pc uint64, code ...ir.Instr)
	Replace(pc uint64, code ...ir.Instr)
}

// Rewrite patches the loop body so each thread stops at its own bound
// (block policy) or steps over the other threads' iterations (cyclic
// policy).
func (c *Ctx) Rewrite(sub Substrate) {
	chk := c.lp.Check
	iv := c.x.Operand(chk.Loc)
	cond := chk.Cond
	if c.lp.Policy == raw.DoallCyclicChunk {
		n := int64(c.n)
		for _, v := range c.lp.Vars {
			if v.UpdateAt == 0 || (v.Checked() && v.Form == raw.FormSub && v.UpdateAt == v.CheckAt) {
				continue
			}
			sub.Replace(v.UpdateAt, ir.Arith{Op: ir.Add, Dst: c.x.Operand(v.Loc), Src: ir.Imm(v.Stride * n)})
		}
		cond = c.loopCond()
		if chk.Cond.Inclusive() {
			cond = orEqual(cond)
		}
		if chk.First {
			cond = cond.Swap()
		}
		check := c.x.Operand(*chk.Check)
		a, b := order(chk, iv, check)
		if chk.Form == raw.FormSub {
			sub.Replace(chk.CheckAt, ir.Arith{Op: ir.Sub, Dst: iv, Src: ir.Imm(-chk.Stride * n), Flags: true})
			cmp, swapped := Compare(a, b, cond)
			sub.InsertAfter(chk.CheckAt, cmp)
			cond = swapped
		}
		sub.Replace(c.lp.Branch, ir.Jcc{Cond: cond, To: ir.PC(c.lp.Start)})
		return
	}
	cond = cond.Strict()
	i := c.pick(iv)
	t := c.s(i)
	a, b := order(chk, iv, t)
	cmp, swapped := Compare(a, b, cond)
	seq := []ir.Instr{
		ir.Store{Dst: c.x.TLS(layout.Spill, i), Src: t},
		ir.Load{Dst: t, Src: c.x.TLS(layout.Bound, c.lp.Dyn)},
		cmp,
		ir.Load{Dst: t, Src: c.x.TLS(layout.Spill, i)},
	}
	if chk.Form == raw.FormSub {
		sub.InsertAfter(chk.CheckAt, seq...)
	} else {
		sub.Replace(chk.CheckAt, seq...)
	}
	if swapped != chk.Cond {
		sub.Replace(c.lp.Branch, ir.Jcc{Cond: swapped, To: ir.PC(c.lp.Start)})
	}
}

func orEqual(c ir.Cond) ir.Cond {
	switch c {
	case ir.L:
		return ir.LE
	case ir.G:
		return ir.GE
	case ir.B:
		return ir.BE
	case ir.A:
		return ir.AE
	}
	panic("bug")
}

// RecordWrites makes each thread note in its written mask every time it
// reaches a write point of a conditionally merged register.
func (c *Ctx) RecordWrites(sub Substrate) {
	for _, w := range c.lp.Writes {
		t := c.s(0)
		spill := c.x.TLS(layout.Spill, 0)
		written := c.x.TLS(layout.Written, 0)
		sub.InsertBefore(w.At,
			ir.Store{Dst: spill, Src: t},
			ir.Load{Dst: t, Src: written},
			ir.Arith{Op: ir.Or, Dst: t, Src: ir.Imm(int64(w.Regs))},
			ir.Store{Dst: written, Src: t},
			ir.Load{Dst: t, Src: spill},
		)
	}
}
