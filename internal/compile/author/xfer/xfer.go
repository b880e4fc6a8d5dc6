package xfer

import (
	"parloop/internal/arch"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/raw"
)

// Ctx emits register bank transfers for one loop. Scratch registers and
// the stolen register are never moved directly: their application values
// live in thread-local slots while generated code runs, and the
// indirection table redirects every transfer of them to those slots.
type Ctx struct {
	be      arch.Backend
	tab     *layout.Table
	scratch [layout.NumScratch]ir.Reg
	slots   map[ir.Reg]int64
	Temp    ir.Reg
	Base    ir.Reg
}

func NewCtx(be arch.Backend, tab *layout.Table, scratch [layout.NumScratch]ir.Reg) *Ctx {
	c := &Ctx{
		be:      be,
		tab:     tab,
		scratch: scratch,
		slots:   make(map[ir.Reg]int64, layout.NumScratch+1),
		Temp:    scratch[0],
		Base:    scratch[1],
	}
	for i, r := range scratch {
		c.slots[r] = tab.Rel(layout.Spill, i)
	}
	if r, ok := be.Stolen(); ok {
		c.slots[r] = tab.Rel(layout.StolenSlot, 0)
	}
	return c
}

func (c *Ctx) Backend() arch.Backend { return c.be }

func (c *Ctx) Table() *layout.Table { return c.tab }

func (c *Ctx) Scratch(i int) ir.Reg { return c.scratch[i] }

// TLS addresses a field of the executing thread's state block.
func (c *Ctx) TLS(f layout.Field, idx int) ir.Mem {
	return c.be.TLSMem(c.tab.Rel(f, idx))
}

// Shared addresses a field of the shared state block.
func (c *Ctx) Shared(f layout.Field, idx int) ir.Mem {
	return ir.Abs(c.tab.Addr(f, 0, idx))
}

// Slot reports where the application value of r lives while generated
// code runs, if r is redirected.
func (c *Ctx) Slot(r ir.Reg) (ir.Mem, bool) {
	disp, ok := c.slots[r]
	if !ok {
		return ir.Mem{}, false
	}
	return c.be.TLSMem(disp), true
}

func (c *Ctx) SaveScratch(from int) (to ir.Seq) {
	for i := from; i < layout.NumScratch; i++ {
		to = append(to, ir.Store{Dst: c.TLS(layout.Spill, i), Src: c.scratch[i]})
	}
	return
}

func (c *Ctx) RestoreScratch() (to ir.Seq) {
	for i, r := range c.scratch {
		to = append(to, ir.Load{Dst: r, Src: c.TLS(layout.Spill, i)})
	}
	return
}

func (c *Ctx) shared(r ir.Reg) ir.Mem {
	if c.be.Class(r) == ir.SIMD {
		return c.Shared(layout.SharedSIMD, c.be.Index(r))
	}
	return c.Shared(layout.SharedGPR, c.be.Index(r))
}

func (c *Ctx) private(r ir.Reg) (layout.Field, int) {
	if c.be.Class(r) == ir.SIMD {
		return layout.PrivSIMD, c.be.Index(r)
	}
	return layout.PrivGPR, c.be.Index(r)
}

// toMem stores the application value of r at m.
func (c *Ctx) toMem(to ir.Seq, r ir.Reg, m ir.Mem) ir.Seq {
	if slot, ok := c.Slot(r); ok {
		return append(to,
			ir.Load{Dst: c.Temp, Src: slot},
			ir.Store{Dst: m, Src: c.Temp},
		)
	}
	return append(to, c.be.Store(m, r))
}

// fromMem makes m the application value of r.
func (c *Ctx) fromMem(to ir.Seq, r ir.Reg, m ir.Mem) ir.Seq {
	if slot, ok := c.Slot(r); ok {
		return append(to,
			ir.Load{Dst: c.Temp, Src: m},
			ir.Store{Dst: slot, Src: c.Temp},
		)
	}
	return append(to, c.be.Load(r, m))
}

// SpillToShared copies each register in mask to its slot in the shared
// bank. Each slot has a cache line to itself.
func (c *Ctx) SpillToShared(mask ir.Mask) (to ir.Seq) {
	for _, r := range mask.Regs() {
		to = c.toMem(to, r, c.shared(r))
	}
	return
}

func (c *Ctx) RestoreFromShared(mask ir.Mask) (to ir.Seq) {
	for _, r := range mask.Regs() {
		to = c.fromMem(to, r, c.shared(r))
	}
	return
}

// SpillToPrivate copies each register in mask to the private bank of the
// executing thread, tid.
func (c *Ctx) SpillToPrivate(mask ir.Mask, tid int) (to ir.Seq) {
	for _, r := range mask.Regs() {
		f, idx := c.private(r)
		to = c.toMem(to, r, c.TLS(f, idx))
	}
	return
}

// ForeignBase loads the state block address of thread tid into Base.
func (c *Ctx) ForeignBase(tid int) ir.Instr {
	return ir.Load{Dst: c.Base, Src: ir.Abs(c.tab.Addr(layout.Oracle, 0, tid))}
}

// Private addresses the private bank slot of r in thread read's block,
// assuming ForeignBase(read) has run when read differs from my.
func (c *Ctx) Private(r ir.Reg, my, read int) ir.Mem {
	f, idx := c.private(r)
	if my == read {
		return c.TLS(f, idx)
	}
	return ir.Mem{Base: c.Base, Disp: c.tab.Rel(f, idx)}
}

// RestoreFromPrivate loads each register in mask from the private bank of
// thread read into the executing thread my.
func (c *Ctx) RestoreFromPrivate(mask ir.Mask, my, read int) (to ir.Seq) {
	if mask == 0 {
		return nil
	}
	if my != read {
		to = append(to, c.ForeignBase(read))
	}
	for _, r := range mask.Regs() {
		to = c.fromMem(to, r, c.Private(r, my, read))
	}
	return
}

func (c *Ctx) locMem(l plan.Loc) ir.Mem {
	switch l.Kind {
	case raw.ValStack:
		return ir.Mem{Base: c.be.SP(), Disp: l.N}
	case raw.ValFrame:
		return ir.Mem{Base: c.be.FP(), Disp: l.N}
	case raw.ValAbs:
		return ir.Abs(uint64(l.N))
	}
	panic("bug")
}

// Operand gives l as it appears inside the loop body, where every register
// holds its application value.
func (c *Ctx) Operand(l plan.Loc) ir.Operand {
	switch l.Kind {
	case raw.ValReg:
		return l.Reg
	case raw.ValConst:
		return ir.Imm(l.N)
	}
	return c.locMem(l)
}

// ReadLoc loads the application value of l into dst from generated code.
func (c *Ctx) ReadLoc(dst ir.Reg, l plan.Loc) ir.Seq {
	switch l.Kind {
	case raw.ValReg:
		if slot, ok := c.Slot(l.Reg); ok {
			return ir.Seq{ir.Load{Dst: dst, Src: slot}}
		}
		return ir.Seq{ir.Mov{Dst: dst, Src: l.Reg}}
	case raw.ValConst:
		return ir.Seq{ir.MovImm{Dst: dst, Imm: l.N}}
	}
	return ir.Seq{ir.Load{Dst: dst, Src: c.locMem(l)}}
}

// WriteLoc makes src the application value of l. Only thread-private
// locations are writable.
func (c *Ctx) WriteLoc(l plan.Loc, src ir.Reg) ir.Seq {
	switch l.Kind {
	case raw.ValReg:
		if slot, ok := c.Slot(l.Reg); ok {
			return ir.Seq{ir.Store{Dst: slot, Src: src}}
		}
		return ir.Seq{ir.Mov{Dst: l.Reg, Src: src}}
	case raw.ValStack, raw.ValFrame:
		return ir.Seq{ir.Store{Dst: c.locMem(l), Src: src}}
	}
	panic("bug")
}
