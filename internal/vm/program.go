package vm

import (
	"fmt"

	"parloop/internal/ir"
)

const (
	DefaultBase uint64 = 0x1000
	CodeBase    uint64 = 0x400000
	width              = 4
)

// Program is an immutable host instruction stream. Each instruction other
// than an ir.Mark gets a PC, counting up from the base in steps of 4.
type Program struct {
	base  uint64
	code  []ir.Instr
	pcs   []uint64
	index map[uint64]int
	marks map[ir.Label]uint64
}

func NewProgram(base uint64, code []ir.Instr) *Program {
	p := &Program{
		base:  base,
		code:  code,
		pcs:   make([]uint64, len(code)),
		index: make(map[uint64]int, len(code)),
		marks: make(map[ir.Label]uint64),
	}
	pc := base
	var pending []ir.Label
	for i, in := range code {
		if m, ok := in.(ir.Mark); ok {
			pending = append(pending, m.Label)
			p.pcs[i] = 0
			continue
		}
		p.pcs[i] = pc
		p.index[pc] = i
		for _, l := range pending {
			p.marks[l] = pc
		}
		pending = pending[:0]
		pc += width
	}
	return p
}

func (p *Program) Base() uint64 { return p.base }

// PCOf gives the PC of the instruction a host label marks.
func (p *Program) PCOf(l ir.Label) (uint64, bool) {
	pc, ok := p.marks[l]
	return pc, ok
}

// Instr gives the host instruction at pc.
func (p *Program) Instr(pc uint64) (ir.Instr, bool) {
	i, ok := p.index[pc]
	if !ok {
		return nil, false
	}
	return p.code[i], true
}

type edit struct {
	before [][]ir.Instr
	after  [][]ir.Instr
	repl   []ir.Instr
	ok     bool
}

type block struct {
	label ir.Label
	code  []ir.Instr
}

// Edit collects instrumentation for a Program: code inserted before or
// after host instructions, replacements, and free-standing blocks. Code
// inserted before an instruction runs whenever the instruction's PC is
// reached, including by a jump. Code inserted after a branch runs only when
// the branch falls through.
type Edit struct {
	prog   *Program
	edits  map[uint64]*edit
	blocks []block
	err    error
}

func (p *Program) Edit() *Edit {
	return &Edit{prog: p, edits: make(map[uint64]*edit)}
}

func (e *Edit) at(pc uint64) *edit {
	if _, ok := e.prog.index[pc]; !ok {
		if e.err == nil {
			e.err = fmt.Errorf("vm: no instruction at pc 0x%x", pc)
		}
		return &edit{}
	}
	ed := e.edits[pc]
	if ed == nil {
		ed = new(edit)
		e.edits[pc] = ed
	}
	return ed
}

func (e *Edit) InsertBefore(pc uint64, code ...ir.Instr) {
	ed := e.at(pc)
	ed.before = append(ed.before, code)
}

func (e *Edit) InsertAfter(pc uint64, code ...ir.Instr) {
	ed := e.at(pc)
	ed.after = append(ed.after, code)
}

func (e *Edit) Replace(pc uint64, code ...ir.Instr) {
	ed := e.at(pc)
	if ed.ok && e.err == nil {
		e.err = fmt.Errorf("vm: pc 0x%x replaced twice", pc)
	}
	ed.repl, ed.ok = code, true
}

func (e *Edit) AddBlock(label ir.Label, code []ir.Instr) {
	e.blocks = append(e.blocks, block{label: label, code: code})
}
