package vm

import (
	"fmt"

	"parloop/internal/ir"
	"parloop/internal/state"
)

// Image is a linked Program plus its instrumentation, ready to run on any
// number of threads at once. It is never modified after Link.
type Image struct {
	code    []ir.Instr
	targets []int
	labels  map[ir.Label]int
	mem     *state.Arena
}

// Link flattens the edited program. Every label (host PCs, host marks,
// block names, marks inside inserted code) must be unique and every jump
// target must resolve.
func (e *Edit) Link(mem *state.Arena) (*Image, error) {
	if e.err != nil {
		return nil, e.err
	}
	im := &Image{labels: make(map[ir.Label]int), mem: mem}
	def := func(l ir.Label) error {
		if _, dup := im.labels[l]; dup {
			return fmt.Errorf("vm: label %s defined twice", l)
		}
		im.labels[l] = len(im.code)
		return nil
	}
	emit := func(code []ir.Instr) error {
		for _, in := range code {
			if m, ok := in.(ir.Mark); ok {
				if err := def(m.Label); err != nil {
					return err
				}
			}
			im.code = append(im.code, in)
		}
		return nil
	}
	p := e.prog
	for i, in := range p.code {
		if m, ok := in.(ir.Mark); ok {
			if err := emit([]ir.Instr{m}); err != nil {
				return nil, err
			}
			continue
		}
		pc := p.pcs[i]
		if err := def(ir.PC(pc)); err != nil {
			return nil, err
		}
		ed := e.edits[pc]
		if ed == nil {
			im.code = append(im.code, in)
			continue
		}
		for _, code := range ed.before {
			if err := emit(code); err != nil {
				return nil, err
			}
		}
		if ed.ok {
			if err := emit(ed.repl); err != nil {
				return nil, err
			}
		} else {
			im.code = append(im.code, in)
		}
		for _, code := range ed.after {
			if err := emit(code); err != nil {
				return nil, err
			}
		}
	}
	im.code = append(im.code, ir.Yield{Exit: ir.ExitHalt})
	for _, b := range e.blocks {
		if err := def(b.label); err != nil {
			return nil, err
		}
		if err := emit(b.code); err != nil {
			return nil, err
		}
	}
	im.targets = make([]int, len(im.code))
	for i, in := range im.code {
		im.targets[i] = -1
		var to ir.Label
		switch x := in.(type) {
		case ir.Jcc:
			to = x.To
		case ir.Jmp:
			to = x.To
		default:
			continue
		}
		j, ok := im.labels[to]
		if !ok {
			return nil, fmt.Errorf("vm: undefined label %s", to)
		}
		im.targets[i] = j
	}
	return im, nil
}

func (im *Image) Len() int { return len(im.code) }

// Addr gives the code address of a label, as stored in gen_code tables and
// used by indirect jumps.
func (im *Image) Addr(l ir.Label) (uint64, bool) {
	i, ok := im.labels[l]
	if !ok {
		return 0, false
	}
	return CodeBase + uint64(i)*width, true
}

func (im *Image) index(addr uint64) (int, bool) {
	if addr < CodeBase || (addr-CodeBase)%width != 0 {
		return 0, false
	}
	i := int((addr - CodeBase) / width)
	return i, i < len(im.code)
}

// Listing renders the linked code, one instruction per line.
func (im *Image) Listing(n ir.Namer) []byte {
	var to []byte
	for _, in := range im.code {
		to = in.Append(to, n)
	}
	return to
}
