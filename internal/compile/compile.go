package compile

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"parloop/internal/arch"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/raw"
)

// Compile parses schedule text and checks it against the architecture it
// names, producing the loop descriptor table.
func Compile(text string) (*plan.Plan, error) {
	nodes, err := raw.Parse(text)
	if err != nil {
		return nil, err
	}
	st := state{nodes: nodes, byID: make(map[int]*plan.Loop)}
	if err := st.stages(); err != nil {
		return nil, errors.New("compile failed: " + err.Error())
	}
	return &st.plan, nil
}

func anError(msg string, loop int, lines ...int) error {
	var pre string
	if n := len(lines); n != 0 {
		if n > 2 {
			panic("bug")
		}
		l0 := lines[0]
		if n == 1 || l0 == lines[1] {
			pre = fmt.Sprintf("line %d: ", l0)
		} else {
			l1 := lines[1]
			if l0 > l1 {
				l0, l1 = l1, l0
			}
			pre = fmt.Sprintf("lines %d and %d: ", l0, l1)
		}
	}
	if loop >= 0 {
		pre += "Loop " + strconv.Itoa(loop) + ": "
	}
	return errors.New(pre + msg)
}

type state struct {
	nodes  []raw.Node
	config *raw.Config
	be     arch.Backend
	byID   map[int]*plan.Loop
	plan   plan.Plan
}

var stages = [...]func(*state) error{
	(*state).stage1,
	(*state).stage2,
	(*state).stage3,
	(*state).stage4,
	(*state).stage5,
	(*state).stage6,
	(*state).stage7,
	(*state).stage8,
}

func (st *state) stages() error {
	for _, stage := range &stages {
		if err := stage(st); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) stage1() error {
	for _, node := range st.nodes {
		if config, ok := node.(*raw.Config); ok {
			if st.config != nil {
				return anError("second Config", -1, st.config.LineNum, config.LineNum)
			}
			st.config = config
		}
	}
	if st.config == nil {
		return anError("no Config", -1)
	}
	return nil
}

func (st *state) stage2() error {
	name := raw.ArchStrings[st.config.Arch]
	be, ok := arch.Lookup(name)
	if !ok {
		return anError("unsupported Arch "+name, -1, st.config.LineNum)
	}
	st.be = be
	st.plan.Config = st.config
	st.plan.Arch = be
	st.plan.Threads = st.config.Threads
	return nil
}

func (st *state) reg(name string, loop, line int) (ir.Reg, error) {
	r, ok := st.be.Parse(name)
	if !ok {
		return 0, anError("no register named "+strconv.Quote(name)+" on "+st.be.Name(), loop, line)
	}
	return r, nil
}

func (st *state) gpr(name string, loop, line int) (ir.Reg, error) {
	r, err := st.reg(name, loop, line)
	if err != nil {
		return 0, err
	}
	if st.be.Class(r) != ir.GPR {
		return 0, anError(name+" is not a general purpose register", loop, line)
	}
	if r == st.be.SP() {
		return 0, anError(name+" is the stack pointer", loop, line)
	}
	if stolen, ok := st.be.Stolen(); ok && r == stolen {
		return 0, anError(name+" is reserved for thread-local state", loop, line)
	}
	return r, nil
}

func (st *state) mask(names []string, loop, line int) (ir.Mask, error) {
	var m ir.Mask
	for _, name := range names {
		r, err := st.reg(name, loop, line)
		if err != nil {
			return 0, err
		}
		if r == st.be.SP() {
			return 0, anError(name+" is the stack pointer and cannot be transferred", loop, line)
		}
		if m.Has(r) {
			return 0, anError(name+" is listed twice", loop, line)
		}
		m |= ir.Bit(r)
	}
	return m, nil
}

func (st *state) stage3() error {
	for _, node := range st.nodes {
		at, ok := node.(*raw.Loop)
		if !ok {
			continue
		}
		if prev := st.byID[at.ID]; prev != nil {
			return anError("Loops have the same ID", at.ID, prev.Line, at.LineNum)
		}
		lp := &plan.Loop{
			Static: at.ID,
			Dyn:    len(st.plan.Loops),
			Line:   at.LineNum,
			Entry:  at.Entry,
			Start:  at.Start,
			Branch: at.Branch,
			Frame:  at.Frame,
			Policy: at.Policy,
		}
		if !(at.Entry < at.Start && at.Start < at.Branch) {
			return anError("expected Entry < Start < Branch", at.ID, at.LineNum)
		}
		if at.Frame%8 != 0 {
			return anError("Frame is not a multiple of 8", at.ID, at.LineNum)
		}
		if len(at.Scratch) != 4 {
			return anError("expected exactly four Scratch registers", at.ID, at.LineNum)
		}
		var seen ir.Mask
		for i, name := range at.Scratch {
			r, err := st.gpr(name, at.ID, at.LineNum)
			if err != nil {
				return err
			}
			if seen.Has(r) {
				return anError("Scratch register "+name+" is listed twice", at.ID, at.LineNum)
			}
			seen |= ir.Bit(r)
			lp.Scratch[i] = r
		}
		fields := [...]struct {
			names []string
			to    *ir.Mask
		}{
			{at.Copy, &lp.Copy},
			{at.Merge, &lp.Merge},
			{at.CondMerge, &lp.CondMerge},
			{at.DependGPR, &lp.DependGPR},
			{at.DependSIMD, &lp.DependSIMD},
		}
		for i := range &fields {
			m, err := st.mask(fields[i].names, at.ID, at.LineNum)
			if err != nil {
				return err
			}
			*fields[i].to = m
		}
		if lp.DependGPR&^st.be.ClassMask(ir.GPR) != 0 {
			return anError("DependGPR lists a vector register", at.ID, at.LineNum)
		}
		if lp.DependSIMD&^st.be.ClassMask(ir.SIMD) != 0 {
			return anError("DependSIMD lists a general purpose register", at.ID, at.LineNum)
		}
		if missing := (lp.DependGPR | lp.DependSIMD) &^ lp.Copy; missing != 0 {
			return anError("depending register "+st.be.RegName(missing.Regs()[0])+" is not in Copy",
				at.ID, at.LineNum)
		}
		st.byID[at.ID] = lp
		st.plan.Loops = append(st.plan.Loops, lp)
	}
	if len(st.plan.Loops) == 0 {
		return anError("no Loop", -1)
	}
	return nil
}

func (st *state) stage4() error {
	loops := append([]*plan.Loop(nil), st.plan.Loops...)
	sort.Slice(loops, func(i, j int) bool { return loops[i].Entry < loops[j].Entry })
	for i := 1; i < len(loops); i++ {
		a, b := loops[i-1], loops[i]
		if b.Entry <= a.Branch {
			return anError("Loop overlaps Loop "+strconv.Itoa(a.Static), b.Static, a.Line, b.Line)
		}
	}
	return nil
}

func (st *state) loop(id, line int) (*plan.Loop, error) {
	lp := st.byID[id]
	if lp == nil {
		return nil, anError("no Loop with this ID", id, line)
	}
	return lp, nil
}

func (st *state) loc(v raw.Value, loop, line int) (plan.Loc, error) {
	loc := plan.Loc{Kind: v.Kind, Reg: ir.NoReg, N: v.N}
	if v.Kind == raw.ValReg {
		r, err := st.gpr(v.Reg, loop, line)
		if err != nil {
			return loc, err
		}
		loc.Reg = r
	}
	if (v.Kind == raw.ValStack || v.Kind == raw.ValFrame || v.Kind == raw.ValAbs) && v.N%8 != 0 {
		return loc, anError(v.String()+" is not 8-byte aligned", loop, line)
	}
	return loc, nil
}

func (st *state) inBody(lp *plan.Loop, pc uint64) bool {
	return lp.Start <= pc && pc < lp.Branch && pc%4 == 0
}

func (st *state) stage5() error {
	for _, node := range st.nodes {
		at, ok := node.(*raw.Var)
		if !ok {
			continue
		}
		lp, err := st.loop(at.Loop, at.LineNum)
		if err != nil {
			return err
		}
		id, line := at.Loop, at.LineNum
		v := &plan.Var{
			Index:    len(lp.Vars),
			Line:     line,
			Stride:   at.Stride,
			CheckAt:  at.CheckAt,
			Form:     at.CheckForm,
			First:    at.CheckFirst,
			Cond:     ir.Cond(at.Cond),
			UpdateAt: at.UpdateAt,
		}
		switch at.Loc.Kind {
		case raw.ValConst, raw.ValAbs:
			return anError("Loc "+at.Loc.String()+" is "+raw.ValueKindStrings[at.Loc.Kind]+
				" but a variable must be private to each thread", id, line)
		}
		if v.Loc, err = st.loc(at.Loc, id, line); err != nil {
			return err
		}
		if v.Init, err = st.loc(at.Init, id, line); err != nil {
			return err
		}
		if at.Stride == 0 {
			return anError("Stride is zero", id, line)
		}
		if at.Check != nil {
			c, err := st.loc(*at.Check, id, line)
			if err != nil {
				return err
			}
			v.Check = &c
		}
		if v.Checked() {
			if lp.Check != nil {
				return anError("second checked Var", id, lp.Check.Line, line)
			}
			if v.Check == nil {
				return anError("CheckAt is set but Check is none", id, line)
			}
			if !st.inBody(lp, v.CheckAt) {
				return anError("CheckAt is not inside the loop", id, line)
			}
			if v.Form == raw.FormSub && v.Loc.Kind != raw.ValReg {
				return anError("a "+raw.CheckFormStrings[raw.FormSub]+" check needs a register Loc", id, line)
			}
			lp.Check = v
		} else if v.Check != nil {
			return anError("Check is set but CheckAt is 0", id, line)
		}
		if v.UpdateAt != 0 && !st.inBody(lp, v.UpdateAt) {
			return anError("UpdateAt is not inside the loop", id, line)
		}
		lp.Vars = append(lp.Vars, v)
	}
	return nil
}

func (st *state) stage6() error {
	for _, lp := range st.plan.Loops {
		if lp.Check == nil {
			return anError("no checked Var", lp.Static, lp.Line)
		}
		if lp.Check.Cond == ir.E {
			return anError("Cond e cannot close a loop", lp.Static, lp.Check.Line)
		}
		if lp.Policy != raw.DoallCyclicChunk {
			continue
		}
		for _, v := range lp.Vars {
			if v.UpdateAt == 0 && !(v.Checked() && v.Form == raw.FormSub) {
				return anError(raw.PolicyStrings[raw.DoallCyclicChunk]+" needs UpdateAt for every Var",
					lp.Static, v.Line)
			}
		}
	}
	for _, lp := range st.plan.Loops {
		for _, v := range lp.Vars {
			if (v.Loc.Kind == raw.ValFrame || v.Init.Kind == raw.ValFrame) &&
				ir.MaskOf(lp.Scratch[:]...).Has(st.be.FP()) {
				return anError("frame slots are used but the frame pointer is a Scratch register",
					lp.Static, v.Line)
			}
		}
	}
	return nil
}

func (st *state) stage7() error {
	for _, node := range st.nodes {
		at, ok := node.(*raw.Write)
		if !ok {
			continue
		}
		lp, err := st.loop(at.Loop, at.LineNum)
		if err != nil {
			return err
		}
		m, err := st.mask(at.Regs, at.Loop, at.LineNum)
		if err != nil {
			return err
		}
		if m&^lp.CondMerge != 0 {
			return anError("Write lists a register that is not in CondMerge", at.Loop, at.LineNum)
		}
		if !st.inBody(lp, at.At) {
			return anError("At is not inside the loop", at.Loop, at.LineNum)
		}
		lp.Writes = append(lp.Writes, &plan.Write{Line: at.LineNum, At: at.At, Regs: m})
	}
	return nil
}

func (st *state) stage8() error {
	for _, node := range st.nodes {
		at, ok := node.(*raw.Alias)
		if !ok {
			continue
		}
		lp, err := st.loop(at.Loop, at.LineNum)
		if err != nil {
			return err
		}
		if !st.config.SafeRuntimeCheck {
			return anError("Alias needs SafeRuntimeCheck=yes", at.Loop, st.config.LineNum, at.LineNum)
		}
		a, err := st.gpr(at.A, at.Loop, at.LineNum)
		if err != nil {
			return err
		}
		b, err := st.gpr(at.B, at.Loop, at.LineNum)
		if err != nil {
			return err
		}
		lp.Aliases = append(lp.Aliases, &plan.Alias{Line: at.LineNum, A: a, B: b, Extent: at.Extent})
	}
	return nil
}
