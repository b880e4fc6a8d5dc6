package arch

import (
	"sort"

	"parloop/internal/ir"
)

// Backend is the per-architecture knowledge the portable code generator
// needs: register enumeration, instruction constructors, and the reserved
// registers (stack pointer, thread-local base, stolen register).
type Backend interface {
	ir.Namer
	Name() string
	NumRegs() int
	Count(c ir.Class) int
	Class(r ir.Reg) ir.Class
	Index(r ir.Reg) int
	ClassMask(c ir.Class) ir.Mask
	Parse(name string) (ir.Reg, bool)
	SP() ir.Reg
	FP() ir.Reg
	Stolen() (ir.Reg, bool)
	ArgReg(i int) ir.Reg
	HasCondMove(c ir.Class) bool
	MemIndirectJump() bool
	TLSMem(disp int64) ir.Mem
	BindTLS(base ir.Reg) []ir.Instr
	Move(dst, src ir.Reg) ir.Instr
	MoveImm(dst ir.Reg, imm int64) ir.Instr
	Load(dst ir.Reg, m ir.Mem) ir.Instr
	Store(m ir.Mem, src ir.Reg) ir.Instr
	AddImm(dst ir.Reg, imm int64) ir.Instr
}

var backends = map[string]func() Backend{
	"amd64": func() Backend { return newAMD64() },
	"arm64": func() Backend { return newARM64() },
}

func Names() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Lookup(name string) (Backend, bool) {
	if fn := backends[name]; fn != nil {
		return fn(), true
	}
	return nil, false
}

// table implements the parts of Backend that differ only in data.
type table struct {
	name    string
	names   []string
	byName  map[string]ir.Reg
	numGPR  int
	sp, fp  ir.Reg
	stolen  ir.Reg
	args    []ir.Reg
	condGPR bool
}

func newTable(name string, gpr, simd []string) *table {
	t := &table{
		name:   name,
		names:  append(append([]string(nil), gpr...), simd...),
		byName: make(map[string]ir.Reg, len(gpr)+len(simd)),
		numGPR: len(gpr),
		stolen: ir.NoReg,
	}
	if len(t.names) > 64 {
		panic("bug")
	}
	for i, nm := range t.names {
		t.byName[nm] = ir.Reg(i)
	}
	return t
}

func (t *table) mustReg(name string) ir.Reg {
	r, ok := t.byName[name]
	if !ok {
		panic("bug")
	}
	return r
}

func (t *table) Name() string { return t.name }

func (t *table) NumRegs() int { return len(t.names) }

func (t *table) Count(c ir.Class) int {
	if c == ir.GPR {
		return t.numGPR
	}
	return len(t.names) - t.numGPR
}

func (t *table) Class(r ir.Reg) ir.Class {
	if int(r) < t.numGPR {
		return ir.GPR
	}
	if int(r) < len(t.names) {
		return ir.SIMD
	}
	panic("bug")
}

func (t *table) Index(r ir.Reg) int {
	if t.Class(r) == ir.GPR {
		return int(r)
	}
	return int(r) - t.numGPR
}

func (t *table) ClassMask(c ir.Class) ir.Mask {
	all := ir.Mask(1)<<uint(len(t.names)) - 1
	gpr := ir.Mask(1)<<uint(t.numGPR) - 1
	if c == ir.GPR {
		return gpr
	}
	return all &^ gpr
}

func (t *table) RegName(r ir.Reg) string {
	if int(r) < len(t.names) {
		return t.names[r]
	}
	return "?"
}

func (t *table) Parse(name string) (ir.Reg, bool) {
	r, ok := t.byName[name]
	return r, ok
}

func (t *table) SP() ir.Reg { return t.sp }

func (t *table) FP() ir.Reg { return t.fp }

func (t *table) Stolen() (ir.Reg, bool) { return t.stolen, t.stolen != ir.NoReg }

func (t *table) ArgReg(i int) ir.Reg { return t.args[i] }

func (t *table) HasCondMove(c ir.Class) bool { return c == ir.GPR && t.condGPR }

func (t *table) Move(dst, src ir.Reg) ir.Instr {
	if t.Class(dst) != t.Class(src) {
		panic("bug")
	}
	if t.Class(dst) == ir.SIMD {
		return ir.MovV{Dst: dst, Src: src}
	}
	return ir.Mov{Dst: dst, Src: src}
}

func (t *table) MoveImm(dst ir.Reg, imm int64) ir.Instr {
	if t.Class(dst) != ir.GPR {
		panic("bug")
	}
	return ir.MovImm{Dst: dst, Imm: imm}
}

func (t *table) Load(dst ir.Reg, m ir.Mem) ir.Instr {
	if t.Class(dst) == ir.SIMD {
		return ir.LoadV{Dst: dst, Src: m}
	}
	return ir.Load{Dst: dst, Src: m}
}

func (t *table) Store(m ir.Mem, src ir.Reg) ir.Instr {
	if t.Class(src) == ir.SIMD {
		return ir.StoreV{Dst: m, Src: src}
	}
	return ir.Store{Dst: m, Src: src}
}

func (t *table) AddImm(dst ir.Reg, imm int64) ir.Instr {
	if t.Class(dst) != ir.GPR {
		panic("bug")
	}
	return ir.Arith{Op: ir.Add, Dst: dst, Src: ir.Imm(imm)}
}
