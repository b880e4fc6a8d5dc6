package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"parloop/internal/arch"
	"parloop/internal/compile"
	"parloop/internal/ir"
	"parloop/internal/raw"
	"parloop/internal/region"
	"parloop/internal/state"
	"parloop/internal/vm"
)

// Env is what a Case sees of a run: thread 0's registers and the heap the
// host program works in.
type Env struct {
	Be   arch.Backend
	T    *vm.Thread
	Mem  *state.Arena
	Heap uint64
}

func (e Env) reg(name string) ir.Reg {
	r, ok := e.Be.Parse(name)
	if !ok {
		panic("bug")
	}
	return r
}

func (e Env) Reg(name string) uint64 { return e.T.Regs[e.reg(name)][0] }

func (e Env) SetReg(name string, v uint64) { e.T.Regs[e.reg(name)][0] = v }

func (e Env) Vec(name string) [2]uint64 { return e.T.Regs[e.reg(name)] }

func (e Env) SetVec(name string, v [2]uint64) { e.T.Regs[e.reg(name)] = v }

// Word gives the i-th 8-byte word of the heap.
func (e Env) Word(i int) uint64 { return e.Mem.Load(e.Heap + uint64(i)*8) }

func (e Env) SetWord(i int, v uint64) { e.Mem.Store(e.Heap+uint64(i)*8, v) }

// Case is one example: a host program, the schedule that describes its
// loops, and how to set up and check a run.
type Case struct {
	Name     string
	Arch     arch.Backend
	Schedule []byte
	Code     []ir.Instr
	Setup    func(Env)
	Check    func(Env) error
}

// Program gives the host program at the default base.
func (c *Case) Program() *vm.Program {
	return vm.NewProgram(vm.DefaultBase, c.Code)
}

// Report describes how a run went.
type Report struct {
	Threads    int
	Sequential bool
	Degraded   bool
}

// Run compiles the schedule, runs the host program in a fresh region and
// checks the result before the region is torn down. A threads count of 0
// keeps the schedule's. A nil setup or check uses the case's own.
func (c *Case) Run(ctx context.Context, threads int, opt region.Options, setup func(Env), check func(Env) error) (Report, error) {
	if setup == nil {
		setup = c.Setup
	}
	if check == nil {
		check = c.Check
	}
	pl, err := compile.Compile(string(c.Schedule))
	if err != nil {
		return Report{}, err
	}
	if threads > 0 {
		pl = pl.WithThreads(threads)
	}
	r, err := region.New(pl, c.Program(), opt)
	if err != nil && !errors.Is(err, region.ErrSequential) {
		return Report{}, err
	}
	defer r.Close()
	heap, _ := r.Heap()
	e := Env{Be: c.Arch, T: new(vm.Thread), Mem: r.Arena(), Heap: heap}
	setup(e)
	rep := Report{Threads: pl.Threads, Sequential: r.Sequential()}
	if err := r.Exec(ctx, e.T); err != nil {
		return rep, err
	}
	for _, lp := range pl.Loops {
		rep.Degraded = rep.Degraded || r.Degraded(lp.Dyn)
	}
	return rep, check(e)
}

// Builder assembles a host program and its schedule side by side, so the
// schedule can name the PCs the program puts its loop at.
type Builder struct {
	name string
	be   arch.Backend
	pc   uint64
	code []ir.Instr
	text []byte
}

func NewBuilder(name, archName string) *Builder {
	be, ok := arch.Lookup(archName)
	if !ok {
		panic("bug")
	}
	return &Builder{name: name, be: be, pc: vm.DefaultBase}
}

func (b *Builder) Backend() arch.Backend { return b.be }

// R gives the register named name.
func (b *Builder) R(name string) ir.Reg {
	r, ok := b.be.Parse(name)
	if !ok {
		panic("bug")
	}
	return r
}

// I appends one host instruction and returns its PC.
func (b *Builder) I(in ir.Instr) uint64 {
	pc := b.pc
	b.code = append(b.code, in)
	b.pc += 4
	return pc
}

// Mark names the next instruction.
func (b *Builder) Mark(l ir.Label) {
	b.code = append(b.code, ir.Mark{Label: l})
}

// Here is the PC the next instruction will get.
func (b *Builder) Here() uint64 { return b.pc }

func (b *Builder) Line(a string) {
	b.text = append(b.text, a...)
	b.text = append(b.text, '\n')
}

// Config writes the Config line, with the defaults for every field the
// caller leaves out.
func (b *Builder) Config(set map[string]string) {
	const head = "Config"
	b.text = append(b.text, head...)
	for _, seg := range raw.Guide[head].Segs {
		b.text = append(b.text, " "+seg.Label+raw.Binder...)
		switch val, ok := set[seg.Label]; {
		case ok:
			b.text = append(b.text, val...)
		case seg.Label == "Prefix":
			b.text = append(b.text, b.name...)
		case seg.Label == "Arch":
			b.text = append(b.text, b.be.Name()...)
		default:
			b.text = append(b.text, seg.Default...)
		}
	}
	b.text = append(b.text, '\n')
}

func (b *Builder) Case(setup func(Env), check func(Env) error) *Case {
	return &Case{
		Name:     b.name,
		Arch:     b.be,
		Schedule: b.text,
		Code:     b.code,
		Setup:    setup,
		Check:    check,
	}
}

// Hex formats pc the way schedules write addresses.
func Hex(pc uint64) string { return "0x" + strconv.FormatUint(pc, 16) }

// Mismatch describes a wrong value found by a check.
func Mismatch(what string, got, want uint64) error {
	return fmt.Errorf("%s: got %d, want %d", what, int64(got), int64(want))
}
