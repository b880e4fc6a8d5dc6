package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/state"
)

func newArena(t *testing.T) (*state.Arena, uint64) {
	t.Helper()
	tab := layout.New(layout.Params{Threads: 1})
	a, err := state.NewArena(tab)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	heap, _ := tab.Heap()
	return a, heap
}

// sum adds 1 through 10 into r0 and stores it at [r2].
func sum() *Program {
	return NewProgram(DefaultBase, []ir.Instr{
		ir.MovImm{Dst: 0, Imm: 0},
		ir.MovImm{Dst: 1, Imm: 1},
		ir.Mark{Label: "top"},
		ir.Arith{Op: ir.Add, Dst: ir.Reg(0), Src: ir.Reg(1)},
		ir.Arith{Op: ir.Add, Dst: ir.Reg(1), Src: ir.Imm(1)},
		ir.Cmp{A: ir.Reg(1), B: ir.Imm(10)},
		ir.Jcc{Cond: ir.LE, To: "top"},
		ir.Store{Dst: ir.Mem{Base: 2}, Src: 0},
	})
}

func TestProgram(t *testing.T) {
	p := sum()
	pc, ok := p.PCOf("top")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1008), pc)
	in, ok := p.Instr(0x1018)
	require.True(t, ok)
	assert.IsType(t, ir.Store{}, in)
	_, ok = p.Instr(0x101c)
	assert.False(t, ok)
}

func TestRun(t *testing.T) {
	mem, heap := newArena(t)
	im, err := sum().Edit().Link(mem)
	require.NoError(t, err)
	entry, ok := im.Addr(ir.PC(DefaultBase))
	require.True(t, ok)
	assert.Equal(t, CodeBase, entry)
	th := &Thread{}
	th.Regs[2][0] = heap
	exit, err := im.Run(th, entry)
	require.NoError(t, err)
	assert.Equal(t, ir.ExitHalt, exit)
	assert.Equal(t, uint64(55), th.Regs[0][0])
	assert.Equal(t, uint64(55), mem.Load(heap))
}

func TestRun_edited(t *testing.T) {
	mem, heap := newArena(t)
	ed := sum().Edit()
	ed.InsertBefore(0x1018, ir.Jmp{To: "blk"}, ir.Mark{Label: "back"})
	ed.InsertAfter(0x1018, ir.MovImm{Dst: 4, Imm: 9})
	ed.AddBlock("blk", []ir.Instr{
		ir.MovImm{Dst: 3, Imm: 7},
		ir.Jmp{To: "back"},
	})
	im, err := ed.Link(mem)
	require.NoError(t, err)
	th := &Thread{}
	th.Regs[2][0] = heap
	exit, err := im.Run(th, CodeBase)
	require.NoError(t, err)
	assert.Equal(t, ir.ExitHalt, exit)
	assert.Equal(t, uint64(7), th.Regs[3][0])
	assert.Equal(t, uint64(9), th.Regs[4][0])
	assert.Equal(t, uint64(55), mem.Load(heap))
}

func TestLink_errors(t *testing.T) {
	mem, _ := newArena(t)
	ed := sum().Edit()
	ed.AddBlock("top", nil)
	_, err := ed.Link(mem)
	assert.EqualError(t, err, "vm: label top defined twice")

	ed = sum().Edit()
	ed.InsertAfter(0x1000, ir.Jmp{To: "nowhere"})
	_, err = ed.Link(mem)
	assert.EqualError(t, err, "vm: undefined label nowhere")

	ed = sum().Edit()
	ed.Replace(0x1002)
	_, err = ed.Link(mem)
	assert.EqualError(t, err, "vm: no instruction at pc 0x1002")

	ed = sum().Edit()
	ed.Replace(0x1000)
	ed.Replace(0x1000)
	_, err = ed.Link(mem)
	assert.EqualError(t, err, "vm: pc 0x1000 replaced twice")
}

func TestRun_faults(t *testing.T) {
	mem, _ := newArena(t)
	im, err := sum().Edit().Link(mem)
	require.NoError(t, err)

	var f *Fault
	_, err = im.Run(&Thread{ID: 3}, CodeBase)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, 3, f.Thread)
	assert.Equal(t, "bad store address 0x0", f.Msg)
	assert.Equal(t, CodeBase+7*width, f.Addr)

	_, err = im.Run(&Thread{Budget: 5}, CodeBase)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "step budget exhausted", f.Msg)

	_, err = im.Run(&Thread{}, CodeBase+2)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "bad jump address 0x400002", f.Msg)

	_, err = im.Run(&Thread{}, CodeBase+uint64(im.Len())*width)
	assert.Error(t, err)
}

func TestCond_flags(t *testing.T) {
	for _, tc := range []struct {
		a, b int64
		c    ir.Cond
		want bool
	}{
		{-1, 0, ir.L, true},
		{-1, 0, ir.B, false},
		{3, 3, ir.GE, true},
		{4, 3, ir.G, true},
		{2, 3, ir.NE, true},
	} {
		th := &Thread{}
		th.SetFlags(uint64(tc.a), uint64(tc.b))
		a, b := th.Flags()
		assert.Equal(t, tc.want, tc.c.Eval(a, b), "%d %s %d", tc.a, ir.CondStrings[tc.c], tc.b)
	}
}
