package xfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/arch"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/state"
	"parloop/internal/vm"
)

type rig struct {
	be  arch.Backend
	tab *layout.Table
	reg *state.Registry
	x   *Ctx
}

func newRig(t *testing.T) *rig {
	t.Helper()
	be, ok := arch.Lookup("amd64")
	require.True(t, ok)
	tab := layout.New(layout.Params{
		Threads: 2,
		Loops:   1,
		Vars:    1,
		GPRs:    be.Count(ir.GPR),
		SIMDs:   be.Count(ir.SIMD),
	})
	arena, err := state.NewArena(tab)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	var scratch [layout.NumScratch]ir.Reg
	for i, name := range []string{"rax", "r9", "r10", "r11"} {
		scratch[i], _ = be.Parse(name)
	}
	return &rig{
		be:  be,
		tab: tab,
		reg: state.NewRegistry(arena, tab),
		x:   NewCtx(be, tab, scratch),
	}
}

func (r *rig) r(name string) ir.Reg {
	reg, ok := r.be.Parse(name)
	if !ok {
		panic("bug")
	}
	return reg
}

// run links code as a block and runs it to its yield on thread tid.
func (r *rig) run(t *testing.T, th *vm.Thread, code ir.Seq) {
	t.Helper()
	prog := vm.NewProgram(vm.DefaultBase, []ir.Instr{ir.Yield{Exit: ir.ExitHalt}})
	ed := prog.Edit()
	ed.AddBlock("block", append(code, ir.Yield{Exit: ir.ExitPool}))
	im, err := ed.Link(r.reg.Arena())
	require.NoError(t, err)
	entry, ok := im.Addr("block")
	require.True(t, ok)
	th.TLS = r.reg.Thread(th.ID).Base
	exit, err := im.Run(th, entry)
	require.NoError(t, err)
	require.Equal(t, ir.ExitPool, exit)
}

func TestSharedRoundTrip(t *testing.T) {
	r := newRig(t)
	rax, rdi, rdx, xmm1 := r.r("rax"), r.r("rdi"), r.r("rdx"), r.r("xmm1")
	mask := ir.MaskOf(rax, rdi, rdx, xmm1)
	vec := [2]uint64{0xdead, 0xbeef}

	main := &vm.Thread{ID: 0}
	main.Regs[rax][0] = 42
	main.Regs[rdi][0] = 0x10203040
	main.Regs[rdx][0] = 7
	main.Regs[xmm1] = vec
	var code ir.Seq
	code = append(code, r.x.SaveScratch(0)...)
	code = append(code, r.x.SpillToShared(mask)...)
	r.run(t, main, code)

	worker := &vm.Thread{ID: 1}
	code = nil
	code = append(code, r.x.RestoreFromShared(mask)...)
	code = append(code, r.x.RestoreScratch()...)
	r.run(t, worker, code)

	assert.Equal(t, uint64(42), worker.Regs[rax][0])
	assert.Equal(t, uint64(0x10203040), worker.Regs[rdi][0])
	assert.Equal(t, uint64(7), worker.Regs[rdx][0])
	assert.Equal(t, vec, worker.Regs[xmm1])
}

func TestPrivateRoundTrip(t *testing.T) {
	r := newRig(t)
	rax, rcx, xmm2 := r.r("rax"), r.r("rcx"), r.r("xmm2")
	mask := ir.MaskOf(rax, rcx, xmm2)
	vec := [2]uint64{1, 2}

	worker := &vm.Thread{ID: 1}
	worker.Regs[rax][0] = 99
	worker.Regs[rcx][0] = 100
	worker.Regs[xmm2] = vec
	var code ir.Seq
	code = append(code, r.x.SaveScratch(0)...)
	code = append(code, r.x.SpillToPrivate(mask, 1)...)
	r.run(t, worker, code)

	main := &vm.Thread{ID: 0}
	main.Regs[rax][0] = 1
	code = nil
	code = append(code, r.x.SaveScratch(0)...)
	code = append(code, r.x.RestoreFromPrivate(mask, 0, 1)...)
	code = append(code, r.x.RestoreScratch()...)
	r.run(t, main, code)

	assert.Equal(t, uint64(99), main.Regs[rax][0])
	assert.Equal(t, uint64(100), main.Regs[rcx][0])
	assert.Equal(t, vec, main.Regs[xmm2])
}

func TestSlot(t *testing.T) {
	r := newRig(t)
	_, ok := r.x.Slot(r.r("rax"))
	assert.True(t, ok)
	_, ok = r.x.Slot(r.r("rcx"))
	assert.False(t, ok)
}
