package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/arch"
	"parloop/internal/compile/author/xfer"
	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/nmsrc"
	"parloop/internal/raw"
)

func TestLastThread(t *testing.T) {
	for _, tc := range []struct {
		count int64
		n     int
		want  int
	}{
		{100, 4, 3},
		{50, 4, 1},
		{60, 4, 3},
		{1, 8, 0},
		{9, 8, 0},
		{0, 4, 0},
		{-3, 4, 0},
	} {
		assert.Equal(t, tc.want, LastThread(tc.count, tc.n), "count=%d n=%d", tc.count, tc.n)
	}
}

func testCtx(t *testing.T, threads int, lp *plan.Loop) (*Ctx, *layout.Table) {
	t.Helper()
	be, ok := arch.Lookup("amd64")
	require.True(t, ok)
	tab := layout.New(layout.Params{
		Threads: threads,
		Loops:   1,
		Vars:    1,
		GPRs:    be.Count(ir.GPR),
		SIMDs:   be.Count(ir.SIMD),
	})
	var scratch [layout.NumScratch]ir.Reg
	for i, name := range []string{"r8", "r9", "r10", "r11"} {
		scratch[i], _ = be.Parse(name)
	}
	lp.Scratch = scratch
	x := xfer.NewCtx(be, tab, scratch)
	return NewCtx(x, lp, threads, nmsrc.New("loop0.t0")), tab
}

func testLoop(policy raw.Policy, merge, cond ir.Mask) *plan.Loop {
	v := &plan.Var{Loc: plan.Loc{Kind: raw.ValReg, Reg: 1}, Stride: 1, CheckAt: 0x1020, Cond: ir.L}
	return &plan.Loop{
		Policy:    policy,
		Merge:     merge,
		CondMerge: cond,
		Vars:      []*plan.Var{v},
		Check:     v,
	}
}

// oracleReads lists, in order, the threads whose state blocks the code
// looks up.
func oracleReads(tab *layout.Table, seq ir.Seq) (tids []int) {
	for _, in := range seq {
		ld, ok := in.(ir.Load)
		if !ok || ld.Src.Base != ir.NoReg || ld.Src.TLS {
			continue
		}
		for tid := 0; tid < tab.Params().Threads; tid++ {
			if uint64(ld.Src.Disp) == tab.Addr(layout.Oracle, 0, tid) {
				tids = append(tids, tid)
			}
		}
	}
	return
}

func TestEmit_oneThread(t *testing.T) {
	c, _ := testCtx(t, 1, testLoop(raw.DoallBlock, ir.MaskOf(1), ir.MaskOf(3)))
	assert.Nil(t, c.Emit())
}

func TestEmit_blockTakesLastThread(t *testing.T) {
	c, tab := testCtx(t, 4, testLoop(raw.DoallBlock, ir.MaskOf(1, 2), 0))
	seq := c.Emit()
	assert.Equal(t, []int{3}, oracleReads(tab, seq))
}

func TestEmit_condHighestThreadFirst(t *testing.T) {
	c, tab := testCtx(t, 4, testLoop(raw.DoallBlock, 0, ir.MaskOf(3)))
	seq := c.Emit()
	assert.Equal(t, []int{3, 2, 1}, oracleReads(tab, seq))
	var cmovs int
	for _, in := range seq {
		if cm, ok := in.(ir.CMov); ok {
			cmovs++
			assert.Equal(t, ir.Reg(3), cm.Dst)
		}
	}
	assert.Equal(t, 3, cmovs)
}

func TestEmit_cyclicChecksEveryWorker(t *testing.T) {
	c, tab := testCtx(t, 4, testLoop(raw.DoallCyclicChunk, ir.MaskOf(1), 0))
	seq := c.Emit()
	assert.Equal(t, []int{1, 2, 3}, oracleReads(tab, seq))
	last := seq[len(seq)-1]
	assert.Equal(t, ir.Mov{Dst: 1, Src: c.s(3)}, last)
}
