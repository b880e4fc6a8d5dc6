package region_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/compile"
	"parloop/internal/example"
	"parloop/internal/example/block"
	"parloop/internal/example/host"
	"parloop/internal/ir"
	"parloop/internal/layout"
	"parloop/internal/region"
	"parloop/internal/vm"
)

func TestExamples(t *testing.T) {
	for _, name := range example.Names() {
		for _, threads := range []int{1, 2, 4, 8} {
			t.Run(fmt.Sprintf("%s/%d", name, threads), func(t *testing.T) {
				c := example.Lookup(name)
				require.NotNil(t, c)
				rep, err := c.Run(context.Background(), threads, region.Options{}, nil, nil)
				require.NoError(t, err)
				assert.Equal(t, threads, rep.Threads)
				assert.False(t, rep.Sequential)
				assert.False(t, rep.Degraded)
			})
		}
	}
}

func TestCondMax_hits(t *testing.T) {
	for _, hits := range [][]int{
		nil,
		{0},
		{63},
		{1, 2, 3},
		{10, 50},
		{15, 16, 31, 32, 47, 48},
	} {
		for _, threads := range []int{2, 4} {
			t.Run(fmt.Sprint(hits, threads), func(t *testing.T) {
				c := block.CondMax()
				_, err := c.Run(context.Background(), threads, region.Options{},
					func(e host.Env) { block.SetCondMaxData(e, hits) }, nil)
				require.NoError(t, err)
			})
		}
	}
}

func TestAlias_degrade(t *testing.T) {
	for _, gap := range []int{1, 3, 99} {
		for _, threads := range []int{2, 4, 8} {
			t.Run(fmt.Sprint(gap, threads), func(t *testing.T) {
				c := block.Alias()
				rep, err := c.Run(context.Background(), threads, region.Options{},
					func(e host.Env) { block.SetAliasData(e, gap) },
					func(e host.Env) error { return block.CheckAlias(e, gap) })
				require.NoError(t, err)
				assert.True(t, rep.Degraded)
			})
		}
	}
}

func TestAlias_apart(t *testing.T) {
	c := block.Alias()
	rep, err := c.Run(context.Background(), 4, region.Options{},
		func(e host.Env) { block.SetAliasData(e, 200) },
		func(e host.Env) error { return block.CheckAlias(e, 200) })
	require.NoError(t, err)
	assert.False(t, rep.Degraded)
}

func TestBudget(t *testing.T) {
	c := block.Fill()
	_, err := c.Run(context.Background(), 2, region.Options{Budget: 10}, nil, nil)
	var f *vm.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "step budget exhausted", f.Msg)
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := block.Fill()
	_, err := c.Run(ctx, 2, region.Options{}, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegion_prepare(t *testing.T) {
	c := block.Fill()
	pl, err := compile.Compile(string(c.Schedule))
	require.NoError(t, err)
	r, err := region.New(pl, c.Program(), region.Options{})
	require.NoError(t, err)
	defer r.Close()
	assert.Nil(t, r.Image())
	require.NoError(t, r.Prepare(context.Background()))
	im := r.Image()
	require.NotNil(t, im)
	assert.Greater(t, im.Len(), len(c.Code))
	heap, size := r.Heap()
	assert.Equal(t, r.Arena().Base()+uint64(r.Arena().Size()-size), heap)
	assert.Equal(t, pl.Threads, r.Registry().Len())
}

// repeat runs a[i] += i over [0, 100) from inside an outer loop that makes
// passes trips, so one pool serves every invocation.
func repeat(passes int) *host.Case {
	const n = 100
	b := host.NewBuilder("Repeat", "amd64")
	rax, rcx, rdx, rbx, rdi, r12 := b.R("rax"), b.R("rcx"), b.R("rdx"), b.R("rbx"), b.R("rdi"), b.R("r12")
	b.I(ir.MovImm{Dst: r12, Imm: 0})
	entry := b.I(ir.MovImm{Dst: rcx, Imm: 0})
	start := b.I(ir.Mov{Dst: rax, Src: rcx})
	b.I(ir.Arith{Op: ir.Mul, Dst: rax, Src: ir.Imm(8)})
	b.I(ir.Arith{Op: ir.Add, Dst: rax, Src: rdi})
	b.I(ir.Load{Dst: rdx, Src: ir.Mem{Base: rax}})
	b.I(ir.Arith{Op: ir.Add, Dst: rdx, Src: rcx})
	b.I(ir.Store{Dst: ir.Mem{Base: rax}, Src: rdx})
	update := b.I(ir.Arith{Op: ir.Add, Dst: rcx, Src: ir.Imm(1)})
	check := b.I(ir.Cmp{A: rcx, B: ir.Imm(n)})
	branch := b.I(ir.Jcc{Cond: ir.L, To: ir.PC(start)})
	b.I(ir.Arith{Op: ir.Add, Dst: r12, Src: ir.Imm(1)})
	b.I(ir.Cmp{A: r12, B: ir.Imm(int64(passes))})
	b.I(ir.Jcc{Cond: ir.L, To: ir.PC(entry)})
	b.I(ir.Mov{Dst: rbx, Src: rcx})
	b.Config(nil)
	b.Line("Loop ID=1 Entry=" + host.Hex(entry) + " Start=" + host.Hex(start) + " Branch=" + host.Hex(branch) +
		" Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallBlock Copy=rdi Merge=rcx CondMerge=none" +
		" DependGPR=rdi DependSIMD=none")
	b.Line("Var Loop=1 Loc=rcx Init=0 Check=" + fmt.Sprint(n) + " Stride=1 CheckAt=" + host.Hex(check) +
		" CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=" + host.Hex(update))
	return b.Case(
		func(e host.Env) {
			e.SetReg("rdi", e.Heap)
		},
		func(e host.Env) error {
			for i := 0; i < n; i++ {
				if got, want := e.Word(i), uint64(passes*i); got != want {
					return host.Mismatch(fmt.Sprintf("a[%d]", i), got, want)
				}
			}
			if got := e.Word(n); got != 0 {
				return host.Mismatch(fmt.Sprintf("a[%d]", n), got, 0)
			}
			if got := e.Reg("r12"); got != uint64(passes) {
				return host.Mismatch("r12", got, uint64(passes))
			}
			if got := e.Reg("rbx"); got != n {
				return host.Mismatch("rbx", got, n)
			}
			return nil
		},
	)
}

func TestRegion_reuse(t *testing.T) {
	const passes = 5
	for _, threads := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprint(threads), func(t *testing.T) {
			c := repeat(passes)
			pl, err := compile.Compile(string(c.Schedule))
			require.NoError(t, err)
			r, err := region.New(pl.WithThreads(threads), c.Program(), region.Options{})
			require.NoError(t, err)
			defer r.Close()
			heap, _ := r.Heap()
			e := host.Env{Be: c.Arch, T: new(vm.Thread), Mem: r.Arena(), Heap: heap}
			c.Setup(e)
			require.NoError(t, r.Exec(context.Background(), e.T))
			require.NoError(t, c.Check(e))
			if threads > 1 {
				assert.Equal(t, uint64(passes), r.Registry().Shared().Load(layout.Invocation, 0))
			}
		})
	}
}
