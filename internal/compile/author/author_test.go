package author_test

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/compile"
	"parloop/internal/compile/author"
	"parloop/internal/example"
	"parloop/internal/example/block"
	"parloop/internal/ir"
	"parloop/internal/listing"
	"parloop/internal/region"
	"parloop/internal/vm"
)

func TestImplement_host(t *testing.T) {
	for _, name := range example.Names() {
		t.Run(name, func(t *testing.T) {
			c := example.Lookup(name)
			pl, err := compile.Compile(string(c.Schedule))
			require.NoError(t, err)
			err = author.Implement(context.Background(), pl, c.Program(), region.Layout(pl, 0, 0),
				listing.NewRecorder(), author.Options{})
			assert.NoError(t, err)
		})
	}
}

func TestImplement_branch(t *testing.T) {
	c := block.UpTo()
	pl, err := compile.Compile(string(c.Schedule))
	require.NoError(t, err)
	lp := pl.Loops[0]
	at := slices.IndexFunc(c.Code, func(in ir.Instr) bool {
		br, ok := in.(ir.Jcc)
		return ok && br.To == ir.PC(lp.Start)
	})
	require.GreaterOrEqual(t, at, 0)
	for _, tc := range []struct {
		name string
		in   ir.Instr
		want string
	}{
		{"cond", ir.Jcc{Cond: ir.L, To: ir.PC(lp.Start)}, "jumps on l but the checked Var says le"},
		{"target", ir.Jcc{Cond: ir.LE, To: ir.PC(lp.Entry)}, "does not jump to Start"},
		{"kind", ir.Jmp{To: ir.PC(lp.Start)}, "is not a conditional jump"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code := slices.Clone(c.Code)
			code[at] = tc.in
			r := listing.NewRecorder()
			err := author.Implement(context.Background(), pl, vm.NewProgram(vm.DefaultBase, code),
				region.Layout(pl, 0, 0), r, author.Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.NotContains(t, string(r.Render(pl)), "loop0.t0.init:")
		})
	}
}
