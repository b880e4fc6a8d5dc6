package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type names []string

func (n names) RegName(r Reg) string { return n[r] }

var allConds = []Cond{E, NE, L, LE, G, GE, B, BE, A, AE}

func TestCond_Swap(t *testing.T) {
	values := []uint64{0, 1, 2, math.MaxUint64, 1 << 63, math.MaxInt64}
	for _, c := range allConds {
		for _, a := range values {
			for _, b := range values {
				if c.Eval(a, b) != c.Swap().Eval(b, a) {
					t.Fatalf("%s: cmp %d,%d disagrees with swapped %s", CondStrings[c], a, b, CondStrings[c.Swap()])
				}
			}
		}
		assert.Equal(t, c, c.Swap().Swap(), CondStrings[c])
	}
}

func TestCond_Negate(t *testing.T) {
	values := []uint64{0, 1, math.MaxUint64, 1 << 63}
	for _, c := range allConds {
		for _, a := range values {
			for _, b := range values {
				if c.Eval(a, b) == c.Negate().Eval(a, b) {
					t.Fatalf("%s: cmp %d,%d agrees with its negation", CondStrings[c], a, b)
				}
			}
		}
	}
}

func TestCond_Strict(t *testing.T) {
	values := []uint64{0, 1, 2, math.MaxUint64, 1 << 63}
	for _, c := range allConds {
		s := c.Strict()
		for _, a := range values {
			for _, b := range values {
				if a != b && c.Eval(a, b) != s.Eval(a, b) {
					t.Fatalf("%s: cmp %d,%d disagrees with %s", CondStrings[c], a, b, CondStrings[s])
				}
			}
		}
		assert.Equal(t, s, s.Strict(), CondStrings[c])
	}
	var inclusive []Cond
	for _, c := range allConds {
		if c.Inclusive() {
			inclusive = append(inclusive, c)
		}
	}
	assert.Equal(t, []Cond{LE, GE, BE, AE}, inclusive)
}

func TestCond_Unsigned(t *testing.T) {
	for _, c := range allConds {
		want := c == B || c == BE || c == A || c == AE
		assert.Equal(t, want, c.Unsigned(), CondStrings[c])
	}
}

func TestMask_Regs(t *testing.T) {
	m := MaskOf(3, 0, 63, 17)
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, []Reg{0, 3, 17, 63}, m.Regs())
	assert.True(t, m.Has(63))
	assert.False(t, m.Has(1))
	assert.False(t, m.Has(NoReg))
	assert.Empty(t, Mask(0).Regs())
}

func TestSeq_Append(t *testing.T) {
	n := names{"rax", "rcx"}
	seq := Seq{
		Mark{Label: "loop0.t0.init"},
		Mov{Dst: 0, Src: 1},
		Load{Dst: 0, Src: Mem{Base: 1, Disp: -8}},
		Store{Dst: Mem{TLS: true, Disp: 16}, Src: 1},
		StoreImm{Dst: Abs(0x10000040), Imm: 1},
		Arith{Op: Sub, Dst: Reg(1), Src: Imm(1), Flags: true},
		Jcc{Cond: GE, To: PC(0x1004)},
		nil,
		Call{Hook: HookSchedule, Arg: 2},
		Yield{Exit: ExitPool},
	}
	want := "loop0.t0.init:\n" +
		"\tmov rax, rcx\n" +
		"\tload rax, [rcx-8]\n" +
		"\tstore [tls:16], rcx\n" +
		"\tstore [0x10000040], 1\n" +
		"\tsubs rcx, 1\n" +
		"\tjge 0x1004\n" +
		"\tcall schedule_threads(2)\n" +
		"\tyield_to_pool\n"
	require.Equal(t, want, string(seq.Append(nil, n)))
}
