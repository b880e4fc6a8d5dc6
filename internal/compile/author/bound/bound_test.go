package bound

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"parloop/internal/ir"
)

// iterations lists the values of a loop over [start, end) in the direction
// of stride.
func iterations(start, end, stride int64) (vs []int64) {
	for v := start; (stride > 0 && v < end) || (stride < 0 && v > end); v += stride {
		vs = append(vs, v)
	}
	return
}

func TestBlockRanges_cover(t *testing.T) {
	for _, tc := range []struct {
		init, check, stride int64
	}{
		{0, 100, 1},
		{0, 10, 3},
		{50, 0, -1},
		{7, 1007, 10},
		{-20, 20, 4},
		{0, 3, 1},
	} {
		want := iterations(tc.init, tc.check, tc.stride)
		for _, n := range []int{1, 2, 4, 8} {
			var got []int64
			for _, r := range BlockRanges(tc.init, tc.check, tc.stride, n) {
				got = append(got, iterations(r.Start, r.End, tc.stride)...)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("init=%d check=%d stride=%d n=%d (-want +got):\n%s",
					tc.init, tc.check, tc.stride, n, diff)
			}
		}
	}
}

func TestBlockRanges_fourThreads(t *testing.T) {
	assert.Equal(t, []Range{{0, 25}, {25, 50}, {50, 75}, {75, 100}}, BlockRanges(0, 100, 1, 4))
	assert.Equal(t, []Range{{50, 38}, {38, 26}, {26, 14}, {14, 0}}, BlockRanges(50, 0, -1, 4))
}

func TestCyclic_cover(t *testing.T) {
	for _, tc := range []struct {
		init, check, stride int64
	}{
		{0, 100, 1},
		{3, 103, 2},
		{60, 0, -1},
		{0, 5, 1},
	} {
		want := iterations(tc.init, tc.check, tc.stride)
		count := Count(tc.init, tc.check, tc.stride)
		assert.Equal(t, int64(len(want)), count)
		for _, n := range []int{1, 2, 4, 8} {
			seen := make(map[int64]int)
			for tid := 0; tid < n; tid++ {
				start := CyclicStart(tc.init, tc.stride, tid)
				for _, v := range iterations(start, tc.check, tc.stride*int64(n)) {
					seen[v]++
				}
			}
			assert.Len(t, seen, len(want))
			for _, v := range want {
				assert.Equal(t, 1, seen[v], "value %d with %d threads", v, n)
			}
		}
	}
}

func TestCount(t *testing.T) {
	assert.Equal(t, int64(100), Count(0, 100, 1))
	assert.Equal(t, int64(4), Count(0, 10, 3))
	assert.Equal(t, int64(50), Count(3, 103, 2))
	assert.Equal(t, int64(60), Count(60, 0, -1))
	assert.Equal(t, int64(2), Count(10, 4, -4))
}

// sequential runs a bottom-tested loop and lists the values it visits.
func sequential(init, check, stride int64, cond ir.Cond) (vs []int64) {
	for v := init; ; {
		vs = append(vs, v)
		v += stride
		if !cond.Eval(uint64(v), uint64(check)) {
			return
		}
	}
}

func TestExclusive(t *testing.T) {
	for _, tc := range []struct {
		init, check, stride int64
		cond                ir.Cond
	}{
		{0, 99, 1, ir.LE},
		{0, 100, 1, ir.L},
		{100, 4, -2, ir.GE},
		{100, 5, -2, ir.GE},
		{1, 17, 4, ir.BE},
		{40, 8, -8, ir.AE},
		{3, 101, 2, ir.NE},
	} {
		want := sequential(tc.init, tc.check, tc.stride, tc.cond)
		end := Exclusive(tc.check, tc.stride, tc.cond)
		assert.Equal(t, want, iterations(tc.init, end, tc.stride), "%s %d", ir.CondStrings[tc.cond], tc.check)
		assert.Equal(t, int64(len(want)), Count(tc.init, end, tc.stride))
		for _, n := range []int{1, 2, 4, 8} {
			var got []int64
			for _, r := range BlockRanges(tc.init, end, tc.stride, n) {
				got = append(got, iterations(r.Start, r.End, tc.stride)...)
			}
			assert.Equal(t, want, got, "%s %d with %d threads", ir.CondStrings[tc.cond], tc.check, n)
		}
	}
}

func TestCompare(t *testing.T) {
	const rcx ir.Reg = 1
	for _, tc := range []struct {
		a, b     ir.Operand
		cond     ir.Cond
		wantCmp  ir.Cmp
		wantCond ir.Cond
	}{
		{rcx, ir.Imm(100), ir.L, ir.Cmp{A: rcx, B: ir.Imm(100)}, ir.L},
		{ir.Imm(0), rcx, ir.L, ir.Cmp{A: rcx, B: ir.Imm(0)}, ir.G},
		{ir.Imm(0), rcx, ir.AE, ir.Cmp{A: rcx, B: ir.Imm(0)}, ir.BE},
		{ir.Imm(5), rcx, ir.NE, ir.Cmp{A: rcx, B: ir.Imm(5)}, ir.NE},
		{ir.Mem{Base: 4, Disp: 8}, rcx, ir.G, ir.Cmp{A: ir.Mem{Base: 4, Disp: 8}, B: rcx}, ir.G},
	} {
		gotCmp, gotCond := Compare(tc.a, tc.b, tc.cond)
		assert.Equal(t, tc.wantCmp, gotCmp)
		assert.Equal(t, tc.wantCond, gotCond)
	}
}
