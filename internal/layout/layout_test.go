package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	tab := New(Params{Threads: 4, Loops: 2, Vars: 3, GPRs: 16, SIMDs: 16})
	p := tab.Params()
	assert.Equal(t, DefaultBase, p.Base)
	assert.Equal(t, DefaultStackSize, p.StackSize)
	assert.Equal(t, DefaultHeapSize, p.HeapSize)
	assert.Equal(t, 4, tab.Count(Oracle))
	assert.Equal(t, NumScratch, tab.Count(Spill))
	assert.Equal(t, 2, tab.Count(GenInit))
	assert.Equal(t, 3, tab.Count(IVInit))
	assert.False(t, tab.IsTLS(StartRun))
	assert.True(t, tab.IsTLS(InPool))

	seen := make(map[uint64]Field)
	for f := StartRun; f <= NextExpectedThread; f++ {
		a := tab.Addr(f, 0, 0)
		assert.Zero(t, (a-p.Base)%uint64(LineWidth), FieldStrings[f])
		if g, dup := seen[a/uint64(LineWidth)]; dup {
			t.Errorf("%s shares a line with %s", FieldStrings[f], FieldStrings[g])
		}
		seen[a/uint64(LineWidth)] = f
	}
	for i := 1; i < 16; i++ {
		assert.Equal(t, uint64(LineWidth), tab.Addr(SharedGPR, 0, i)-tab.Addr(SharedGPR, 0, i-1))
	}
}

func TestTable_threads(t *testing.T) {
	tab := New(Params{Threads: 3, Loops: 1, Vars: 1, GPRs: 32, SIMDs: 32, StackSize: 5000})
	step := tab.TLSBase(1) - tab.TLSBase(0)
	assert.Zero(t, step%uint64(LineWidth))
	assert.Equal(t, step, tab.TLSBase(2)-tab.TLSBase(1))
	assert.Greater(t, tab.TLSBase(0), tab.Addr(Oracle, 0, 2))
	for tid := 0; tid < 3; tid++ {
		assert.Equal(t, tab.TLSBase(tid)+uint64(tab.Rel(Finished, 0)), tab.Addr(Finished, tid, 0))
		assert.Less(t, tab.Addr(StackTop, tid, 0), tab.TLSBase(tid)+step)
		assert.Zero(t, tab.Addr(PrivSIMD, tid, 1)%16)
	}
	lo0, hi0 := tab.Stack(0)
	lo1, _ := tab.Stack(1)
	_, hi2 := tab.Stack(2)
	assert.Equal(t, uint64(8192), hi0-lo0)
	assert.Equal(t, hi0, lo1)
	assert.Greater(t, lo0, tab.TLSBase(2))
	heap, size := tab.Heap()
	assert.Equal(t, hi2, heap)
	assert.Equal(t, tab.Size(), int(heap-tab.Base())+size)
}

func TestTable_misuse(t *testing.T) {
	tab := New(Params{Threads: 2})
	assert.Panics(t, func() { tab.Rel(StartRun, 0) })
	assert.Panics(t, func() { tab.Addr(Oracle, 0, 2) })
	assert.Panics(t, func() { tab.TLSBase(2) })
	assert.Panics(t, func() { New(Params{}) })
}
