package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/layout"
)

func newRegistry(t *testing.T, threads int) *Registry {
	t.Helper()
	tab := layout.New(layout.Params{Threads: threads, Loops: 1, Vars: 1, GPRs: 16, SIMDs: 16})
	a, err := NewArena(tab)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return NewRegistry(a, tab)
}

func TestArena(t *testing.T) {
	tab := layout.New(layout.Params{Threads: 1})
	a, err := NewArena(tab)
	require.NoError(t, err)
	assert.Equal(t, tab.Size(), a.Size())
	heap, _ := tab.Heap()
	a.Store(heap, 5)
	assert.Equal(t, uint64(7), a.Add(heap, 2))
	assert.Equal(t, uint64(7), a.Load(heap))
	assert.Equal(t, byte(7), a.Bytes(heap, 8)[0])

	_, ok := a.TryLoad(heap + 4)
	assert.False(t, ok)
	_, ok = a.TryLoad(a.Base() - 8)
	assert.False(t, ok)
	assert.False(t, a.TryStore(a.Base()+uint64(a.Size()), 1))
	assert.Panics(t, func() { a.Load(0) })

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Close(), ErrClosed)
}

func TestRegistry(t *testing.T) {
	const n = 4
	r := newRegistry(t, n)
	assert.Equal(t, n, r.Len())
	sh := r.Shared()
	assert.Equal(t, uint64(1), sh.Load(layout.NextExpectedThread, 0))
	assert.Equal(t, uint64(2), sh.Add(layout.NextExpectedThread, 0, 1))
	for tid := 0; tid < n; tid++ {
		th := r.Thread(tid)
		assert.Equal(t, th, r.Lookup(tid))
		assert.Equal(t, th.Base, th.Load(layout.Self, 0))
		assert.Equal(t, uint64(tid), th.Load(layout.ID, 0))
		assert.Equal(t, r.Thread((tid+n-1)%n).Base, th.Load(layout.Prev, 0))
		assert.Equal(t, r.Thread((tid+1)%n), r.Next(th))
		_, top := th.Stack()
		assert.Equal(t, top, th.Load(layout.StackTop, 0))
	}
}

func TestRegistry_one(t *testing.T) {
	r := newRegistry(t, 1)
	th := r.Thread(0)
	assert.Equal(t, th, r.Next(th))
	assert.Equal(t, th.Base, th.Load(layout.Prev, 0))
}
