package state

import "parloop/internal/layout"

// Shared is the single shared state block.
type Shared struct {
	a *Arena
	t *layout.Table
}

func (s Shared) Addr(f layout.Field, idx int) uint64 { return s.t.Addr(f, 0, idx) }

func (s Shared) Load(f layout.Field, idx int) uint64 { return s.a.Load(s.Addr(f, idx)) }

func (s Shared) Store(f layout.Field, idx int, val uint64) { s.a.Store(s.Addr(f, idx), val) }

func (s Shared) Add(f layout.Field, idx int, delta uint64) uint64 {
	return s.a.Add(s.Addr(f, idx), delta)
}

// Thread is the state block owned by one worker thread.
type Thread struct {
	ID   int
	Base uint64
	a    *Arena
	t    *layout.Table
}

func (th *Thread) Addr(f layout.Field, idx int) uint64 { return th.t.Addr(f, th.ID, idx) }

func (th *Thread) Load(f layout.Field, idx int) uint64 { return th.a.Load(th.Addr(f, idx)) }

func (th *Thread) Store(f layout.Field, idx int, val uint64) { th.a.Store(th.Addr(f, idx), val) }

func (th *Thread) Stack() (lo, hi uint64) { return th.t.Stack(th.ID) }

// Registry is the Oracle: it maps thread ids to state blocks. The same
// mapping is written into the arena so generated code can index it.
type Registry struct {
	arena   *Arena
	tab     *layout.Table
	threads []*Thread
}

// NewRegistry initializes the shared block and one thread block per
// thread, links the thread blocks into a ring, and fills in the Oracle.
func NewRegistry(a *Arena, tab *layout.Table) *Registry {
	n := tab.Params().Threads
	r := &Registry{arena: a, tab: tab, threads: make([]*Thread, n)}
	for tid := range r.threads {
		r.threads[tid] = &Thread{ID: tid, Base: tab.TLSBase(tid), a: a, t: tab}
	}
	for tid, th := range r.threads {
		prev := r.threads[(tid+n-1)%n]
		next := r.threads[(tid+1)%n]
		_, top := th.Stack()
		th.Store(layout.Self, 0, th.Base)
		th.Store(layout.ID, 0, uint64(tid))
		th.Store(layout.Prev, 0, prev.Base)
		th.Store(layout.Next, 0, next.Base)
		th.Store(layout.StackTop, 0, top)
		a.Store(tab.Addr(layout.Oracle, 0, tid), th.Base)
	}
	sh := r.Shared()
	sh.Store(layout.Warden, 0, 0)
	sh.Store(layout.NextExpectedThread, 0, 1)
	return r
}

func (r *Registry) Arena() *Arena { return r.arena }

func (r *Registry) Table() *layout.Table { return r.tab }

func (r *Registry) Len() int { return len(r.threads) }

func (r *Registry) Thread(tid int) *Thread { return r.threads[tid] }

func (r *Registry) Shared() Shared { return Shared{a: r.arena, t: r.tab} }

// Lookup resolves a thread base address through the in-arena Oracle.
func (r *Registry) Lookup(tid int) *Thread {
	base := r.arena.Load(r.tab.Addr(layout.Oracle, 0, tid))
	for _, th := range r.threads {
		if th.Base == base {
			return th
		}
	}
	return nil
}

// Next follows the ring link of th.
func (r *Registry) Next(th *Thread) *Thread {
	base := th.Load(layout.Next, 0)
	id := r.arena.Load(base + uint64(r.tab.Rel(layout.ID, 0)))
	return r.threads[id]
}
