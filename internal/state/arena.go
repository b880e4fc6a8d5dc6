package state

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"parloop/internal/layout"
)

var ErrClosed = errors.New("state: arena closed")

// Arena is the memory shared by every thread of a parallel region: the
// state blocks, the private stacks, and the host program's heap. Addresses
// are virtual, starting at the table's base.
type Arena struct {
	mem  []byte
	base uint64
}

func NewArena(tab *layout.Table) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, tab.Size(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("state: mapping %d byte arena: %w", tab.Size(), err)
	}
	return &Arena{mem: mem, base: tab.Base()}, nil
}

func (a *Arena) Close() error {
	if a.mem == nil {
		return ErrClosed
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

func (a *Arena) Base() uint64 { return a.base }

func (a *Arena) Size() int { return len(a.mem) }

func (a *Arena) word(addr uint64) *uint64 {
	off := addr - a.base
	if addr < a.base || off+8 > uint64(len(a.mem)) || off&7 != 0 {
		return nil
	}
	return (*uint64)(unsafe.Pointer(&a.mem[off]))
}

// TryLoad reads the aligned 8-byte word at addr. It reports false when the
// word is outside the arena or misaligned.
func (a *Arena) TryLoad(addr uint64) (uint64, bool) {
	p := a.word(addr)
	if p == nil {
		return 0, false
	}
	return atomic.LoadUint64(p), true
}

func (a *Arena) TryStore(addr, val uint64) bool {
	p := a.word(addr)
	if p == nil {
		return false
	}
	atomic.StoreUint64(p, val)
	return true
}

func (a *Arena) Load(addr uint64) uint64 {
	val, ok := a.TryLoad(addr)
	if !ok {
		panic("bug")
	}
	return val
}

func (a *Arena) Store(addr, val uint64) {
	if !a.TryStore(addr, val) {
		panic("bug")
	}
}

func (a *Arena) Add(addr, delta uint64) uint64 {
	p := a.word(addr)
	if p == nil {
		panic("bug")
	}
	return atomic.AddUint64(p, delta)
}

// Bytes exposes n bytes at addr for bulk setup while no thread is running.
func (a *Arena) Bytes(addr uint64, n int) []byte {
	off := addr - a.base
	if addr < a.base || off+uint64(n) > uint64(len(a.mem)) {
		panic("bug")
	}
	return a.mem[off : off+uint64(n)]
}
