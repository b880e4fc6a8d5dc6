package nmsrc

import (
	"strconv"

	"parloop/internal/ir"
)

// Src hands out unique labels. Labels from Srcs with different scopes
// never collide, so one Src per goroutine needs no locking.
type Src struct {
	scope string
	m     map[string]int
}

func New(scope string) Src {
	return Src{
		scope: scope,
		m:     make(map[string]int),
	}
}

func (s Src) Name(stem string) ir.Label {
	i := s.m[stem] + 1
	s.m[stem] = i
	return ir.Label(s.scope + "." + stem + strconv.Itoa(i))
}

// Fixed gives the label of a named entry point in the scope.
func (s Src) Fixed(stem string) ir.Label {
	return ir.Label(s.scope + "." + stem)
}
