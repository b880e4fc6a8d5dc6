package ir

type Cond uint8

const (
	E Cond = iota
	NE
	L
	LE
	G
	GE
	B
	BE
	A
	AE
)

var CondStrings = []string{
	E:  "e",
	NE: "ne",
	L:  "l",
	LE: "le",
	G:  "g",
	GE: "ge",
	B:  "b",
	BE: "be",
	A:  "a",
	AE: "ae",
}

// Swap gives the condition that holds for cmp b,a exactly when c holds
// for cmp a,b.
func (c Cond) Swap() Cond {
	switch c {
	case L:
		return G
	case LE:
		return GE
	case G:
		return L
	case GE:
		return LE
	case B:
		return A
	case BE:
		return AE
	case A:
		return B
	case AE:
		return BE
	}
	return c
}

// Negate gives the condition that holds exactly when c does not.
func (c Cond) Negate() Cond {
	switch c {
	case E:
		return NE
	case NE:
		return E
	case L:
		return GE
	case LE:
		return G
	case G:
		return LE
	case GE:
		return L
	case B:
		return AE
	case BE:
		return A
	case A:
		return BE
	case AE:
		return B
	}
	panic("bug")
}

// Strict drops the equality case from an ordering condition, so le gives
// l. Other conditions are returned as they are.
func (c Cond) Strict() Cond {
	switch c {
	case LE:
		return L
	case GE:
		return G
	case BE:
		return B
	case AE:
		return A
	}
	return c
}

// Inclusive reports whether c holds when its operands are equal and also
// orders them.
func (c Cond) Inclusive() bool { return c.Strict() != c }

func (c Cond) Unsigned() bool {
	return c >= B
}

// Eval reports whether c holds after cmp a,b.
func (c Cond) Eval(a, b uint64) bool {
	switch c {
	case E:
		return a == b
	case NE:
		return a != b
	case L:
		return int64(a) < int64(b)
	case LE:
		return int64(a) <= int64(b)
	case G:
		return int64(a) > int64(b)
	case GE:
		return int64(a) >= int64(b)
	case B:
		return a < b
	case BE:
		return a <= b
	case A:
		return a > b
	case AE:
		return a >= b
	}
	panic("bug")
}
