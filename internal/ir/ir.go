package ir

import (
	"math/bits"
	"strconv"
)

// Reg is an architectural register number. Its class and name are
// defined by an arch.Backend.
type Reg uint8

const NoReg Reg = 255

type Class uint8

const (
	GPR Class = iota
	SIMD
)

var ClassStrings = []string{
	GPR:  "GPR",
	SIMD: "SIMD",
}

// Mask has bit r set for each participating register r.
type Mask uint64

func Bit(r Reg) Mask { return 1 << r }

func MaskOf(regs ...Reg) (m Mask) {
	for _, r := range regs {
		m |= Bit(r)
	}
	return
}

func (m Mask) Has(r Reg) bool { return r < 64 && m&Bit(r) != 0 }

func (m Mask) Len() int { return bits.OnesCount64(uint64(m)) }

// Regs lists the set bits in ascending register order.
func (m Mask) Regs() []Reg {
	regs := make([]Reg, 0, m.Len())
	for x := uint64(m); x != 0; x &= x - 1 {
		regs = append(regs, Reg(bits.TrailingZeros64(x)))
	}
	return regs
}

type Namer interface {
	RegName(r Reg) string
}

// Label names a position in the code. Host instructions are addressed with
// PC labels, generated code with names drawn from an nmsrc.Src.
type Label string

func PC(pc uint64) Label {
	return Label("0x" + strconv.FormatUint(pc, 16))
}

type Operand interface {
	Append(to []byte, n Namer) []byte
	operand()
}

func (r Reg) Append(to []byte, n Namer) []byte {
	return append(to, n.RegName(r)...)
}

func (Reg) operand() {}

type Imm int64

func (i Imm) Append(to []byte, _ Namer) []byte {
	return strconv.AppendInt(to, int64(i), 10)
}

func (Imm) operand() {}

// Mem addresses Disp bytes from Base, from the thread-local segment when TLS
// is set, or from address zero when Base is NoReg and TLS is clear.
type Mem struct {
	Base Reg
	TLS  bool
	Disp int64
}

func Abs(addr uint64) Mem { return Mem{Base: NoReg, Disp: int64(addr)} }

func (m Mem) Append(to []byte, n Namer) []byte {
	to = append(to, '[')
	switch {
	case m.TLS:
		to = append(to, "tls:"...)
		to = strconv.AppendInt(to, m.Disp, 10)
	case m.Base == NoReg:
		to = append(to, "0x"...)
		to = strconv.AppendUint(to, uint64(m.Disp), 16)
	default:
		to = append(to, n.RegName(m.Base)...)
		if m.Disp >= 0 {
			to = append(to, '+')
		}
		to = strconv.AppendInt(to, m.Disp, 10)
	}
	return append(to, ']')
}

func (Mem) operand() {}
