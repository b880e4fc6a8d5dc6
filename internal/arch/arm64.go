package arch

import (
	"strconv"

	"parloop/internal/ir"
)

// arm64 steals x28 to hold the thread-local base. The application's own
// x28 value lives in the stolen-register slot of that thread's state.
type arm64 struct {
	*table
}

func newARM64() *arm64 {
	gpr := make([]string, 32)
	for i := 0; i < 31; i++ {
		gpr[i] = "x" + strconv.Itoa(i)
	}
	gpr[31] = "sp"
	simd := make([]string, 32)
	for i := range simd {
		simd[i] = "v" + strconv.Itoa(i)
	}
	t := newTable("arm64", gpr, simd)
	t.sp = t.mustReg("sp")
	t.fp = t.mustReg("x29")
	t.stolen = t.mustReg("x28")
	t.args = []ir.Reg{t.mustReg("x0"), t.mustReg("x1")}
	t.condGPR = true
	return &arm64{t}
}

func (*arm64) MemIndirectJump() bool { return false }

func (a *arm64) TLSMem(disp int64) ir.Mem {
	return ir.Mem{Base: a.stolen, Disp: disp}
}

func (a *arm64) BindTLS(base ir.Reg) []ir.Instr {
	if base == a.stolen {
		return nil
	}
	return []ir.Instr{ir.Mov{Dst: a.stolen, Src: base}}
}
