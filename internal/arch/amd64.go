package arch

import (
	"strconv"

	"parloop/internal/ir"
)

// amd64 reaches thread-local state through a segment base that the
// runtime installs per thread, so no general register is reserved.
type amd64 struct {
	*table
}

func newAMD64() *amd64 {
	gpr := []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	}
	simd := make([]string, 16)
	for i := range simd {
		simd[i] = "xmm" + strconv.Itoa(i)
	}
	t := newTable("amd64", gpr, simd)
	t.sp = t.mustReg("rsp")
	t.fp = t.mustReg("rbp")
	t.args = []ir.Reg{t.mustReg("rdi"), t.mustReg("rsi")}
	t.condGPR = true
	return &amd64{t}
}

func (*amd64) MemIndirectJump() bool { return true }

func (*amd64) TLSMem(disp int64) ir.Mem {
	return ir.Mem{Base: ir.NoReg, TLS: true, Disp: disp}
}

func (*amd64) BindTLS(ir.Reg) []ir.Instr { return nil }
