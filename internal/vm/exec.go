package vm

import (
	"fmt"
	"runtime"

	"parloop/internal/ir"
)

// Hooks serves ir.Call instructions.
type Hooks interface {
	Call(t *Thread, h ir.Hook, arg int64) error
}

// Thread is one register context. GPRs use the low word of their slot,
// vector registers use both words.
type Thread struct {
	ID     int
	Regs   [64][2]uint64
	TLS    uint64
	Hooks  Hooks
	Budget int
	fa, fb uint64
	pauses int
}

type Fault struct {
	Thread int
	Addr   uint64
	Instr  string
	Msg    string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("vm: thread %d: fault at 0x%x (%s): %s", f.Thread, f.Addr, f.Instr, f.Msg)
}

type namer struct{}

func (namer) RegName(r ir.Reg) string { return fmt.Sprintf("r%d", r) }

type machine struct {
	im *Image
	t  *Thread
	ip int
}

func (m *machine) fault(format string, args ...any) error {
	var text string
	if m.ip < len(m.im.code) {
		text = string(m.im.code[m.ip].Append(nil, namer{}))
		if n := len(text); n != 0 && text[n-1] == '\n' {
			text = text[:n-1]
		}
	}
	return &Fault{
		Thread: m.t.ID,
		Addr:   CodeBase + uint64(m.ip)*width,
		Instr:  text,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func (m *machine) addr(x ir.Mem) uint64 {
	a := uint64(x.Disp)
	switch {
	case x.TLS:
		a += m.t.TLS
	case x.Base != ir.NoReg:
		a += m.t.Regs[x.Base][0]
	}
	return a
}

func (m *machine) load(a uint64) (uint64, error) {
	v, ok := m.im.mem.TryLoad(a)
	if !ok {
		return 0, m.fault("bad load address 0x%x", a)
	}
	return v, nil
}

func (m *machine) store(a, v uint64) error {
	if !m.im.mem.TryStore(a, v) {
		return m.fault("bad store address 0x%x", a)
	}
	return nil
}

func (m *machine) read(x ir.Operand) (uint64, error) {
	switch x := x.(type) {
	case ir.Reg:
		return m.t.Regs[x][0], nil
	case ir.Imm:
		return uint64(x), nil
	case ir.Mem:
		return m.load(m.addr(x))
	}
	return 0, m.fault("bad operand")
}

func (m *machine) write(x ir.Operand, v uint64) error {
	switch x := x.(type) {
	case ir.Reg:
		m.t.Regs[x][0] = v
		return nil
	case ir.Mem:
		return m.store(m.addr(x), v)
	}
	return m.fault("bad destination")
}

func (m *machine) arith(x ir.Arith) error {
	a, err := m.read(x.Dst)
	if err != nil {
		return err
	}
	b, err := m.read(x.Src)
	if err != nil {
		return err
	}
	var r uint64
	switch x.Op {
	case ir.Add:
		r = a + b
	case ir.Sub:
		r = a - b
	case ir.Mul:
		r = a * b
	case ir.Div, ir.Rem:
		if b == 0 {
			return m.fault("division by zero")
		}
		if x.Op == ir.Div {
			r = uint64(int64(a) / int64(b))
		} else {
			r = uint64(int64(a) % int64(b))
		}
	case ir.And:
		r = a & b
	case ir.Or:
		r = a | b
	case ir.Xor:
		r = a ^ b
	default:
		return m.fault("bad arithmetic op")
	}
	if x.Flags {
		if x.Op != ir.Sub {
			return m.fault("only sub sets flags")
		}
		m.t.fa, m.t.fb = a, b
	}
	return m.write(x.Dst, r)
}

func (m *machine) jump(addr uint64) error {
	i, ok := m.im.index(addr)
	if !ok {
		return m.fault("bad jump address 0x%x", addr)
	}
	m.ip = i
	return nil
}

// Run executes t from the code address entry until the thread yields.
func (im *Image) Run(t *Thread, entry uint64) (ir.Exit, error) {
	m := &machine{im: im, t: t}
	if err := m.jump(entry); err != nil {
		return ir.ExitHalt, err
	}
	for steps := 0; ; steps++ {
		if t.Budget != 0 && steps == t.Budget {
			return ir.ExitHalt, m.fault("step budget exhausted")
		}
		if m.ip >= len(im.code) {
			return ir.ExitHalt, m.fault("ran off the end of the code")
		}
		next := m.ip + 1
		var err error
		switch x := im.code[m.ip].(type) {
		case ir.Mark:
		case ir.Mov:
			t.Regs[x.Dst][0] = t.Regs[x.Src][0]
		case ir.MovV:
			t.Regs[x.Dst] = t.Regs[x.Src]
		case ir.MovImm:
			t.Regs[x.Dst][0] = uint64(x.Imm)
		case ir.Load:
			t.Regs[x.Dst][0], err = m.load(m.addr(x.Src))
		case ir.Store:
			err = m.store(m.addr(x.Dst), t.Regs[x.Src][0])
		case ir.StoreImm:
			err = m.store(m.addr(x.Dst), uint64(x.Imm))
		case ir.LoadV:
			a := m.addr(x.Src)
			var lo, hi uint64
			if lo, err = m.load(a); err == nil {
				if hi, err = m.load(a + 8); err == nil {
					t.Regs[x.Dst] = [2]uint64{lo, hi}
				}
			}
		case ir.StoreV:
			a := m.addr(x.Dst)
			if err = m.store(a, t.Regs[x.Src][0]); err == nil {
				err = m.store(a+8, t.Regs[x.Src][1])
			}
		case ir.Arith:
			err = m.arith(x)
		case ir.Cmp:
			if _, imm := x.A.(ir.Imm); imm {
				return ir.ExitHalt, m.fault("immediate in first operand of cmp")
			}
			if t.fa, err = m.read(x.A); err == nil {
				t.fb, err = m.read(x.B)
			}
		case ir.Test:
			var a, b uint64
			if a, err = m.read(x.A); err == nil {
				if b, err = m.read(x.B); err == nil {
					t.fa, t.fb = a&b, 0
				}
			}
		case ir.Jcc:
			if x.Cond.Eval(t.fa, t.fb) {
				next = im.targets[m.ip]
			}
		case ir.Jmp:
			next = im.targets[m.ip]
		case ir.JmpInd:
			var a uint64
			if a, err = m.read(x.Src); err == nil {
				if err = m.jump(a); err == nil {
					continue
				}
			}
		case ir.CMov:
			if x.Cond.Eval(t.fa, t.fb) {
				t.Regs[x.Dst][0] = t.Regs[x.Src][0]
			}
		case ir.Call:
			if t.Hooks == nil {
				return ir.ExitHalt, m.fault("no hooks")
			}
			err = t.Hooks.Call(t, x.Hook, x.Arg)
		case ir.Pause:
			if t.pauses++; t.pauses%16 == 0 {
				runtime.Gosched()
			}
		case ir.Yield:
			return x.Exit, nil
		default:
			err = m.fault("unknown instruction %T", x)
		}
		if err != nil {
			return ir.ExitHalt, err
		}
		m.ip = next
	}
}

// Flags exposes the operands of the last comparison, for tests.
func (t *Thread) Flags() (a, b uint64) { return t.fa, t.fb }

func (t *Thread) SetFlags(a, b uint64) { t.fa, t.fb = a, b }
