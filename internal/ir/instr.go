package ir

import "strconv"

const (
	comma   = ", "
	newline = "\n"
	space   = " "
	tab     = "\t"
)

type Instr interface {
	Append(to []byte, n Namer) []byte
}

type Seq []Instr

func (s Seq) Append(to []byte, n Namer) []byte {
	for _, in := range s {
		if in != nil {
			to = in.Append(to, n)
		}
	}
	return to
}

func op(to []byte, name string, n Namer, args ...Operand) []byte {
	to = append(to, tab+name...)
	for i, arg := range args {
		if i == 0 {
			to = append(to, space...)
		} else {
			to = append(to, comma...)
		}
		to = arg.Append(to, n)
	}
	return append(to, newline...)
}

type Mark struct {
	Label Label
}

func (m Mark) Append(to []byte, _ Namer) []byte {
	return append(to, string(m.Label)+":"+newline...)
}

type Mov struct {
	Dst, Src Reg
}

func (m Mov) Append(to []byte, n Namer) []byte { return op(to, "mov", n, m.Dst, m.Src) }

// MovV copies a whole 128-bit vector register.
type MovV struct {
	Dst, Src Reg
}

func (m MovV) Append(to []byte, n Namer) []byte { return op(to, "movv", n, m.Dst, m.Src) }

type MovImm struct {
	Dst Reg
	Imm int64
}

func (m MovImm) Append(to []byte, n Namer) []byte { return op(to, "mov", n, m.Dst, Imm(m.Imm)) }

type Load struct {
	Dst Reg
	Src Mem
}

func (l Load) Append(to []byte, n Namer) []byte { return op(to, "load", n, l.Dst, l.Src) }

type Store struct {
	Dst Mem
	Src Reg
}

func (s Store) Append(to []byte, n Namer) []byte { return op(to, "store", n, s.Dst, s.Src) }

type StoreImm struct {
	Dst Mem
	Imm int64
}

func (s StoreImm) Append(to []byte, n Namer) []byte { return op(to, "store", n, s.Dst, Imm(s.Imm)) }

type LoadV struct {
	Dst Reg
	Src Mem
}

func (l LoadV) Append(to []byte, n Namer) []byte { return op(to, "loadv", n, l.Dst, l.Src) }

type StoreV struct {
	Dst Mem
	Src Reg
}

func (s StoreV) Append(to []byte, n Namer) []byte { return op(to, "storev", n, s.Dst, s.Src) }

type ArithOp uint8

const (
	Add ArithOp = iota
	Sub
	Mul
	Div
	Rem
	And
	Or
	Xor
)

var ArithStrings = []string{
	Add: "add",
	Sub: "sub",
	Mul: "mul",
	Div: "div",
	Rem: "rem",
	And: "and",
	Or:  "or",
	Xor: "xor",
}

// Arith computes Dst = Dst op Src. Only a Sub with Flags set leaves the
// condition flags as cmp Dst,Src would; every other form preserves them.
type Arith struct {
	Op    ArithOp
	Dst   Operand
	Src   Operand
	Flags bool
}

func (a Arith) Append(to []byte, n Namer) []byte {
	name := ArithStrings[a.Op]
	if a.Flags {
		name += "s"
	}
	return op(to, name, n, a.Dst, a.Src)
}

type Cmp struct {
	A, B Operand
}

func (c Cmp) Append(to []byte, n Namer) []byte { return op(to, "cmp", n, c.A, c.B) }

// Test sets the flags as cmp (A&B),0 would.
type Test struct {
	A, B Operand
}

func (t Test) Append(to []byte, n Namer) []byte { return op(to, "test", n, t.A, t.B) }

type Jcc struct {
	Cond Cond
	To   Label
}

func (j Jcc) Append(to []byte, _ Namer) []byte {
	return append(to, tab+"j"+CondStrings[j.Cond]+space+string(j.To)+newline...)
}

type Jmp struct {
	To Label
}

func (j Jmp) Append(to []byte, _ Namer) []byte {
	return append(to, tab+"jmp"+space+string(j.To)+newline...)
}

// JmpInd jumps to the code address held in a register or memory word.
type JmpInd struct {
	Src Operand
}

func (j JmpInd) Append(to []byte, n Namer) []byte { return op(to, "jmp", n, j.Src) }

type CMov struct {
	Cond     Cond
	Dst, Src Reg
}

func (c CMov) Append(to []byte, n Namer) []byte {
	return op(to, "cmov"+CondStrings[c.Cond], n, c.Dst, c.Src)
}

type Hook uint8

const (
	HookWaitInPool Hook = iota
	HookSchedule
	HookWaitFinish
	HookRuntimeCheck
)

var HookStrings = []string{
	HookWaitInPool:   "wait_threads_in_pool",
	HookSchedule:     "schedule_threads",
	HookWaitFinish:   "wait_threads_finish",
	HookRuntimeCheck: "runtime_check",
}

// Call transfers control to a runtime routine and resumes at the next
// instruction. Registers and flags are preserved.
type Call struct {
	Hook Hook
	Arg  int64
}

func (c Call) Append(to []byte, _ Namer) []byte {
	to = append(to, tab+"call"+space+HookStrings[c.Hook]+"("...)
	to = strconv.AppendInt(to, c.Arg, 10)
	return append(to, ")"+newline...)
}

// Pause is a spin-wait hint.
type Pause struct{}

func (Pause) Append(to []byte, _ Namer) []byte { return append(to, tab+"pause"+newline...) }

type Exit uint8

const (
	ExitHalt Exit = iota
	ExitPool
	ExitReenter
)

var ExitStrings = []string{
	ExitHalt:    "halt",
	ExitPool:    "yield_to_pool",
	ExitReenter: "reenter_thread_pool",
}

// Yield leaves generated code and hands the thread back to its runtime.
type Yield struct {
	Exit Exit
}

func (y Yield) Append(to []byte, _ Namer) []byte {
	return append(to, tab+ExitStrings[y.Exit]+newline...)
}
