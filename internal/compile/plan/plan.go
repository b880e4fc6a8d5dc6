package plan

import (
	"parloop/internal/arch"
	"parloop/internal/ir"
	"parloop/internal/raw"
)

// Loc is a resolved raw.Value.
type Loc struct {
	Kind raw.ValueKind
	Reg  ir.Reg
	N    int64
}

type Var struct {
	Index    int
	Line     int
	Loc      Loc
	Init     Loc
	Check    *Loc
	Stride   int64
	CheckAt  uint64
	Form     raw.CheckForm
	First    bool
	Cond     ir.Cond
	UpdateAt uint64
}

// Checked reports whether the loop's exit test compares this variable.
func (v *Var) Checked() bool { return v.CheckAt != 0 }

type Write struct {
	Line int
	At   uint64
	Regs ir.Mask
}

type Alias struct {
	Line   int
	A, B   ir.Reg
	Extent int
}

// Loop is the descriptor of one parallel loop. Dyn is its index in
// Plan.Loops, which is also its index in every per-loop table.
type Loop struct {
	Static     int
	Dyn        int
	Line       int
	Entry      uint64
	Start      uint64
	Branch     uint64
	Scratch    [4]ir.Reg
	Frame      int
	Policy     raw.Policy
	Copy       ir.Mask
	Merge      ir.Mask
	CondMerge  ir.Mask
	DependGPR  ir.Mask
	DependSIMD ir.Mask
	Vars       []*Var
	Check      *Var
	Writes     []*Write
	Aliases    []*Alias
}

func (l *Loop) UseStack() bool { return l.Frame != 0 }

// Continue is the PC where sequential execution resumes after the loop.
func (l *Loop) Continue() uint64 { return l.Branch + 4 }

type Plan struct {
	Config  *raw.Config
	Arch    arch.Backend
	Threads int
	Loops   []*Loop
}

func (p *Plan) MaxVars() (n int) {
	for _, l := range p.Loops {
		n = max(n, len(l.Vars))
	}
	return
}

// WithThreads copies the plan with a different thread count. Loops are
// shared with the original.
func (p *Plan) WithThreads(n int) *Plan {
	q := *p
	q.Threads = n
	return &q
}
