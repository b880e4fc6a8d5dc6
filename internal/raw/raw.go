package raw

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

type Node interface {
	LineNumber() int
}

type Arch int

const (
	AMD64 Arch = iota
	ARM64
)

var ArchStrings = []string{
	AMD64: "amd64",
	ARM64: "arm64",
}

type Config struct {
	LineNum          int
	Prefix           string
	Arch             Arch
	Threads          int
	SafeRuntimeCheck bool
}

func (c *Config) LineNumber() int { return c.LineNum }

type Policy int

const (
	DoallBlock Policy = iota
	DoallCyclicChunk
)

var PolicyStrings = []string{
	DoallBlock:       "DoallBlock",
	DoallCyclicChunk: "DoallCyclicChunk",
}

type Loop struct {
	LineNum    int
	ID         int
	Entry      uint64
	Start      uint64
	Branch     uint64
	Scratch    []string
	Frame      int
	Policy     Policy
	Copy       []string
	Merge      []string
	CondMerge  []string
	DependGPR  []string
	DependSIMD []string
}

func (l *Loop) LineNumber() int { return l.LineNum }

type ValueKind int

const (
	ValReg ValueKind = iota
	ValStack
	ValFrame
	ValAbs
	ValConst
)

var ValueKindStrings = []string{
	ValReg:   "register",
	ValStack: "stack",
	ValFrame: "frame",
	ValAbs:   "absolute",
	ValConst: "constant",
}

// Value says where a program value lives: a register, a stack slot (sp+N),
// a frame slot (fp+N), absolute memory (@ADDR), or nowhere because it is a
// constant.
type Value struct {
	Kind ValueKind
	Reg  string
	N    int64
}

func (v Value) String() string {
	switch v.Kind {
	case ValReg:
		return v.Reg
	case ValStack, ValFrame:
		base := "sp"
		if v.Kind == ValFrame {
			base = "fp"
		}
		if v.N < 0 {
			return base + strconv.FormatInt(v.N, 10)
		}
		return base + "+" + strconv.FormatInt(v.N, 10)
	case ValAbs:
		return "@0x" + strconv.FormatUint(uint64(v.N), 16)
	}
	return strconv.FormatInt(v.N, 10)
}

type CheckForm int

const (
	FormCmp CheckForm = iota
	FormSub
)

var CheckFormStrings = []string{
	FormCmp: "Cmp",
	FormSub: "Sub",
}

var CondStrings = []string{"e", "ne", "l", "le", "g", "ge", "b", "be", "a", "ae"}

// Var is the profile of one induction variable: value = Init + k*Stride.
// A loop's checked variable also names the instruction that tests it
// against Check and the condition of the loop branch that follows.
type Var struct {
	LineNum    int
	Loop       int
	Loc        Value
	Init       Value
	Check      *Value
	Stride     int64
	CheckAt    uint64
	CheckForm  CheckForm
	CheckFirst bool
	Cond       int
	UpdateAt   uint64
}

func (v *Var) LineNumber() int { return v.LineNum }

type Write struct {
	LineNum int
	Loop    int
	At      uint64
	Regs    []string
}

func (w *Write) LineNumber() int { return w.LineNum }

type Alias struct {
	LineNum int
	Loop    int
	A       string
	B       string
	Extent  int
}

func (a *Alias) LineNumber() int { return a.LineNum }

type Seg struct {
	Doc     string
	Label   string
	Default string
	Choices []string
	Parse   func(string) (interface{}, error)
}

type Tail struct {
	Doc   string
	Segs  []*Seg
	Parse func(int, []interface{}) Node
}

var Guide = make(map[string]*Tail)

const Binder = "="

func Parse(text string) ([]Node, error) {
	const (
		pre = "parse failed: "
		wln = pre + "line %d: "
		eg  = wln + "expected %s" + Binder + "%s (for example)"
	)
	if n := len(text); n == 0 {
		return nil, nil
	} else if text[n-1] != '\n' {
		return nil, errors.New(pre + "expected final newline")
	}
	var nodes []Node
	const (
		headSpace int = iota
		headToken
		tailSpace
		tailToken
		comment
	)
	phase := headSpace
	i, lineHead, line := 0, 0, 1
	var tail *Tail
	var vals []interface{}
	for j, jj := range text {
		if phase == comment {
			if jj == '\n' {
				phase = headSpace
				line += 1
			}
			continue
		}
		if !unicode.IsSpace(jj) {
			if phase == headSpace {
				if jj == '#' {
					phase = comment
					continue
				}
				phase, i, lineHead = headToken, j, line
			} else if phase == tailSpace {
				phase, i = tailToken, j
			}
			continue
		}
		if phase == headToken {
			phase = tailSpace
			if tail = Guide[text[i:j]]; tail == nil {
				heads := make([]string, 0, len(Guide))
				for head := range Guide {
					heads = append(heads, head)
				}
				sort.Strings(heads)
				msg := fmt.Sprintf(wln+"%s", line, errExpected(heads).Error())
				return nil, errors.New(msg)
			}
		} else if phase == tailToken {
			seg := tail.Segs[len(vals)]
			parts := strings.Split(text[i:j], Binder)
			if len(parts) != 2 || parts[0] != seg.Label {
				msg := fmt.Sprintf(eg, line, seg.Label, seg.Default)
				return nil, errors.New(msg)
			}
			val, err := seg.Parse(parts[1])
			if err != nil {
				msg := fmt.Sprintf(wln+"%s: %s", line, seg.Label, err.Error())
				return nil, errors.New(msg)
			}
			vals = append(vals, val)
			if len(vals) == len(tail.Segs) {
				nodes = append(nodes, tail.Parse(lineHead, vals))
				phase, vals = headSpace, vals[:0]
			} else {
				phase = tailSpace
			}
		}
		if jj == '\n' {
			line += 1
		}
	}
	if phase == tailSpace {
		seg := tail.Segs[len(vals)]
		msg := fmt.Sprintf(eg, line, seg.Label, seg.Default)
		return nil, errors.New(msg)
	}
	return nodes, nil
}

const (
	identStr  = `^[a-zA-Z][a-zA-Z0-9]*$`
	nonNegStr = `^(0|[1-9][0-9]*)$`
	posIntStr = `^[1-9][0-9]*$`
	intStr    = `^-?(0|[1-9][0-9]*)$`
	addrStr   = `^(0|[1-9][0-9]*|0x[0-9a-f]+)$`
	valueStr  = `^(-?(0|[1-9][0-9]*)|0x[0-9a-f]+|@(0|[1-9][0-9]*|0x[0-9a-f]+)|(sp|fp)([+-](0|[1-9][0-9]*))?|[a-z][a-z0-9]*)$`
)

var (
	identRE  = regexp.MustCompile(identStr)
	nonNegRE = regexp.MustCompile(nonNegStr)
	posIntRE = regexp.MustCompile(posIntStr)
	intRE    = regexp.MustCompile(intStr)
	addrRE   = regexp.MustCompile(addrStr)
	valueRE  = regexp.MustCompile(valueStr)
)

const (
	identDoc  = "Must be a letter followed by zero or more letters/digits: " + identStr
	nonNegDoc = "Must be a non-negative integer: " + nonNegStr
	posIntDoc = "Must be a positive integer: " + posIntStr
	intDoc    = "Must be an integer: " + intStr
	addrDoc   = "Must be a non-negative integer, in decimal or in lowercase hex with a 0x prefix: " + addrStr
	regsDoc   = "A comma-separated list of register names (like rax,rcx or x0,v3), or none."
	valueDoc  = "A register name (rdi), a stack slot relative to the stack pointer (sp+16), " +
		"a frame slot relative to the frame pointer (fp-8), an absolute memory word (@0x10100000), " +
		"or an integer constant (100). As a pattern: " + valueStr
	yesNoDoc = "Must be yes or no."
)

var (
	errGap      = errors.New("unexpected gap after " + Binder)
	errRejected = errors.New("rejected")
)

func errMatch(a, b string) error {
	return errors.New(a + "does not match " + b)
}

func errExpected(a []string) error {
	return errors.New("expected " + strings.Join(a, " or "))
}

func ident(a string) (interface{}, error) {
	if !identRE.MatchString(a) {
		if a == "" {
			return nil, errGap
		}
		return nil, errMatch("", identStr)
	}
	return a, nil
}

func nonNeg(a string, r int) (interface{}, error) {
	if !nonNegRE.MatchString(a) {
		if a == "" {
			return nil, errGap
		}
		return nil, errMatch("", nonNegStr)
	}
	n, err := strconv.Atoi(a)
	if err != nil {
		return nil, err
	}
	if n >= r {
		return nil, errRejected
	}
	return n, nil
}

func posInt(a string, r int) (interface{}, error) {
	if !posIntRE.MatchString(a) {
		if a == "" {
			return nil, errGap
		}
		return nil, errMatch("", posIntStr)
	}
	n, err := strconv.Atoi(a)
	if err != nil {
		return nil, err
	}
	if n >= r {
		return nil, errRejected
	}
	return n, nil
}

func integer(a string) (interface{}, error) {
	if !intRE.MatchString(a) {
		if a == "" {
			return nil, errGap
		}
		return nil, errMatch("", intStr)
	}
	n, err := strconv.ParseInt(a, 10, 48)
	if err != nil {
		return nil, errRejected
	}
	return n, nil
}

func parseAddr(a string) (uint64, error) {
	if strings.HasPrefix(a, "0x") {
		return strconv.ParseUint(a[2:], 16, 48)
	}
	return strconv.ParseUint(a, 10, 48)
}

func addr(a string) (interface{}, error) {
	if !addrRE.MatchString(a) {
		if a == "" {
			return nil, errGap
		}
		return nil, errMatch("", addrStr)
	}
	n, err := parseAddr(a)
	if err != nil {
		return nil, errRejected
	}
	return n, nil
}

func yesNo(a string) (interface{}, error) {
	switch a {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	case "":
		return nil, errGap
	}
	return nil, errExpected([]string{"yes", "no"})
}

func choice(a string, choices []string) (int, error) {
	for i, s := range choices {
		if a == s {
			return i, nil
		}
	}
	if a == "" {
		return 0, errGap
	}
	return 0, errExpected(choices)
}

func regs(a string) (interface{}, error) {
	if a == "" {
		return nil, errGap
	}
	if a == "none" {
		return []string(nil), nil
	}
	names := strings.Split(a, ",")
	for _, name := range names {
		if !identRE.MatchString(name) {
			return nil, errMatch("register "+strconv.Quote(name)+" ", identStr)
		}
	}
	return names, nil
}

func value(a string) (interface{}, error) {
	if !valueRE.MatchString(a) {
		if a == "" {
			return nil, errGap
		}
		return nil, errMatch("", valueStr)
	}
	switch {
	case a[0] == '@':
		n, err := parseAddr(a[1:])
		if err != nil {
			return nil, errRejected
		}
		return Value{Kind: ValAbs, N: int64(n)}, nil
	case a == "sp" || a == "fp" || strings.HasPrefix(a, "sp+") || strings.HasPrefix(a, "sp-") ||
		strings.HasPrefix(a, "fp+") || strings.HasPrefix(a, "fp-"):
		kind := ValStack
		if a[0] == 'f' {
			kind = ValFrame
		}
		var n int64
		if len(a) > 2 {
			var err error
			if n, err = strconv.ParseInt(a[2:], 10, 32); err != nil {
				return nil, errRejected
			}
		}
		return Value{Kind: kind, N: n}, nil
	case a[0] == '-' || (a[0] >= '0' && a[0] <= '9'):
		if strings.HasPrefix(a, "0x") {
			n, err := strconv.ParseInt(a[2:], 16, 48)
			if err != nil {
				return nil, errRejected
			}
			return Value{Kind: ValConst, N: n}, nil
		}
		n, err := strconv.ParseInt(a, 10, 48)
		if err != nil {
			return nil, errRejected
		}
		return Value{Kind: ValConst, N: n}, nil
	}
	return Value{Kind: ValReg, Reg: a}, nil
}

func loopRef() *Seg {
	return &Seg{
		Doc: "The ID of the Loop this line belongs to. " +
			nonNegDoc,
		Label:   "Loop",
		Default: "1",
		Parse: func(a string) (interface{}, error) {
			return nonNeg(a, 1<<31)
		},
	}
}

func regList(label, def, doc string) *Seg {
	return &Seg{
		Doc:     doc + regsDoc,
		Label:   label,
		Default: def,
		Parse:   regs,
	}
}

func pc(label, def, doc string) *Seg {
	return &Seg{
		Doc:     doc + addrDoc,
		Label:   label,
		Default: def,
		Parse:   addr,
	}
}

func initConfig() {
	Guide["Config"] = &Tail{
		Doc: "Settings for the parallel region. Exactly one Config line is required.",
		Segs: []*Seg{
			{
				Doc: "A string used in the names of generated code blocks. " +
					identDoc,
				Label:   "Prefix",
				Default: "parloop",
				Parse:   ident,
			},
			{
				Doc: "The architecture whose registers the schedule names. " +
					"This selects the register file, the stack and frame pointers, " +
					"and how thread-local state is addressed.",
				Label:   "Arch",
				Default: ArchStrings[AMD64],
				Choices: ArchStrings,
				Parse: func(a string) (interface{}, error) {
					i, err := choice(a, ArchStrings)
					return Arch(i), err
				},
			},
			{
				Doc: "The number of threads that run each parallel loop, including the main thread. " +
					"This may be overridden at run time. " +
					posIntDoc,
				Label:   "Threads",
				Default: "4",
				Parse: func(a string) (interface{}, error) {
					return posInt(a, 257)
				},
			},
			{
				Doc: "Whether to test Alias pairs for overlap each time a loop starts. " +
					"A loop whose pair overlaps falls back to one thread, for that run and every later one. " +
					yesNoDoc,
				Label:   "SafeRuntimeCheck",
				Default: "no",
				Choices: []string{"yes", "no"},
				Parse:   yesNo,
			},
		},
		Parse: func(l int, a []interface{}) Node {
			return &Config{
				LineNum:          l,
				Prefix:           a[0].(string),
				Arch:             a[1].(Arch),
				Threads:          a[2].(int),
				SafeRuntimeCheck: a[3].(bool),
			}
		},
	}
}

func initLoop() {
	Guide["Loop"] = &Tail{
		Doc: "A loop the static analysis proved safe to run in parallel. " +
			"The loop must be bottom-tested: Entry falls through into Start, " +
			"and the conditional branch at Branch jumps back to Start until the loop ends. " +
			"The instruction after Branch is where the sequential program continues.",
		Segs: []*Seg{
			{
				Doc: "The static ID of this loop. Other lines refer to the loop by this ID. " +
					nonNegDoc,
				Label:   "ID",
				Default: "1",
				Parse: func(a string) (interface{}, error) {
					return nonNeg(a, 1<<31)
				},
			},
			pc("Entry", "0x1008",
				"The PC of the last instruction before the loop. It must fall through into Start. "),
			pc("Start", "0x100c",
				"The PC of the loop header, where each thread begins its share of iterations. "),
			pc("Branch", "0x1020",
				"The PC of the conditional branch that closes the loop. "),
			regList("Scratch", "rax,rcx,rdx,rbx",
				"Exactly four distinct general purpose registers the generated code may clobber. "+
					"Their application values are saved and restored around generated code. "),
			{
				Doc: "The size in bytes of the stack frame the loop body reads and writes. " +
					"Zero means the loop does not use the stack. Otherwise each worker thread runs " +
					"on a private copy of this many bytes from the top of the main thread's stack. " +
					"Must be a multiple of 8. " + nonNegDoc,
				Label:   "Frame",
				Default: "0",
				Parse: func(a string) (interface{}, error) {
					return nonNeg(a, 1<<16)
				},
			},
			{
				Doc: "How iterations are split between threads. " +
					PolicyStrings[DoallBlock] + " gives each thread one contiguous block. " +
					PolicyStrings[DoallCyclicChunk] + " gives each thread every Nth iteration.",
				Label:   "Policy",
				Default: PolicyStrings[DoallBlock],
				Choices: PolicyStrings,
				Parse: func(a string) (interface{}, error) {
					i, err := choice(a, PolicyStrings)
					return Policy(i), err
				},
			},
			regList("Copy", "rsi,rdi",
				"Registers whose values the loop reads. They are copied from the main thread to every thread. "),
			regList("Merge", "none",
				"Registers whose final value is the one left by the thread that ran the last iterations. "),
			regList("CondMerge", "none",
				"Registers that only some iterations write. Each one gets the value of the highest "+
					"numbered thread that wrote it, or keeps its value if no thread did. "),
			regList("DependGPR", "none",
				"General purpose registers the loop body depends on. Each must also be in Copy. "),
			regList("DependSIMD", "none",
				"Vector registers the loop body depends on. Each must also be in Copy. "),
		},
		Parse: func(l int, a []interface{}) Node {
			return &Loop{
				LineNum:    l,
				ID:         a[0].(int),
				Entry:      a[1].(uint64),
				Start:      a[2].(uint64),
				Branch:     a[3].(uint64),
				Scratch:    a[4].([]string),
				Frame:      a[5].(int),
				Policy:     a[6].(Policy),
				Copy:       a[7].([]string),
				Merge:      a[8].([]string),
				CondMerge:  a[9].([]string),
				DependGPR:  a[10].([]string),
				DependSIMD: a[11].([]string),
			}
		},
	}
}

func initVar() {
	Guide["Var"] = &Tail{
		Doc: "An induction variable of a loop, taking the values Init, Init+Stride, Init+2*Stride, and so on. " +
			"Exactly one Var per loop is checked (has a nonzero CheckAt); its test against Check ends the loop. " +
			"Each thread gets its own starting value and, for the checked variable, its own bound.",
		Segs: []*Seg{
			loopRef(),
			{
				Doc: "Where the variable lives. Must be a register, stack slot, or frame slot. " +
					valueDoc,
				Label:   "Loc",
				Default: "rsi",
				Parse:   value,
			},
			{
				Doc: "The value of the variable when the loop is entered. " +
					valueDoc,
				Label:   "Init",
				Default: "0",
				Parse:   value,
			},
			{
				Doc: "The value the checked variable is compared with, or none for an unchecked variable. " +
					valueDoc,
				Label:   "Check",
				Default: "100",
				Parse: func(a string) (interface{}, error) {
					if a == "none" {
						return (*Value)(nil), nil
					}
					v, err := value(a)
					if err != nil {
						return nil, err
					}
					vv := v.(Value)
					return &vv, nil
				},
			},
			{
				Doc: "The amount added to the variable by each iteration. Must not be zero. " +
					intDoc,
				Label:   "Stride",
				Default: "1",
				Parse:   integer,
			},
			pc("CheckAt", "0x1018",
				"The PC of the instruction that compares the variable with Check, or 0 if none. "),
			{
				Doc: "The form of the instruction at CheckAt. " +
					CheckFormStrings[FormCmp] + " is a compare. " +
					CheckFormStrings[FormSub] + " is a flag-setting subtract that also updates the variable " +
					"(a count down to Check), in which case a compare is added after it.",
				Label:   "CheckForm",
				Default: CheckFormStrings[FormCmp],
				Choices: CheckFormStrings,
				Parse: func(a string) (interface{}, error) {
					i, err := choice(a, CheckFormStrings)
					return CheckForm(i), err
				},
			},
			{
				Doc: "Whether Check is the first operand of the compare (cmp Check,Loc) rather than the second. " +
					yesNoDoc,
				Label:   "CheckFirst",
				Default: "no",
				Choices: []string{"yes", "no"},
				Parse:   yesNo,
			},
			{
				Doc: "The condition under which the branch at the loop's Branch jumps back to Start. " +
					"It must be the branch's own condition. Inclusive conditions (le, ge, be, ae) " +
					"run the iteration at Check itself.",
				Label:   "Cond",
				Default: "l",
				Choices: CondStrings,
				Parse: func(a string) (interface{}, error) {
					return choice(a, CondStrings)
				},
			},
			pc("UpdateAt", "0x1014",
				"The PC of the instruction that adds Stride to the variable, or 0 if none. "+
					"Required for every variable of a "+PolicyStrings[DoallCyclicChunk]+" loop. "),
		},
		Parse: func(l int, a []interface{}) Node {
			return &Var{
				LineNum:    l,
				Loop:       a[0].(int),
				Loc:        a[1].(Value),
				Init:       a[2].(Value),
				Check:      a[3].(*Value),
				Stride:     a[4].(int64),
				CheckAt:    a[5].(uint64),
				CheckForm:  a[6].(CheckForm),
				CheckFirst: a[7].(bool),
				Cond:       a[8].(int),
				UpdateAt:   a[9].(uint64),
			}
		},
	}
}

func initWrite() {
	Guide["Write"] = &Tail{
		Doc: "A point in a loop body where conditionally merged registers are written. " +
			"Each time a thread reaches At it records that it wrote Regs.",
		Segs: []*Seg{
			loopRef(),
			pc("At", "0x1010", "The PC of the writing instruction. "),
			regList("Regs", "rdx", "The registers written at At. Each must be in the loop's CondMerge. "),
		},
		Parse: func(l int, a []interface{}) Node {
			return &Write{
				LineNum: l,
				Loop:    a[0].(int),
				At:      a[1].(uint64),
				Regs:    a[2].([]string),
			}
		},
	}
}

func initAlias() {
	Guide["Alias"] = &Tail{
		Doc: "Two memory regions the static analysis assumed disjoint. " +
			"When SafeRuntimeCheck is yes they are compared each time the loop starts.",
		Segs: []*Seg{
			loopRef(),
			{
				Doc:     "The register holding the start address of the first region.",
				Label:   "A",
				Default: "rdi",
				Parse:   ident,
			},
			{
				Doc:     "The register holding the start address of the second region.",
				Label:   "B",
				Default: "rsi",
				Parse:   ident,
			},
			{
				Doc: "The length in bytes of each region. " +
					posIntDoc,
				Label:   "Extent",
				Default: "800",
				Parse: func(a string) (interface{}, error) {
					return posInt(a, 1<<40)
				},
			},
		},
		Parse: func(l int, a []interface{}) Node {
			return &Alias{
				LineNum: l,
				Loop:    a[0].(int),
				A:       a[1].(string),
				B:       a[2].(string),
				Extent:  a[3].(int),
			}
		},
	}
}

func init() {
	initConfig()
	initLoop()
	initVar()
	initWrite()
	initAlias()
}
