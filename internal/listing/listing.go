package listing

import (
	"sort"
	"strconv"

	"parloop/internal/compile/plan"
	"parloop/internal/ir"
	"parloop/internal/raw"
)

type Section int

const (
	First Section = iota
	Header
	Patches
	Blocks
	Last
	sectionCount
)

// Sections collects text for each part of a listing so parts can be
// written in any order and joined in section order.
type Sections struct {
	a [sectionCount][]byte
}

func (s *Sections) Append(to Section, text ...[]byte) {
	for _, t := range text {
		s.a[to] = append(s.a[to], t...)
	}
}

func (s *Sections) Join() (to []byte) {
	for _, from := range s.a[First : Last+1] {
		to = append(to, from...)
	}
	return
}

type edit struct {
	before [][]ir.Instr
	after  [][]ir.Instr
	repl   []ir.Instr
	ok     bool
}

type block struct {
	label ir.Label
	code  []ir.Instr
}

// Recorder is a substrate that only remembers what was written to it, for
// rendering without a host program.
type Recorder struct {
	edits  map[uint64]*edit
	blocks []block
}

func NewRecorder() *Recorder {
	return &Recorder{edits: make(map[uint64]*edit)}
}

func (r *Recorder) at(pc uint64) *edit {
	ed := r.edits[pc]
	if ed == nil {
		ed = new(edit)
		r.edits[pc] = ed
	}
	return ed
}

func (r *Recorder) InsertBefore(pc uint64, code ...ir.Instr) {
	ed := r.at(pc)
	ed.before = append(ed.before, code)
}

func (r *Recorder) InsertAfter(pc uint64, code ...ir.Instr) {
	ed := r.at(pc)
	ed.after = append(ed.after, code)
}

func (r *Recorder) Replace(pc uint64, code ...ir.Instr) {
	ed := r.at(pc)
	ed.repl, ed.ok = code, true
}

func (r *Recorder) AddBlock(label ir.Label, code []ir.Instr) {
	r.blocks = append(r.blocks, block{label, code})
}

func hex(pc uint64) string { return "0x" + strconv.FormatUint(pc, 16) }

func comment(to []byte, text string) []byte {
	return append(to, "; "+text+"\n"...)
}

func code(to []byte, n ir.Namer, seqs ...[]ir.Instr) []byte {
	for _, seq := range seqs {
		to = ir.Seq(seq).Append(to, n)
	}
	return to
}

// Render writes a listing of everything recorded: a summary of the plan's
// loops, the patches in PC order, then the blocks in the order added.
func (r *Recorder) Render(pl *plan.Plan) []byte {
	var s Sections
	n := pl.Arch
	var head []byte
	head = comment(head, pl.Config.Prefix+" "+n.Name()+" threads="+strconv.Itoa(pl.Threads))
	for _, lp := range pl.Loops {
		head = comment(head, "loop "+strconv.Itoa(lp.Static)+
			" "+raw.PolicyStrings[lp.Policy]+
			" entry="+hex(lp.Entry)+
			" start="+hex(lp.Start)+
			" branch="+hex(lp.Branch)+
			" vars="+strconv.Itoa(len(lp.Vars)))
	}
	s.Append(Header, head, []byte("\n"))
	pcs := make([]uint64, 0, len(r.edits))
	for pc := range r.edits {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	var patches []byte
	for _, pc := range pcs {
		ed := r.edits[pc]
		if len(ed.before) != 0 {
			patches = comment(patches, "before "+hex(pc))
			patches = code(patches, n, ed.before...)
		}
		if ed.ok {
			patches = comment(patches, "replace "+hex(pc))
			patches = code(patches, n, ed.repl)
		}
		if len(ed.after) != 0 {
			patches = comment(patches, "after "+hex(pc))
			patches = code(patches, n, ed.after...)
		}
	}
	s.Append(Patches, patches)
	for _, b := range r.blocks {
		s.Append(Blocks, []byte("\n"), ir.Mark{Label: b.label}.Append(nil, n), code(nil, n, b.code))
	}
	return s.Join()
}
