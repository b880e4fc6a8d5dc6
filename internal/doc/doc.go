package doc

import (
	"sort"
	"strings"
	"unicode"

	"parloop/internal/example"
	"parloop/internal/raw"
)

const (
	empty   = ""
	space   = " "
	dash    = "-"
	newline = "\n"
	indent  = space + space + space + space
	divider = dash + dash + dash + dash + newline
	width   = 80
)

const intro = "A schedule describes the parallel loops of one host program, " +
	"as found by analysis of its binary. Each line is a head word followed by " +
	"Label" + raw.Binder + "Value segments in a fixed order. A # starts a comment " +
	"that runs to the end of the line. The text must end with a newline."

// order is the order a schedule is usually written in. Heads not listed
// here follow in sorted order.
var order = []string{"Config", "Loop", "Var", "Write", "Alias"}

func line(to []byte, dent, text string) []byte {
	to = append(to, dent...)
	to = append(to, text...)
	to = append(to, newline...)
	return to
}

func para(to []byte, dent, text string) []byte {
	to = append(to, newline...)
	fit := width - len(dent)
	var i, j, ij, ik int
	for k, r := range text {
		if unicode.IsSpace(r) {
			if ik > fit && ij != 0 {
				to = line(to, dent, text[i:j])
				i = j + 1
				ik -= ij + 1
			}
			j, ij = k, ik
		}
		ik += 1
	}
	if ik > fit && ij != 0 {
		to = line(to, dent, text[i:j])
		i = j + 1
		ik -= ij + 1
	}
	if ik != 0 {
		to = line(to, dent, text[i:])
	}
	return to
}

func heads() []string {
	seen := make(map[string]bool, len(order))
	var hs []string
	for _, head := range order {
		if raw.Guide[head] != nil {
			hs = append(hs, head)
			seen[head] = true
		}
	}
	var rest []string
	for head := range raw.Guide {
		if !seen[head] {
			rest = append(rest, head)
		}
	}
	sort.Strings(rest)
	return append(hs, rest...)
}

func Bytes() (to []byte) {
	to = para(to, empty, intro)
	for _, head := range heads() {
		tail := raw.Guide[head]
		to = append(to, newline+divider+newline...)
		to = append(to, head+newline...)
		for _, seg := range tail.Segs {
			to = append(to, indent+seg.Label+raw.Binder+seg.Default+newline...)
		}
		to = para(to, empty, tail.Doc)
		for _, seg := range tail.Segs {
			text := seg.Label + raw.Binder + space + seg.Doc
			if len(seg.Choices) != 0 {
				text += " Choices: " + strings.Join(seg.Choices, ", ") + "."
			}
			to = para(to, indent, text)
		}
	}
	if gen := example.Generate("Fill"); gen != nil {
		to = append(to, newline+divider+newline...)
		to = append(to, "Example"+newline+newline...)
		for _, l := range strings.SplitAfter(string(gen), newline) {
			if l != empty {
				to = append(to, indent+l...)
			}
		}
	}
	return
}
