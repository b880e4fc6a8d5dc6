package raw

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_var(t *testing.T) {
	nodes, err := Parse("  # leading comment\n" +
		"Var Loop=3 Loc=sp+8 Init=fp-16 Check=@0x10100000 Stride=-2\n" +
		"\tCheckAt=0x1018 CheckForm=Sub CheckFirst=yes Cond=ae UpdateAt=0\n")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	check := Value{Kind: ValAbs, N: 0x10100000}
	want := &Var{
		LineNum:    2,
		Loop:       3,
		Loc:        Value{Kind: ValStack, N: 8},
		Init:       Value{Kind: ValFrame, N: -16},
		Check:      &check,
		Stride:     -2,
		CheckAt:    0x1018,
		CheckForm:  FormSub,
		CheckFirst: true,
		Cond:       9,
		UpdateAt:   0,
	}
	if diff := cmp.Diff(want, nodes[0]); diff != "" {
		t.Fatalf("unexpected node (-want +got):\n%s", diff)
	}
	assert.Equal(t, "sp+8", want.Loc.String())
	assert.Equal(t, "fp-16", want.Init.String())
	assert.Equal(t, "@0x10100000", check.String())
}

func TestParse_errors(t *testing.T) {
	for _, tc := range []struct {
		text string
		want string
	}{
		{"Bogus\n", "parse failed: line 1: expected Alias or Config or Loop or Var or Write"},
		{"Write Loop=1 At=0x10\n", "parse failed: line 2: expected Regs=rdx (for example)"},
		{"Write Loop=1 Regs=rdx At=0x10\n", "parse failed: line 1: expected At=0x1010 (for example)"},
		{"Write Loop=1 At=0x1G Regs=rdx\n", "parse failed: line 1: At: "},
		{"Config Prefix=a Arch=sparc Threads=1 SafeRuntimeCheck=no\n", "parse failed: line 1: Arch: "},
	} {
		_, err := Parse(tc.text)
		require.Error(t, err, tc.text)
		assert.Contains(t, err.Error(), tc.want)
	}
}

func TestGuide_defaultsParse(t *testing.T) {
	for head, tail := range Guide {
		for _, seg := range tail.Segs {
			_, err := seg.Parse(seg.Default)
			assert.NoError(t, err, "%s %s=%s", head, seg.Label, seg.Default)
		}
	}
}
