package compile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/ir"
	"parloop/internal/raw"
)

const fill = `Config Prefix=Fill Arch=amd64 Threads=4 SafeRuntimeCheck=no
# one loop, a[i] = i*i
Loop ID=1 Entry=0x1000 Start=0x1004 Branch=0x1024 Scratch=r8,r9,r10,r11 Frame=0 Policy=DoallBlock Copy=rdi Merge=rcx CondMerge=none DependGPR=rdi DependSIMD=none
Var Loop=1 Loc=rcx Init=0 Check=100 Stride=1 CheckAt=0x1020 CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=0x101c
`

func TestCompile_fill(t *testing.T) {
	pl, err := Compile(fill)
	require.NoError(t, err)
	assert.Equal(t, "amd64", pl.Arch.Name())
	assert.Equal(t, 4, pl.Threads)
	require.Len(t, pl.Loops, 1)
	lp := pl.Loops[0]
	assert.Equal(t, 1, lp.Static)
	assert.Equal(t, 0, lp.Dyn)
	assert.Equal(t, uint64(0x1028), lp.Continue())
	assert.Equal(t, raw.DoallBlock, lp.Policy)
	rcx, _ := pl.Arch.Parse("rcx")
	rdi, _ := pl.Arch.Parse("rdi")
	assert.Equal(t, ir.MaskOf(rdi), lp.Copy)
	assert.Equal(t, ir.MaskOf(rcx), lp.Merge)
	require.NotNil(t, lp.Check)
	assert.Equal(t, ir.L, lp.Check.Cond)
	assert.Equal(t, int64(100), lp.Check.Check.N)
	assert.Equal(t, 1, pl.MaxVars())
	assert.Equal(t, 8, pl.WithThreads(8).Threads)
	assert.Equal(t, 4, pl.Threads)
}

func TestCompile_errors(t *testing.T) {
	replace := func(old, new string) string {
		if !strings.Contains(fill, old) {
			t.Fatalf("%q not in schedule", old)
		}
		return strings.Replace(fill, old, new, 1)
	}
	for _, tc := range []struct {
		name string
		text string
		want string
	}{
		{"no config", fill[strings.Index(fill, "\n")+1:], "no Config"},
		{"unknown register", replace("Copy=rdi", "Copy=rzz"), `no register named "rzz"`},
		{"stack pointer scratch", replace("Scratch=r8", "Scratch=rsp"), "rsp is the stack pointer"},
		{"three scratch", replace("Scratch=r8,r9,r10,r11", "Scratch=r8,r9,r10"), "expected exactly four Scratch registers"},
		{"entry after start", replace("Entry=0x1000", "Entry=0x1008"), "expected Entry < Start < Branch"},
		{"depend not copied", replace("DependGPR=rdi", "DependGPR=rsi"), "depending register rsi is not in Copy"},
		{"zero stride", replace("Stride=1", "Stride=0"), "Stride is zero"},
		{"equal cond", replace("Cond=l", "Cond=e"), "Cond e cannot close a loop"},
		{"check outside", replace("CheckAt=0x1020", "CheckAt=0x1030"), "CheckAt is not inside the loop"},
		{"alias without check", fill + "Alias Loop=1 A=rdi B=rsi Extent=8\n", "Alias needs SafeRuntimeCheck=yes"},
		{"write not cond merged", fill + "Write Loop=1 At=0x1010 Regs=rdx\n", "Write lists a register that is not in CondMerge"},
		{"unknown loop", fill + "Write Loop=2 At=0x1010 Regs=rdx\n", "no Loop with this ID"},
		{"cyclic without update", replace("Policy=DoallBlock", "Policy=DoallCyclicChunk") +
			"Var Loop=1 Loc=rdx Init=0 Check=none Stride=1 CheckAt=0 CheckForm=Cmp CheckFirst=no Cond=l UpdateAt=0\n",
			"DoallCyclicChunk needs UpdateAt for every Var"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.text)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCompile_parseError(t *testing.T) {
	_, err := Compile("Config Prefix=x Arch=amd64 Threads=0 SafeRuntimeCheck=no\n")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse failed: line 1: Threads: "), err.Error())
	_, err = Compile("Config Prefix=x")
	require.Error(t, err)
	assert.Equal(t, "parse failed: expected final newline", err.Error())
}
