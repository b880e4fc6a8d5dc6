package example

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parloop/internal/compile"
	"parloop/internal/raw"
)

func TestGenerate(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			c := Lookup(name)
			require.NotNil(t, c)
			assert.Equal(t, name, c.Name)
			pl, err := compile.Compile(string(Generate(name)))
			require.NoError(t, err)
			assert.Equal(t, name, pl.Config.Prefix)
			assert.Equal(t, c.Arch.Name(), pl.Arch.Name())
			require.NotEmpty(t, pl.Loops)
			prog := c.Program()
			for _, lp := range pl.Loops {
				for _, pc := range []uint64{lp.Entry, lp.Start, lp.Branch} {
					_, ok := prog.Instr(pc)
					assert.True(t, ok, "0x%x", pc)
				}
			}
		})
	}
}

func TestPolicies(t *testing.T) {
	seen := make(map[string]bool)
	for _, name := range Names() {
		pl, err := compile.Compile(string(Generate(name)))
		require.NoError(t, err)
		for _, lp := range pl.Loops {
			seen[raw.PolicyStrings[lp.Policy]] = true
		}
	}
	for _, p := range raw.PolicyStrings {
		assert.True(t, seen[p], p)
	}
}

func TestLookup_unknown(t *testing.T) {
	assert.Nil(t, Lookup("Nope"))
	assert.Nil(t, Generate("Nope"))
}
