package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse(`
threads = 8
budget = 1000000

[log]
level = "debug"

[pool]
pin = true
stall_warn = "250ms"

[arena]
heap_size = 65536
`)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Threads)
	assert.Equal(t, 1000000, c.Budget)
	assert.True(t, c.Pool.Pin)
	assert.Equal(t, 64, c.Pool.Spin)
	assert.Equal(t, 250*time.Millisecond, c.Pool.StallWarn)
	assert.Equal(t, 65536, c.Arena.HeapSize)
	assert.Zero(t, c.Arena.StackSize)
	level, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, logiface.LevelDebug, level)
}

func TestParse_defaults(t *testing.T) {
	c, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse_errors(t *testing.T) {
	for _, tc := range []struct {
		text string
		want string
	}{
		{"threads = 300\n", "threads 300: must be 0 to 256"},
		{"colour = 1\n", "unknown keys: colour"},
		{"[log]\nlevel = \"loud\"\n", `log.level "loud": unknown level`},
		{"[pool]\nspin = -1\n", "pool.spin: must not be negative"},
		{"threads = \n", "config: "},
	} {
		_, err := Parse(tc.text)
		require.Error(t, err, tc.text)
		assert.Contains(t, err.Error(), tc.want)
	}
}

func TestLogger(t *testing.T) {
	c := Default()
	var buf bytes.Buffer
	l, closer, err := c.Logger(&buf)
	require.NoError(t, err)
	l.Info().Str(`loop`, `one`).Log(`hello`)
	l.Debug().Log(`hidden`)
	require.NoError(t, closer.Close())
	assert.Contains(t, buf.String(), `hello`)
	assert.Contains(t, buf.String(), `"one"`)
	assert.NotContains(t, buf.String(), `hidden`)
}

func TestLogger_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	c := Default()
	c.Log.File = path
	l, closer, err := c.Logger(os.Stderr)
	require.NoError(t, err)
	l.Warning().Log(`to file`)
	require.NoError(t, closer.Close())
	text, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(text), `to file`)
}
