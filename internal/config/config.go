package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Config holds the runtime settings that are not part of a schedule. Every
// field is optional.
type Config struct {
	// Threads overrides the schedule's thread count if nonzero.
	Threads int `toml:"threads"`

	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`

	Pool struct {
		Pin       bool          `toml:"pin"`
		Spin      int           `toml:"spin"`
		StallWarn time.Duration `toml:"stall_warn"`
	} `toml:"pool"`

	Arena struct {
		StackSize int `toml:"stack_size"`
		HeapSize  int `toml:"heap_size"`
	} `toml:"arena"`

	// Budget bounds the instructions per thread run, if nonzero.
	Budget int `toml:"budget"`
}

func Default() *Config {
	c := new(Config)
	c.Log.Level = logiface.LevelInformational.String()
	c.Pool.Spin = 64
	c.Pool.StallWarn = time.Second
	return c
}

// Parse reads TOML text over the defaults. Unknown keys are errors.
func Parse(text string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(names, ", "))
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return c, nil
}

func Load(path string) (*Config, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(string(text))
}

func (c *Config) check() error {
	var errs []error
	if c.Threads < 0 || c.Threads > 256 {
		errs = append(errs, fmt.Errorf("config: threads %d: must be 0 to 256", c.Threads))
	}
	if c.Pool.Spin < 0 {
		errs = append(errs, errors.New("config: pool.spin: must not be negative"))
	}
	if c.Arena.StackSize < 0 || c.Arena.HeapSize < 0 {
		errs = append(errs, errors.New("config: arena sizes must not be negative"))
	}
	if c.Budget < 0 {
		errs = append(errs, errors.New("config: budget: must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var levels = []logiface.Level{
	logiface.LevelDisabled,
	logiface.LevelEmergency,
	logiface.LevelAlert,
	logiface.LevelCritical,
	logiface.LevelError,
	logiface.LevelWarning,
	logiface.LevelNotice,
	logiface.LevelInformational,
	logiface.LevelDebug,
	logiface.LevelTrace,
}

// Level resolves the log level by its syslog keyword (info, warning, err,
// and so on).
func (c *Config) Level() (logiface.Level, error) {
	for _, l := range levels {
		if l.String() == c.Log.Level {
			return l, nil
		}
	}
	return 0, fmt.Errorf("config: log.level %q: unknown level", c.Log.Level)
}

// Logger builds the JSON logger the settings describe. The returned
// closer releases the log file, if any.
func (c *Config) Logger(stderr io.Writer) (*logiface.Logger[logiface.Event], io.Closer, error) {
	level, err := c.Level()
	if err != nil {
		return nil, nil, err
	}
	w, closer := stderr, io.Closer(nopCloser{})
	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("config: log.file: %w", err)
		}
		w, closer = f, f
	}
	l := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
	return l.Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
