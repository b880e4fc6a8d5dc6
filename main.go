// NN-512 (https://NN-512.com)
//
// Copyright (C) 2019 [
//     37ef ced3 3727 60b4
//     3c29 f9c6 dc30 d518
//     f4f3 4106 6964 cab4
//     a06f c1a3 83fd 090e
// ]
//
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
//    notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
//    notice, this list of conditions and the following disclaimer in
//    the documentation and/or other materials provided with the
//    distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// HOLDER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"

	"parloop/internal/compile"
	"parloop/internal/compile/author"
	"parloop/internal/config"
	"parloop/internal/doc"
	"parloop/internal/example"
	"parloop/internal/listing"
	"parloop/internal/region"
	"parloop/internal/version"
)

const (
	newline = "\n"
	space   = " "
	indent  = space + space + space + space
	usage   = newline + "Usage:" + newline + newline + indent + "parloop" + space
)

func cmdCompile() error {
	if len(os.Args) == 4 {
		from := os.Args[2]
		if from == "-" {
			from = "/dev/stdin"
		}
		text, err := os.ReadFile(from)
		if err != nil {
			return err
		}
		pl, err := compile.Compile(string(text))
		if err != nil {
			return err
		}
		rec := listing.NewRecorder()
		tab := region.Layout(pl, 0, 0)
		if err := author.Implement(context.Background(), pl, nil, tab, rec, author.Options{}); err != nil {
			return err
		}
		to := filepath.Join(os.Args[3], pl.Config.Prefix+".lst")
		const perm os.FileMode = 0666
		return os.WriteFile(to, rec.Render(pl), perm)
	}
	return errors.New(usage +
		os.Args[1] + space + "SCHEDULE" + space + "DIR" + newline +
		newline +
		"The SCHEDULE argument specifies an input file that contains a" + newline +
		"schedule language description of a program's parallel loops." + newline +
		"- means stdin." + newline +
		newline +
		indent + "Example: fill.sched" + newline +
		indent + "Example: ../schedules/fill" + newline +
		indent + "Example: -" + newline +
		newline +
		"The DIR argument specifies an output directory where a listing" + newline +
		"of the generated code and patches will be written." + newline +
		newline +
		indent + "Example: ." + newline +
		indent + "Example: /tmp/" + newline)
}

func cmdDoc() error {
	if len(os.Args) > 2 {
		return errors.New(usage + os.Args[1] + newline)
	}
	_, err := os.Stdout.Write(doc.Bytes())
	return err
}

func exampleList() string {
	return strings.Join(example.Names(), newline+indent)
}

func cmdExample() error {
	if len(os.Args) == 3 {
		if gen := example.Generate(os.Args[2]); gen != nil {
			_, err := os.Stdout.Write(gen)
			return err
		}
	}
	return errors.New(usage +
		os.Args[1] + space + "NAME" + newline +
		newline +
		"The NAME argument can be:" + newline +
		newline +
		indent + exampleList() + newline)
}

func cmdRun() error {
	if n := len(os.Args); n == 3 || n == 4 {
		if c := example.Lookup(os.Args[2]); c != nil {
			cfg := config.Default()
			if n == 4 {
				var err error
				if cfg, err = config.Load(os.Args[3]); err != nil {
					return err
				}
			}
			return runExample(cfg, os.Args[2])
		}
	}
	return errors.New(usage +
		os.Args[1] + space + "NAME" + space + "[CONFIG]" + newline +
		newline +
		"The NAME argument can be:" + newline +
		newline +
		indent + exampleList() + newline +
		newline +
		"The optional CONFIG argument specifies a TOML file of run" + newline +
		"time settings (thread count, logging, pool, arena)." + newline +
		newline +
		indent + "Example: run.toml" + newline)
}

func runExample(cfg *config.Config, name string) error {
	log, closer, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()
	log.Debug().
		Int(`cpus`, runtime.NumCPU()).
		Bool(`avx2`, cpu.X86.HasAVX2).
		Bool(`asimd`, cpu.ARM64.HasASIMD).
		Log(`host`)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := example.Lookup(name)
	rep, err := c.Run(ctx, cfg.Threads, region.Options{
		Log:       log,
		Pin:       cfg.Pool.Pin,
		Spin:      cfg.Pool.Spin,
		StallWarn: cfg.Pool.StallWarn,
		StackSize: cfg.Arena.StackSize,
		HeapSize:  cfg.Arena.HeapSize,
		Budget:    cfg.Budget,
	}, nil, nil)
	if err != nil {
		return errors.New(name + ": " + err.Error())
	}
	line := name + " ok threads=" + strconv.Itoa(rep.Threads)
	if rep.Sequential {
		line += " sequential"
	}
	if rep.Degraded {
		line += " degraded"
	}
	_, err = os.Stdout.WriteString(line + newline)
	return err
}

func cmdVersion() error {
	if len(os.Args) > 2 {
		return errors.New(usage + os.Args[1] + newline)
	}
	_, err := os.Stdout.WriteString(
		strconv.Itoa(version.Int) + newline,
	)
	return err
}

var cmds = [...]struct {
	name string
	hint string
	call func() error
}{
	{"compile", "Read schedule language and write a listing of the generated code.", cmdCompile},
	{"doc", "Write documentation for the schedule language to stdout.", cmdDoc},
	{"example", "Write schedule language for an example program to stdout.", cmdExample},
	{"run", "Run an example program with its loops in parallel and check it.", cmdRun},
	{"version", "Write the version number of this program to stdout.", cmdVersion},
}

func run() error {
	if len(os.Args) >= 2 {
		arg := os.Args[1]
		for i := range &cmds {
			if cmds[i].name == arg {
				return cmds[i].call()
			}
		}
	}
	max := 0
	for i := range &cmds {
		if alt := len(cmds[i].name); max < alt {
			max = alt
		}
	}
	tot := max + len(indent)
	var list string
	for i := range &cmds {
		name, hint := cmds[i].name, cmds[i].hint
		align := strings.Repeat(space, tot-len(name))
		list += indent + name + align + hint + newline
	}
	return errors.New(usage +
		"COMMAND" + newline +
		newline +
		"The COMMAND argument can be:" + newline +
		newline +
		list)
}

func main() {
	if err := run(); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + newline)
		os.Exit(1)
	}
	os.Exit(0)
}

var _ uint = 1 << 63
