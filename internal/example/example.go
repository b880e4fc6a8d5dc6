package example

import (
	"parloop/internal/example/block"
	"parloop/internal/example/cyclic"
	"parloop/internal/example/host"
)

var menu = [...]struct {
	name string
	call func() *host.Case
}{
	{"Fill", block.Fill},
	{"LastValue", block.LastValue},
	{"CondMax", block.CondMax},
	{"Stack", block.Stack},
	{"Alias", block.Alias},
	{"Countdown", block.Countdown},
	{"UpTo", block.UpTo},
	{"Odd", cyclic.Odd},
	{"CountdownCyclic", cyclic.Countdown},
	{"DownTo", cyclic.DownTo},
}

func Names() []string {
	names := make([]string, len(menu))
	for i := range &menu {
		names[i] = menu[i].name
	}
	return names
}

// Generate gives the schedule of the named example.
func Generate(name string) []byte {
	if c := Lookup(name); c != nil {
		return c.Schedule
	}
	return nil
}

// Lookup gives the whole named example: its host program, schedule, and
// how to set up and check a run.
func Lookup(name string) *host.Case {
	for i := range &menu {
		if menu[i].name == name {
			return menu[i].call()
		}
	}
	return nil
}
