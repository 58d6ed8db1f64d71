package control

import (
	"fmt"
	"strings"
)

// Order is the root-broadcast action every master executes in lockstep
// (spec §4.7).
type Order string

const (
	OrderIdle            Order = "IDLE"
	OrderRun             Order = "RUN"
	OrderChangePeriod    Order = "CHANGE_PERIOD"
	OrderAddAgents       Order = "ADD_AGENTS"
	OrderModifyAttribute Order = "MODIFY_ATTRIBUTE"
	OrderExport          Order = "EXPORT"
	OrderKill            Order = "KILL"
)

// Command is one parsed IPC command line (spec §6's control IPC table).
type Command struct {
	Name string
	Args []string
}

type arity struct {
	min, max int
}

// commandArity mirrors original_source/cli/command_line_interface.cpp's
// argument-count validation table: unknown commands or malformed argument
// counts are diagnosed, never acted on.
var commandArity = map[string]arity{
	"init":            {1, 1},
	"run":             {0, 1},
	"pause":           {0, 0},
	"kill":            {0, 0},
	"set_period":      {1, 1},
	"set_nb_threads":  {1, 1},
	"export_json":     {1, 1},
	"export_ubjson":   {1, 1},
	"convert":         {2, 2},
	"add_agents":      {1, 1},
	"modify_attribute": {3, 3},
	"quit":            {0, 0},
	"exit":            {0, 0},
}

var ErrUnknownCommand = fmt.Errorf("control: unknown command")
var ErrBadArgCount = fmt.Errorf("control: wrong argument count")

// ParseCommand splits a null-terminated ASCII command line into tokens and
// validates its argument count against commandArity. A malformed line
// produces an error and, per spec §6, must never change state.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.TrimRight(line, "\x00"))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	name := fields[0]
	args := fields[1:]

	a, ok := commandArity[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if len(args) < a.min || len(args) > a.max {
		return Command{}, fmt.Errorf("%w: %q takes %d-%d args, got %d", ErrBadArgCount, name, a.min, a.max, len(args))
	}
	return Command{Name: name, Args: args}, nil
}
