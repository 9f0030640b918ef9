// v0
// internal/cli/cli.go
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Command names the phase a process runs.
type Command string

const (
	Assign Command = "assign"
	Vote   Command = "vote"
	Replay Command = "replay"
)

var ErrUsage = errors.New("usage error")

// Invocation is a parsed command line.
type Invocation struct {
	Command    Command
	ConfigPath string
	// Values overrides vote.values for the assign command.
	Values string
	DryRun bool
}

// Usage is printed on parse errors.
const Usage = `usage: nfcvote <command> [flags]

commands:
  assign   pair each vote value with a reader and write the binding file
  vote     load the binding file and publish a vote per tag detection
  replay   republish votes recorded in the lost-vote journal
`

// Parse reads the subcommand and its flags from args (without the program name).
func Parse(args []string, errOut io.Writer) (Invocation, error) {
	if errOut == nil {
		errOut = io.Discard
	}
	if len(args) == 0 {
		fmt.Fprint(errOut, Usage)
		return Invocation{}, fmt.Errorf("%w: missing command", ErrUsage)
	}
	inv := Invocation{Command: Command(strings.ToLower(args[0]))}
	fs := flag.NewFlagSet(string(inv.Command), flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&inv.ConfigPath, "config", "", "properties file (default nfcvote.properties)")
	switch inv.Command {
	case Assign:
		fs.StringVar(&inv.Values, "values", "", "comma separated vote values, overrides vote.values")
	case Vote:
		fs.BoolVar(&inv.DryRun, "dry-run", false, "log vote payloads instead of publishing them")
	case Replay:
		fs.BoolVar(&inv.DryRun, "dry-run", false, "log replayed payloads instead of publishing them")
	default:
		fmt.Fprint(errOut, Usage)
		return Invocation{}, fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
	if err := fs.Parse(args[1:]); err != nil {
		return Invocation{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		return Invocation{}, fmt.Errorf("%w: unexpected arguments %v", ErrUsage, fs.Args())
	}
	return inv, nil
}
