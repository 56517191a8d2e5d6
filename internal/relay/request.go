package relay

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/alessio/shellescape"
)

// Request describes one external command to run.
type Request struct {
	Kind    Kind
	Command string            // executable, resolved via PATH
	Args    []string          // arguments after Command
	Env     map[string]string // overrides on top of the current environment
	Stdin   string            // piped to the process when non-empty
	Dir     string            // working directory; empty means the current one
	Script  string            // script path that must exist before spawning
	Steps   int               // total "Step N" markers to track; 0 disables
	Sudo    string            // sudo path for signals the group refuses; empty disables
}

// Argv returns the full command line.
func (r Request) Argv() []string {
	return append([]string{r.Command}, r.Args...)
}

// String renders the command line shell-quoted. Env and Stdin are omitted.
func (r Request) String() string {
	return shellescape.QuoteCommand(r.Argv())
}

func (r Request) validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown run kind %q", r.Kind)
	}
	if r.Command == "" {
		return errors.New("empty command")
	}
	if r.Steps < 0 {
		return fmt.Errorf("negative step total %d", r.Steps)
	}
	return nil
}

func (r Request) clone() Request {
	r.Args = slices.Clone(r.Args)
	r.Env = maps.Clone(r.Env)
	return r
}

// environ returns the process environment. Overrides come last so they take
// precedence over inherited values.
func (r Request) environ() []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(r.Env)) {
		env = append(env, k+"="+r.Env[k])
	}
	return env
}
