// Package dispatch routes commands from any issuer, the text console or
// the graphical panel, to the engine. Both issuers produce the same
// CommandEnvelope for the same action and pass through the same routing
// table under one mutex, which is what guarantees they can never observe
// or produce divergent state.
package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Issuer identifies which surface produced a command.
type Issuer string

const (
	Console Issuer = "console"
	Panel   Issuer = "panel"
)

// CommandEnvelope is one parsed command. It exists only for the duration
// of dispatch.
type CommandEnvelope struct {
	Issuer Issuer   `json:"issuer"`
	Verb   string   `json:"verb"`
	Args   []string `json:"args,omitempty"`
}

// Result is what the issuer renders back to its user.
type Result struct {
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

// Ok builds a successful result.
func Ok(format string, args ...any) Result {
	return Result{OK: true, Text: fmt.Sprintf(format, args...)}
}

// Fail builds a failed result.
func Fail(format string, args ...any) Result {
	return Result{OK: false, Text: fmt.Sprintf(format, args...)}
}

// Handler executes one verb.
type Handler func(args []string) Result

// Dispatcher holds the verb table and nothing else: all state it appears
// to mutate lives behind the engine APIs the handlers call.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	usage    map[string]string
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		usage:    make(map[string]string),
	}
}

// Register installs a verb. usage is the one-line help text shown by the
// help verb and on unknown commands.
func (d *Dispatcher) Register(verb, usage string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[verb] = handler
	d.usage[verb] = usage
}

// Dispatch runs one command to completion. Commands are serialized: at
// most one handler runs at a time, so concurrent console and panel
// commands cannot interleave their reads and writes of engine state.
func (d *Dispatcher) Dispatch(env CommandEnvelope) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	verb := strings.ToLower(strings.TrimSpace(env.Verb))
	if verb == "" {
		return Result{OK: true}
	}
	if verb == "help" {
		return Ok("%s", d.helpLocked())
	}
	handler, ok := d.handlers[verb]
	if !ok {
		return Fail("unknown command %q\n%s", env.Verb, d.helpLocked())
	}
	return handler(env.Args)
}

// Help renders the usage table.
func (d *Dispatcher) Help() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.helpLocked()
}

func (d *Dispatcher) helpLocked() string {
	verbs := make([]string, 0, len(d.usage))
	for verb := range d.usage {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	var b strings.Builder
	b.WriteString("commands:\n")
	for _, verb := range verbs {
		fmt.Fprintf(&b, "  %s\n", d.usage[verb])
	}
	b.WriteString("  help")
	return b.String()
}
