// Package console is the text issuer: it turns input lines into command
// envelopes, prints results, and renders feed events as status lines. It
// parses and prints only; every action goes through the dispatcher, the
// same as the panel's.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"classcast/internal/dispatch"
	"classcast/internal/feed"
)

// Console reads commands from in and writes results to out.
type Console struct {
	dispatcher *dispatch.Dispatcher
	in         io.Reader
	out        io.Writer
}

// New builds a console over the given streams.
func New(dispatcher *dispatch.Dispatcher, in io.Reader, out io.Writer) *Console {
	return &Console{dispatcher: dispatcher, in: in, out: out}
}

// Run reads lines until EOF or ctx cancellation. Each line becomes one
// CommandEnvelope with the console issuer tag.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, ok := Parse(scanner.Text())
		if !ok {
			continue
		}
		result := c.dispatcher.Dispatch(env)
		if result.Text == "" {
			continue
		}
		if result.OK {
			fmt.Fprintln(c.out, result.Text)
		} else {
			fmt.Fprintf(c.out, "error: %s\n", result.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read console input: %w", err)
	}
	return nil
}

// Parse splits one input line into a console-issued envelope. Blank
// lines produce ok=false. The verb "exit" is accepted as "quit".
func Parse(line string) (dispatch.CommandEnvelope, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return dispatch.CommandEnvelope{}, false
	}
	verb := strings.ToLower(fields[0])
	if verb == "exit" {
		verb = "quit"
	}
	return dispatch.CommandEnvelope{
		Issuer: dispatch.Console,
		Verb:   verb,
		Args:   fields[1:],
	}, true
}

// RenderFeed prints feed events as status lines until the subscription
// closes or ctx is cancelled. Run it in its own goroutine alongside Run.
func (c *Console) RenderFeed(ctx context.Context, sub *feed.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			fmt.Fprintf(c.out, "[%s] %s\n", ev.At.Format("15:04:05"), ev.Detail)
		}
	}
}
