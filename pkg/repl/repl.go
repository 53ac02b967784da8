package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/duynguyendang/toolbridge/pkg/sandbox"
	"github.com/duynguyendang/toolbridge/pkg/server"
)

const banner = `--- Interactive Notebook Mode ---
Python lines run in the sandbox kernel; a line ending in ':' starts a block
that runs after a blank line. Type :help for commands, 'exit' or 'quit' to stop.`

// REPL is an interactive shell over the tool backends.
type REPL struct {
	services server.Services
	out      io.Writer
	session  *Session
}

// New creates a REPL writing to out.
func New(services server.Services, out io.Writer) *REPL {
	return &REPL{services: services, out: out, session: NewSession()}
}

// Run reads inputs from in until it is exhausted, the user quits or ctx ends.
func Run(ctx context.Context, services server.Services, in io.Reader, out io.Writer) error {
	return New(services, out).Run(ctx, in)
}

func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, banner)
	if r.services.Sandbox == nil {
		fmt.Fprintln(r.out, "Sandbox not configured: only : commands are available.")
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.session.InBlock() {
			fmt.Fprint(r.out, "... ")
		} else {
			fmt.Fprint(r.out, ">>> ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !r.session.InBlock() {
			if trimmed == "exit" || trimmed == "quit" {
				break
			}
			if strings.HasPrefix(trimmed, ":") {
				r.command(ctx, trimmed)
				continue
			}
		}

		cell, ready := r.session.Feed(line)
		if ready {
			r.runCell(ctx, cell)
		}
	}
	fmt.Fprintln(r.out, "Bye!")
	return scanner.Err()
}

func (r *REPL) runCell(ctx context.Context, code string) {
	if r.services.Sandbox == nil {
		fmt.Fprintln(r.out, "Error: sandbox not configured")
		return
	}
	exec, err := r.services.Sandbox.Execute(ctx, code)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	if exec.Error == nil {
		r.session.AddCell(code)
	}
	r.printExecution(exec)
}

func (r *REPL) printExecution(exec *sandbox.Execution) {
	if exec.Error != nil {
		for _, line := range exec.Error.Traceback {
			fmt.Fprintln(r.out, line)
		}
		fmt.Fprintf(r.out, "%s: %s\n", exec.Error.Name, exec.Error.Value)
		return
	}
	for _, item := range exec.Items {
		switch item.Kind {
		case sandbox.ItemChart:
			fmt.Fprintf(r.out, "[chart saved to %s]\n", item.Path)
		case sandbox.ItemResult:
			if text, ok := item.Data["text/plain"].(string); ok {
				fmt.Fprintln(r.out, text)
			} else {
				fmt.Fprintf(r.out, "[result: %s]\n", mimeTypes(item.Data))
			}
		default:
			fmt.Fprint(r.out, item.Text)
			if !strings.HasSuffix(item.Text, "\n") {
				fmt.Fprintln(r.out)
			}
		}
	}
}

func mimeTypes(data map[string]any) string {
	types := make([]string, 0, len(data))
	for k := range data {
		types = append(types, k)
	}
	return strings.Join(types, ", ")
}
