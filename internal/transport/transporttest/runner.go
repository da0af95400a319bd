// Package transporttest provides a scripted transport.Runner for tests.
package transporttest

import (
	"context"
	"strings"
	"sync"

	"github.com/gitopslab/e2e/internal/transport"
)

type HandlerFunc func(cmd transport.Command) (*transport.Result, error)

type handler struct {
	prefix string
	fn     HandlerFunc
}

// Runner answers commands with the first handler whose prefix matches the
// space-joined argv. Unmatched commands succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	handlers []handler
	calls    []transport.Command
}

func NewRunner() *Runner {
	return &Runner{}
}

// On registers fn for commands starting with prefix.
func (r *Runner) On(prefix string, fn HandlerFunc) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler{prefix: prefix, fn: fn})
	return r
}

// Reply registers a fixed result for commands starting with prefix.
func (r *Runner) Reply(prefix, stdout string, exitCode int) *Runner {
	return r.On(prefix, func(transport.Command) (*transport.Result, error) {
		return &transport.Result{Stdout: stdout, ExitCode: exitCode}, nil
	})
}

func (r *Runner) Run(ctx context.Context, cmd transport.Command) (*transport.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	line := cmd.String()
	var fn HandlerFunc
	for _, h := range r.handlers {
		if strings.HasPrefix(line, h.prefix) {
			fn = h.fn
			break
		}
	}
	r.mu.Unlock()

	res := &transport.Result{}
	if fn != nil {
		var err error
		res, err = fn(cmd)
		if err != nil {
			return res, err
		}
	}
	if res.ExitCode != 0 && cmd.Strict {
		return res, &transport.CommandError{Argv: cmd.Argv, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}

// Calls returns every command seen so far.
func (r *Runner) Calls() []transport.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the space-joined argv of every call.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}

// Count returns how many calls started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}
