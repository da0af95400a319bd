package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Command struct {
	Argv    []string
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration
	// Strict turns a non-zero exit into a CommandError.
	Strict bool
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError reports a process that exited non-zero under strict mode.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if len(msg) > 1024 {
		msg = msg[len(msg)-1024:]
	}
	return fmt.Sprintf("command %q exited %d: %s", strings.Join(e.Argv, " "), e.ExitCode, msg)
}

// Runner executes external processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Sudo modes for ExecRunner.
const (
	SudoAuto   = "auto"
	SudoAlways = "always"
	SudoNever  = "never"
)

// ExecRunner runs commands on the host, prefixing container runtime calls
// with sudo when the process is unprivileged.
type ExecRunner struct {
	log     logrus.FieldLogger
	sudo    string
	geteuid func() int
}

func NewExecRunner(log logrus.FieldLogger, sudo string) *ExecRunner {
	if sudo == "" {
		sudo = SudoAuto
	}
	return &ExecRunner{log: log, sudo: sudo, geteuid: os.Geteuid}
}

func (r *ExecRunner) argv(argv []string) []string {
	if len(argv) == 0 || argv[0] != "docker" {
		return argv
	}
	switch r.sudo {
	case SudoAlways:
	case SudoNever:
		return argv
	default:
		if r.geteuid() == 0 {
			return argv
		}
	}
	return append([]string{"sudo"}, argv...)
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	argv := r.argv(cmd.Argv)

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	r.log.Debugf("Running: %s", strings.Join(argv, " "))

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("failed to run %s: %w", argv[0], err)
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", strings.Join(argv, " "), ctx.Err())
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if res.ExitCode != 0 && cmd.Strict {
		r.log.Errorf("Command failed: %s", strings.Join(argv, " "))
		r.log.Errorf("STDOUT: %s", res.Stdout)
		r.log.Errorf("STDERR: %s", res.Stderr)
		return res, &CommandError{Argv: argv, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}
