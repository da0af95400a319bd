// Package diagnostics dumps recent logs of the service implicated in a
// failed step.
package diagnostics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gitopslab/e2e/internal/runner"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// Source returns recent log output of one external service.
type Source func(ctx context.Context) (string, error)

// ContainerLogs tails a container through the container runtime.
func ContainerLogs(r transport.Runner, container string, tail int) Source {
	return func(ctx context.Context) (string, error) {
		res, err := r.Run(ctx, transport.Command{Argv: []string{"docker", "logs", "--tail", tailArg(tail), container}})
		if err != nil {
			return "", err
		}
		return res.Stdout + res.Stderr, nil
	}
}

// Collector is a runner.Listener that prints the logs mapped to a step
// when that step fails strictly.
type Collector struct {
	Timeout time.Duration

	sources map[string][]Source
	log     logrus.FieldLogger
}

func NewCollector(log logrus.FieldLogger) *Collector {
	return &Collector{Timeout: 30 * time.Second, sources: map[string][]Source{}, log: log}
}

// Watch attaches src to each named step.
func (c *Collector) Watch(src Source, steps ...string) {
	for _, s := range steps {
		c.sources[s] = append(c.sources[s], src)
	}
}

func (c *Collector) StepFinished(ctx context.Context, ev runner.Event) {
	if ev.Outcome != runner.OutcomeFailed {
		return
	}
	sources := c.sources[ev.Step]
	if len(sources) == 0 {
		return
	}

	// The run context may be what expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Timeout)
	defer cancel()

	for _, src := range sources {
		out, err := src(ctx)
		if err != nil {
			c.log.Debugf("Could not collect logs for %s: %v", ev.Step, err)
			continue
		}
		out = strings.TrimSpace(out)
		if out == "" {
			continue
		}
		for _, line := range strings.Split(out, "\n") {
			c.log.Debug(line)
		}
	}
}

func tailArg(n int) string {
	if n <= 0 {
		return "all"
	}
	return strconv.Itoa(n)
}
