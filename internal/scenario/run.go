package scenario

import (
	"context"
	"time"

	"github.com/gitopslab/e2e/internal/config"
	"github.com/gitopslab/e2e/internal/diagnostics"
	"github.com/gitopslab/e2e/internal/events"
	"github.com/gitopslab/e2e/internal/metrics"
	"github.com/gitopslab/e2e/internal/runner"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const logTail = 200

// Run executes the full scenario against the environment described by cfg.
func Run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	exec := transport.NewExecRunner(log, cfg.Sudo)
	return New(cfg, log, exec, nil).Run(ctx)
}

// Run executes every step with diagnostics, metrics and optional event
// publishing attached.
func (s *Scenario) Run(ctx context.Context) error {
	r := runner.New(s.log, s.cfg.Timeout, s.cfg.BestEffort)

	collector := diagnostics.NewCollector(s.log)
	ciLogs := diagnostics.ContainerLogs(s.exec, s.cfg.Woodpecker.Container, logTail)
	collector.Watch(ciLogs, runner.StepIdentity, runner.StepRepository)
	collector.Watch(s.WorkloadLogs(logTail), runner.StepRollout, runner.StepVerifyService)
	r.AddListener(collector)

	recorder := metrics.NewRecorder()
	r.AddListener(recorder)

	if s.cfg.RedisAddr != "" {
		client, err := events.Connect(ctx, s.cfg.RedisAddr, s.cfg.RedisPassword)
		if err != nil {
			s.log.Warnf("Run events disabled: %v", err)
		} else {
			defer client.Close()
			r.AddListener(events.NewPublisher(s.log, client, s.cfg.RedisChannel, uuid.NewString()))
		}
	}

	err := r.Run(ctx, s.Steps())
	recorder.Finish(err == nil, time.Now())

	if s.cfg.PushgatewayURL != "" {
		if perr := recorder.Push(context.WithoutCancel(ctx), s.cfg.PushgatewayURL, "e2e"); perr != nil {
			s.log.Warnf("Failed to push metrics: %v", perr)
		}
	}

	if err != nil {
		return err
	}
	s.log.Info("=== E2E OK ===")
	return nil
}
