// Package runner executes the run's steps in order under one deadline and
// one failure policy table.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Policy int

const (
	// Strict failures abort the run.
	Strict Policy = iota
	// BestEffort failures are logged and the run continues.
	BestEffort
)

func (p Policy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "strict"
}

// Step names.
const (
	StepReadiness          = "readiness"
	StepTrackerRollout     = "tracker-rollout"
	StepIdentity           = "identity"
	StepRepository         = "repository"
	StepRepositoryRepair   = "repository-repair"
	StepSecrets            = "secrets"
	StepInjectChange       = "inject-change"
	StepPipeline           = "pipeline"
	StepTrain              = "train"
	StepPublishModel       = "publish-model"
	StepTrackerRun         = "tracker-run"
	StepModelConfig        = "model-config"
	StepBuildImage         = "build-image"
	StepDeploymentManifest = "deployment-manifest"
	StepRollout            = "rollout"
	StepVerifyService      = "verify-service"
)

// DefaultPolicies is the failure policy of every step. Unknown steps are
// strict.
var DefaultPolicies = map[string]Policy{
	StepReadiness:          Strict,
	StepTrackerRollout:     BestEffort,
	StepIdentity:           Strict,
	StepRepository:         Strict,
	StepRepositoryRepair:   BestEffort,
	StepSecrets:            BestEffort,
	StepInjectChange:       Strict,
	StepPipeline:           BestEffort,
	StepTrain:              Strict,
	StepPublishModel:       Strict,
	StepTrackerRun:         BestEffort,
	StepModelConfig:        Strict,
	StepBuildImage:         Strict,
	StepDeploymentManifest: Strict,
	StepRollout:            Strict,
	StepVerifyService:      Strict,
}

// ErrDeadlineExceeded is returned when the global deadline passed before a
// step could start.
var ErrDeadlineExceeded = errors.New("global deadline exceeded")

// StepError wraps the failure of a strict step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outcome values reported to listeners.
const (
	OutcomeOK      = "ok"
	OutcomeWarn    = "warn"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

type Event struct {
	Step     string
	Policy   Policy
	Outcome  string
	Duration time.Duration
	Err      error
}

// Listener observes finished steps. It must not block for long.
type Listener interface {
	StepFinished(ctx context.Context, ev Event)
}

type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) StepFinished(ctx context.Context, ev Event) {
	f(ctx, ev)
}

type Runner struct {
	policies  map[string]Policy
	timeout   time.Duration
	listeners []Listener
	log       logrus.FieldLogger
	now       func() time.Time
}

// New returns a runner bounded by timeout. Steps named in bestEffort are
// downgraded on top of DefaultPolicies.
func New(log logrus.FieldLogger, timeout time.Duration, bestEffort []string) *Runner {
	policies := make(map[string]Policy, len(DefaultPolicies))
	for name, p := range DefaultPolicies {
		policies[name] = p
	}
	for _, name := range bestEffort {
		policies[name] = BestEffort
	}
	return &Runner{policies: policies, timeout: timeout, log: log, now: time.Now}
}

func (r *Runner) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

func (r *Runner) Policy(step string) Policy {
	if p, ok := r.policies[step]; ok {
		return p
	}
	return Strict
}

func (r *Runner) notify(ctx context.Context, ev Event) {
	for _, l := range r.listeners {
		l.StepFinished(ctx, ev)
	}
}

// Run executes steps in order. The deadline is checked before each step;
// once it has passed the remaining steps are not started.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	deadline := r.now().Add(r.timeout)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	for i, step := range steps {
		policy := r.Policy(step.Name)

		if r.timeout > 0 && !r.now().Before(deadline) {
			for _, skipped := range steps[i:] {
				r.notify(ctx, Event{Step: skipped.Name, Policy: r.Policy(skipped.Name), Outcome: OutcomeSkipped, Err: ErrDeadlineExceeded})
			}
			return &StepError{Step: step.Name, Err: ErrDeadlineExceeded}
		}

		log := r.log.WithField("step", step.Name)
		log.Debugf("Starting %s (%s)", step.Name, policy)
		start := r.now()
		err := step.Run(ctx)
		ev := Event{Step: step.Name, Policy: policy, Duration: r.now().Sub(start), Err: err}

		switch {
		case err == nil:
			ev.Outcome = OutcomeOK
			r.notify(ctx, ev)
		case policy == BestEffort:
			ev.Outcome = OutcomeWarn
			log.Warnf("%s failed, continuing: %v", step.Name, err)
			r.notify(ctx, ev)
		default:
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
				ev.Err = err
			}
			ev.Outcome = OutcomeFailed
			log.Errorf("%s failed: %v", step.Name, err)
			r.notify(ctx, ev)
			return &StepError{Step: step.Name, Err: err}
		}
	}
	return nil
}
