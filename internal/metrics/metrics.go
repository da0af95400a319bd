// Package metrics records step outcomes and durations of a run and pushes
// them to a Pushgateway.
package metrics

import (
	"context"
	"time"

	"github.com/gitopslab/e2e/internal/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "gitopslab"
	subsystem = "e2e"

	LabelStep    = "step"
	LabelOutcome = "outcome"
)

type Recorder struct {
	registry *prometheus.Registry

	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	LastSuccess  prometheus.Gauge
	LastRun      prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "steps_total",
			Help:      "Finished steps by outcome.",
		}, []string{LabelStep, LabelOutcome}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{LabelStep}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_run_success",
			Help:      "1 if the last run passed, 0 otherwise.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
	r.registry.MustRegister(r.StepsTotal, r.StepDuration, r.LastSuccess, r.LastRun)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) StepFinished(ctx context.Context, ev runner.Event) {
	r.StepsTotal.WithLabelValues(ev.Step, ev.Outcome).Inc()
	if ev.Outcome != runner.OutcomeSkipped {
		r.StepDuration.WithLabelValues(ev.Step).Observe(ev.Duration.Seconds())
	}
}

// Finish records the overall result of the run.
func (r *Recorder) Finish(success bool, at time.Time) {
	if success {
		r.LastSuccess.Set(1)
	} else {
		r.LastSuccess.Set(0)
	}
	r.LastRun.Set(float64(at.Unix()))
}

// Push replaces the metrics of job on the gateway at url.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	return push.New(url, job).Gatherer(r.registry).PushContext(ctx)
}
