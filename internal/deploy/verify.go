package deploy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gitopslab/e2e/internal/poll"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// SampleFeatures is the fixed prediction input.
var SampleFeatures = []float64{5.1, 3.5, 1.4, 0.2}

// Prediction is the service's answer; both fields must be present.
type Prediction struct {
	ClassID   *int    `json:"class_id"`
	ClassName *string `json:"class_name"`
}

type Verifier struct {
	// ImageWait bounds the wait for the workload to report the new image.
	ImageWait poll.Options
	// ServiceWait is the per-candidate budget for the service root.
	ServiceWait poll.Options

	orch Orchestrator
	http *transport.HTTPClient
	log  logrus.FieldLogger
}

func NewVerifier(log logrus.FieldLogger, orch Orchestrator, hc *transport.HTTPClient, rollout time.Duration) *Verifier {
	if hc == nil {
		hc = transport.NewHTTPClient()
	}
	return &Verifier{
		ImageWait:   poll.Options{Interval: 5 * time.Second, Timeout: rollout},
		ServiceWait: poll.Options{Interval: 2 * time.Second, Timeout: 60 * time.Second},
		orch:        orch,
		http:        hc,
		log:         log,
	}
}

// Rollout sets image on the workload and waits until the workload reports
// an image that contains commit.
func (v *Verifier) Rollout(ctx context.Context, image, commit string) (string, error) {
	if err := v.orch.SetImage(ctx, image); err != nil {
		return "", fmt.Errorf("failed to set image via %s: %w", v.orch.Name(), err)
	}

	v.log.Infof("Waiting for deployment with commit %s...", commit)
	return poll.Until(ctx, v.log, "deployment image", v.ImageWait, func(ctx context.Context) (string, error) {
		current, err := v.orch.CurrentImage(ctx)
		if err != nil {
			return "", err
		}
		v.log.Infof("Current image: %s", current)
		if !strings.Contains(current, commit) {
			return "", fmt.Errorf("image %s does not carry %s", current, commit)
		}
		return current, nil
	})
}

// VerifyService waits for the service root on any candidate base URL and
// then sends one prediction to the one that answered.
func (v *Verifier) VerifyService(ctx context.Context, candidates []string) (*Prediction, error) {
	check := poll.HTTPCheck{Method: http.MethodGet, Path: "/"}
	base, _, err := poll.UntilAny(ctx, v.log, "Demo App", candidates, v.ServiceWait, check.Candidate(v.http))
	if err != nil {
		return nil, err
	}
	return v.Predict(ctx, base)
}

func (v *Verifier) Predict(ctx context.Context, base string) (*Prediction, error) {
	var p Prediction
	err := v.http.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(base, "/") + "/predict",
		Body:   map[string][]float64{"features": SampleFeatures},
	}, &p)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	if p.ClassID == nil || p.ClassName == nil {
		return nil, fmt.Errorf("prediction response missing class_id or class_name")
	}
	v.log.Infof("Prediction: class %d (%s)", *p.ClassID, *p.ClassName)
	return &p, nil
}
