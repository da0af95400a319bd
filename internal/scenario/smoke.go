package scenario

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gitopslab/e2e/internal/config"
	"github.com/gitopslab/e2e/internal/deploy"
	"github.com/gitopslab/e2e/internal/poll"
	"github.com/gitopslab/e2e/internal/runner"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// Smoke probes every public endpoint of the environment once it is up.
type Smoke struct {
	// PerCandidate bounds each base URL of a multi-candidate endpoint.
	PerCandidate poll.Options
	// Single bounds endpoints with exactly one URL.
	Single poll.Options

	SkipMinIO  bool
	SkipMLflow bool

	cfg      *config.Config
	log      logrus.FieldLogger
	http     *transport.HTTPClient
	raw      *transport.HTTPClient
	insecure *transport.HTTPClient
}

func NewSmoke(cfg *config.Config, log logrus.FieldLogger) *Smoke {
	return &Smoke{
		PerCandidate: poll.Options{Attempts: 8, Interval: 3 * time.Second},
		Single:       poll.Options{Attempts: 40, Interval: 3 * time.Second},
		cfg:          cfg,
		log:          log,
		http:         transport.NewHTTPClient(transport.WithTimeout(5 * time.Second)),
		raw:          transport.NewHTTPClient(transport.WithTimeout(5*time.Second), transport.WithoutRedirects()),
		insecure:     transport.NewHTTPClient(transport.WithInsecureTLS(), transport.WithTimeout(5*time.Second)),
	}
}

func (s *Smoke) any(ep config.Endpoint, check poll.HTTPCheck, hc *transport.HTTPClient) runner.Step {
	if check.Accept == nil {
		check.Accept = ep.Accepts
	}
	return runner.Step{
		Name: "smoke " + ep.Name,
		Run: func(ctx context.Context) error {
			_, _, err := poll.UntilAny(ctx, s.log, ep.Name, ep.Candidates, s.PerCandidate, check.Candidate(hc))
			return err
		},
	}
}

func (s *Smoke) one(ep config.Endpoint, path string, hc *transport.HTTPClient) runner.Step {
	check := poll.HTTPCheck{Path: path, Accept: ep.Accepts}
	url := ep.Candidates[0] + path
	return runner.Step{
		Name: "smoke " + ep.Name,
		Run: func(ctx context.Context) error {
			_, err := poll.Until(ctx, s.log, ep.Name, s.Single, check.URL(hc, url))
			if err == nil {
				s.log.Infof("%s -> %s ok", ep.Name, url)
			}
			return err
		},
	}
}

// Steps lists the probes in order.
func (s *Smoke) Steps() []runner.Step {
	eps := s.cfg.Endpoints()
	steps := []runner.Step{
		s.any(eps.Gitea, poll.HTTPCheck{Path: "/api/v1/version"}, s.http),
		s.one(eps.Registry, "/v2/", s.http),
		s.any(eps.Woodpecker, poll.HTTPCheck{Path: "/healthz"}, s.http),
		s.any(eps.ArgoCD, poll.HTTPCheck{}, s.raw),
		s.one(eps.KubeAPI, "/version", s.insecure),
	}
	if !s.SkipMinIO {
		steps = append(steps, s.any(eps.MinIO, poll.HTTPCheck{Path: "/minio/health/ready"}, s.http))
	}
	if !s.SkipMLflow {
		steps = append(steps, s.any(eps.MLflow, poll.HTTPCheck{
			Method: http.MethodPost,
			Path:   "/api/2.0/mlflow/experiments/search",
			Body:   map[string]int{"max_results": 1},
		}, s.http))
	}
	steps = append(steps,
		s.any(eps.Demo, poll.HTTPCheck{Path: "/"}, s.http),
		runner.Step{Name: "smoke predict", Run: s.predict},
	)
	return steps
}

// predict tries each demo candidate once.
func (s *Smoke) predict(ctx context.Context) error {
	v := deploy.NewVerifier(s.log, nil, s.http, 0)
	var errs []error
	for _, base := range s.cfg.Endpoints().Demo.Candidates {
		if _, err := v.Predict(ctx, base); err != nil {
			s.log.Infof("Predict (%s) not ready: %v", base, err)
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// Run executes every probe under the configured deadline and prints the
// endpoint summary on success.
func (s *Smoke) Run(ctx context.Context) error {
	if err := runner.New(s.log, s.cfg.Timeout, nil).Run(ctx, s.Steps()); err != nil {
		return err
	}

	eps := s.cfg.Endpoints()
	s.log.Info("-------------------------------------------------------")
	s.log.Info("All endpoints are reachable:")
	s.log.Infof("Gitea HTTP:  %s", eps.Gitea.Candidates[0])
	s.log.Infof("Gitea SSH:   ssh://git@localhost:%s", s.cfg.Gitea.SSHPort)
	s.log.Infof("Woodpecker:  %s", eps.Woodpecker.Candidates[0])
	s.log.Infof("Registry:    %s/v2/", eps.Registry.Candidates[0])
	s.log.Infof("Argo CD:     %s", eps.ArgoCD.Candidates[0])
	s.log.Infof("K8s API:     %s", eps.KubeAPI.Candidates[0])
	if !s.SkipMinIO {
		s.log.Infof("MinIO API:   %s", eps.MinIO.Candidates[0])
	}
	if !s.SkipMLflow {
		s.log.Infof("MLflow:      %s", eps.MLflow.Candidates[0])
	}
	s.log.Infof("Demo app:    %s", eps.Demo.Candidates[0])
	s.log.Info("-------------------------------------------------------")
	return nil
}
