// Package scenario wires the end-to-end flow: identity, repository
// enablement, change injection, training, GitOps updates and rollout.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gitopslab/e2e/internal/artifact"
	"github.com/gitopslab/e2e/internal/change"
	"github.com/gitopslab/e2e/internal/config"
	"github.com/gitopslab/e2e/internal/database"
	"github.com/gitopslab/e2e/internal/deploy"
	"github.com/gitopslab/e2e/internal/enable"
	"github.com/gitopslab/e2e/internal/identity"
	"github.com/gitopslab/e2e/internal/manifest"
	"github.com/gitopslab/e2e/internal/poll"
	"github.com/gitopslab/e2e/internal/runner"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/gitopslab/e2e/pkg/gitea"
	k8s "github.com/gitopslab/e2e/pkg/kubernetes"
	"github.com/gitopslab/e2e/pkg/mlflow"
	"github.com/gitopslab/e2e/pkg/objectstore"
	"github.com/gitopslab/e2e/pkg/woodpecker"
	"github.com/sirupsen/logrus"
)

// Service keys in State.Bases.
const (
	ServiceGitea      = "gitea"
	ServiceWoodpecker = "woodpecker"
	ServiceMinIO      = "minio"
	ServiceMLflow     = "mlflow"
)

// trackerDeployment is the in-cluster workload of the metrics tracker.
const trackerDeployment = "mlflow"

// State is what the steps of one run hand to each other.
type State struct {
	// Bases holds the base URL that passed readiness, per service.
	Bases map[string]string

	Git        *gitea.Client
	CI         *woodpecker.Client
	Session    *identity.Session
	Repo       *woodpecker.Repo
	Commit     *change.Commit
	Pipeline   *woodpecker.Pipeline
	Model      *artifact.Model
	Object     objectstore.ObjectInfo
	TrackerRun *mlflow.Run

	ModelConfig *manifest.Result
	Deployment  *manifest.Result
	Image       string
	Prediction  *deploy.Prediction
}

type Scenario struct {
	// Readiness is the per-candidate budget of each readiness check.
	Readiness poll.Options
	// Pipeline bounds the search for the CI run of the marker commit.
	Pipeline poll.Options
	// Rollout and Service bound the deployment verifier.
	Rollout poll.Options
	Service poll.Options

	NewObjectStore    func(ctx context.Context, endpoint string) (objectstore.Store, error)
	NewIdentityStores func(ctx context.Context) ([]identity.Store, error)
	NewOrchestrator   func(ctx context.Context) (deploy.Orchestrator, error)

	cfg  *config.Config
	log  logrus.FieldLogger
	exec transport.Runner
	http *transport.HTTPClient

	orch  deploy.Orchestrator
	state State
}

func New(cfg *config.Config, log logrus.FieldLogger, exec transport.Runner, hc *transport.HTTPClient) *Scenario {
	if hc == nil {
		hc = transport.NewHTTPClient()
	}
	s := &Scenario{
		Readiness: poll.Options{Interval: 2 * time.Second, Timeout: 120 * time.Second},
		Pipeline:  poll.Options{Interval: 3 * time.Second, Timeout: 120 * time.Second},
		Rollout:   poll.Options{Interval: 5 * time.Second, Timeout: cfg.Timeout},
		Service:   poll.Options{Interval: 2 * time.Second, Timeout: 60 * time.Second},
		cfg:       cfg,
		log:       log,
		exec:      exec,
		http:      hc,
		state:     State{Bases: map[string]string{}},
	}
	s.NewObjectStore = s.defaultObjectStore
	s.NewIdentityStores = s.defaultIdentityStores
	s.NewOrchestrator = s.defaultOrchestrator
	return s
}

func (s *Scenario) State() State {
	return s.state
}

func (s *Scenario) workload() deploy.Workload {
	return deploy.Workload{
		Namespace:  s.cfg.Cluster.Namespace,
		Deployment: s.cfg.Cluster.Deployment,
		Container:  s.cfg.Cluster.Container,
	}
}

func (s *Scenario) defaultObjectStore(ctx context.Context, endpoint string) (objectstore.Store, error) {
	return objectstore.New(ctx, objectstore.Config{
		Driver:    s.cfg.ObjectStore.Driver,
		Endpoint:  endpoint,
		AccessKey: s.cfg.ObjectStore.AccessKey,
		SecretKey: s.cfg.ObjectStore.SecretKey,
		Region:    s.cfg.ObjectStore.Region,
	})
}

func (s *Scenario) defaultIdentityStores(ctx context.Context) ([]identity.Store, error) {
	wp := s.cfg.Woodpecker
	if wp.DatabaseDriver == "mysql" {
		db, err := database.Connect(wp.DatabaseDriver, wp.DatabaseDSN, s.log)
		if err != nil {
			return nil, err
		}
		return []identity.Store{identity.NewSQLStore(db, wp.DatabaseDriver)}, nil
	}

	var stores []identity.Store
	for _, volume := range wp.Volumes() {
		stores = append(stores, identity.NewVolumeStore(s.exec, volume, wp.SQLiteImage))
	}
	return stores, nil
}

func (s *Scenario) defaultOrchestrator(ctx context.Context) (deploy.Orchestrator, error) {
	c := s.cfg.Cluster
	if c.KubeconfigContent != "" || c.KubeconfigPath != "" {
		client, err := k8s.GetClient(c.KubeconfigContent, c.KubeconfigPath)
		if err != nil {
			return nil, err
		}
		return deploy.NewClusterClient(s.log, client, s.workload()), nil
	}
	return deploy.NewKubectlBridge(s.log, s.exec, s.workload(), deploy.BridgeOptions{
		Helper:       s.cfg.Bootstrap.Container,
		Image:        s.cfg.Bootstrap.Image,
		Network:      s.cfg.Bootstrap.Network,
		DockerSocket: s.cfg.Bootstrap.DockerSocket,
		Cluster:      c.Name,
	}), nil
}

func (s *Scenario) orchestrator(ctx context.Context) (deploy.Orchestrator, error) {
	if s.orch != nil {
		return s.orch, nil
	}
	orch, err := s.NewOrchestrator(ctx)
	if err != nil {
		return nil, fmt.Errorf("no orchestrator: %w", err)
	}
	s.orch = orch
	return orch, nil
}

// WorkloadLogs reads the tail of the deployed service's logs.
func (s *Scenario) WorkloadLogs(tail int) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		orch, err := s.orchestrator(ctx)
		if err != nil {
			return "", err
		}
		return orch.Logs(ctx, tail)
	}
}

// Steps returns the run in execution order.
func (s *Scenario) Steps() []runner.Step {
	return []runner.Step{
		{Name: runner.StepTrackerRollout, Run: s.trackerRollout},
		{Name: runner.StepReadiness, Run: s.readiness},
		{Name: runner.StepIdentity, Run: s.identity},
		{Name: runner.StepRepository, Run: s.repository},
		{Name: runner.StepRepositoryRepair, Run: s.repair},
		{Name: runner.StepSecrets, Run: s.secrets},
		{Name: runner.StepInjectChange, Run: s.injectChange},
		{Name: runner.StepPipeline, Run: s.pipeline},
		{Name: runner.StepTrain, Run: s.train},
		{Name: runner.StepPublishModel, Run: s.publishModel},
		{Name: runner.StepTrackerRun, Run: s.trackerRun},
		{Name: runner.StepModelConfig, Run: s.modelConfig},
		{Name: runner.StepBuildImage, Run: s.buildImage},
		{Name: runner.StepDeploymentManifest, Run: s.deploymentManifest},
		{Name: runner.StepRollout, Run: s.rollout},
		{Name: runner.StepVerifyService, Run: s.verifyService},
	}
}

var errMissingState = errors.New("required by an earlier step that did not complete")

func missing(what string) error {
	return fmt.Errorf("%s: %w", what, errMissingState)
}

// candidates puts the resolved public URL first, then the raw ones.
func candidates(ep config.Endpoint) []string {
	return config.Dedupe(append([]string{ep.Primary()}, ep.Candidates...))
}

func (s *Scenario) trackerRollout(ctx context.Context) error {
	orch, err := s.orchestrator(ctx)
	if err != nil {
		return err
	}
	s.log.Info("Waiting for MLflow deployment rollout...")
	return orch.RolloutStatus(ctx, trackerDeployment, 300*time.Second)
}

func (s *Scenario) readiness(ctx context.Context) error {
	eps := s.cfg.Endpoints()
	checks := []struct {
		key   string
		ep    config.Endpoint
		check poll.HTTPCheck
	}{
		{ServiceMinIO, eps.MinIO, poll.HTTPCheck{Path: "/minio/health/ready"}},
		{ServiceMLflow, eps.MLflow, poll.HTTPCheck{
			Method: http.MethodPost,
			Path:   "/api/2.0/mlflow/experiments/search",
			Body:   map[string]int{"max_results": 1},
		}},
		{ServiceWoodpecker, eps.Woodpecker, poll.HTTPCheck{Path: "/healthz", Accept: eps.Woodpecker.Accepts}},
		{ServiceGitea, eps.Gitea, poll.HTTPCheck{Path: "/api/v1/version"}},
	}

	for _, c := range checks {
		s.log.Infof("Checking %s...", c.ep.Name)
		base, _, err := poll.UntilAny(ctx, s.log, c.ep.Name, candidates(c.ep), s.Readiness, c.check.Candidate(s.http))
		if err != nil {
			return err
		}
		s.state.Bases[c.key] = base
	}

	git, err := gitea.NewClient(ctx, gitea.Options{
		BaseURL:  s.state.Bases[ServiceGitea],
		User:     s.cfg.Gitea.User,
		Password: s.cfg.Gitea.Password,
		Owner:    s.cfg.Gitea.Owner,
		Repo:     s.cfg.Gitea.Repo,
	})
	if err != nil {
		return err
	}
	s.state.Git = git
	return nil
}

// waitCI blocks until the CI server answers its health check again.
func (s *Scenario) waitCI(ctx context.Context) error {
	ci := woodpecker.NewClient(s.state.Bases[ServiceWoodpecker], "", s.http)
	_, err := poll.Until(ctx, s.log, "Woodpecker", s.Readiness, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ci.Healthz(ctx)
	})
	return err
}

func (s *Scenario) identity(ctx context.Context) error {
	if s.state.Git == nil {
		return missing("git host client")
	}
	stores, err := s.NewIdentityStores(ctx)
	if err != nil {
		return &identity.IdentityError{Login: s.cfg.Gitea.User, Reason: "no CI datastore", Err: err}
	}

	tokens := identity.NewTokenSource(s.log, s.exec, s.cfg.TokenFile(), s.cfg.Bootstrap.Container, s.cfg.Gitea.AllowFakeToken)
	restarter := identity.NewContainerRestarter(s.exec, s.cfg.Woodpecker.Container, s.waitCI)
	bridge := identity.NewBridge(s.log, s.cfg.Gitea.User, s.state.Git, tokens, stores, restarter)

	session, err := bridge.Establish(ctx)
	if err != nil {
		return err
	}
	s.state.Session = session
	s.state.CI = woodpecker.NewClient(s.state.Bases[ServiceWoodpecker], session.Token, s.http)
	return nil
}

func (s *Scenario) repository(ctx context.Context) error {
	if s.state.CI == nil {
		return missing("CI session")
	}
	remote, err := s.state.Git.GetRepository(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.cfg.RepoFullName(), err)
	}
	repo, err := enable.New(s.log, s.state.CI).EnsureRepository(ctx, s.cfg.RepoFullName(), remote.ID)
	if err != nil {
		return err
	}
	s.state.Repo = repo
	return nil
}

func (s *Scenario) repair(ctx context.Context) error {
	if s.state.Repo == nil {
		return missing("CI repository")
	}
	return enable.New(s.log, s.state.CI).Repair(ctx, s.state.Repo.ID)
}

func (s *Scenario) secrets(ctx context.Context) error {
	if s.state.Repo == nil {
		return missing("CI repository")
	}
	token := s.state.Session.AccessToken.Value
	if s.state.Session.AccessToken.Degraded {
		token = ""
	}
	_, err := enable.New(s.log, s.state.CI).EnsureSecrets(ctx, s.state.Repo.ID, []enable.Secret{
		{Name: "gitea_user", Value: s.cfg.Gitea.User},
		{Name: "gitea_token", Value: token},
	})
	return err
}

func (s *Scenario) injectChange(ctx context.Context) error {
	if s.state.Git == nil {
		return missing("git host client")
	}
	commit, err := change.NewInjector(s.log, s.state.Git, s.cfg.Gitea.Branch).Inject(ctx)
	if err != nil {
		return err
	}
	s.state.Commit = commit
	return nil
}

func (s *Scenario) pipeline(ctx context.Context) error {
	if s.state.Repo == nil || s.state.Commit == nil {
		return missing("CI repository and commit")
	}
	c := change.NewCorrelator(s.log, s.state.CI)
	c.Wait = s.Pipeline
	if err := c.Trigger(ctx, s.state.Repo.ID, s.state.Commit.Branch); err != nil {
		return err
	}
	p, err := c.Await(ctx, s.state.Repo.ID, s.state.Commit.SHA)
	if err != nil {
		return err
	}
	s.state.Pipeline = p
	return nil
}

func (s *Scenario) train(ctx context.Context) error {
	if s.state.Commit == nil {
		return missing("commit")
	}
	trainer := artifact.NewTrainer(s.log, s.exec, artifact.TrainerOptions{
		Mode:        s.cfg.MLflow.TrainMode,
		Image:       s.cfg.MLflow.TrainImage,
		RepoRoot:    s.cfg.RepoRoot,
		Bucket:      s.cfg.ObjectStore.Bucket,
		Experiment:  s.cfg.MLflow.Experiment,
		TrackingURI: s.state.Bases[ServiceMLflow],
	})
	model, err := trainer.Train(ctx, s.state.Commit.SHA)
	if err != nil {
		return err
	}
	s.state.Model = model
	return nil
}

func (s *Scenario) publishModel(ctx context.Context) error {
	if s.state.Model == nil {
		return missing("model")
	}
	store, err := s.NewObjectStore(ctx, s.state.Bases[ServiceMinIO])
	if err != nil {
		return err
	}
	info, err := artifact.NewPublisher(s.log, store).Publish(ctx, s.state.Model)
	if err != nil {
		return err
	}
	s.state.Object = info
	return nil
}

func (s *Scenario) trackerRun(ctx context.Context) error {
	if s.state.Model == nil {
		return missing("model")
	}
	tracker := mlflow.NewClient(s.state.Bases[ServiceMLflow], s.http)
	run, err := artifact.VerifyRun(ctx, s.log, tracker, s.cfg.MLflow.Experiment, s.state.Model.Commit, s.state.Model.Object)
	if err != nil {
		return err
	}
	s.state.TrackerRun = run
	return nil
}

func (s *Scenario) modelConfig(ctx context.Context) error {
	if s.state.Model == nil {
		return missing("model")
	}
	res, err := manifest.NewUpdater(s.log, s.state.Git, s.cfg.Gitea.Branch).
		Apply(ctx, manifest.ModelConfig(s.state.Model.Object, s.state.Model.SHA))
	if err != nil {
		return err
	}
	s.state.ModelConfig = res
	return nil
}

func (s *Scenario) buildImage(ctx context.Context) error {
	if s.state.Commit == nil {
		return missing("commit")
	}
	sha := s.state.Commit.SHA
	image := s.cfg.DeployImage(sha)
	if err := artifact.NewImageBuilder(s.log, s.exec, s.cfg.RepoRoot).Build(ctx, image, s.cfg.PushImage(sha)); err != nil {
		return err
	}
	s.state.Image = image
	return nil
}

func (s *Scenario) deploymentManifest(ctx context.Context) error {
	if s.state.Image == "" {
		return missing("image")
	}
	res, err := manifest.NewUpdater(s.log, s.state.Git, s.cfg.Gitea.Branch).
		Apply(ctx, manifest.DeploymentImage(s.cfg.Cluster.Container, s.state.Image, s.state.Commit.SHA))
	if err != nil {
		return err
	}
	s.state.Deployment = res
	return nil
}

func (s *Scenario) verifier(orch deploy.Orchestrator) *deploy.Verifier {
	v := deploy.NewVerifier(s.log, orch, s.http, s.Rollout.Timeout)
	v.ImageWait = s.Rollout
	v.ServiceWait = s.Service
	return v
}

func (s *Scenario) rollout(ctx context.Context) error {
	if s.state.Image == "" || s.state.ModelConfig == nil {
		return missing("image and model config")
	}
	orch, err := s.orchestrator(ctx)
	if err != nil {
		return err
	}

	s.log.Infof("Applying changes to cluster via %s...", orch.Name())
	if err := orch.ApplyConfig(ctx, s.state.ModelConfig.Content); err != nil {
		return fmt.Errorf("failed to apply model config: %w", err)
	}
	image, err := s.verifier(orch).Rollout(ctx, s.state.Image, s.state.Commit.SHA)
	if err != nil {
		return err
	}
	s.log.Infof("Ready: %s", image)
	return nil
}

func (s *Scenario) verifyService(ctx context.Context) error {
	eps := s.cfg.Endpoints()
	s.log.Infof("Verifying %s at %s...", eps.Demo.Name, eps.Demo.Primary())
	p, err := s.verifier(s.orch).VerifyService(ctx, candidates(eps.Demo))
	if err != nil {
		return err
	}
	s.state.Prediction = p
	return nil
}
