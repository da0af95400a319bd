// Package artifact trains the model for a commit, publishes it to the
// object store and builds the service image.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// Training modes.
const (
	ModeContainer = "container"
	ModeLocal     = "local"
)

const (
	modelPath = "ml/artifacts/model.joblib"
	shaPath   = "ml/artifacts/model.sha"
)

// TrainingError reports a failed training run.
type TrainingError struct {
	Commit string
	Err    error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training for %s failed: %v", e.Commit, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// Model is a trained artifact on local disk.
type Model struct {
	Commit string
	Path   string
	// Object is the bucket-qualified object reference, "<bucket>/iris-<commit>.joblib".
	Object string
	SHA    string
}

// Bucket and Key split Object at the first slash.
func (m *Model) Bucket() string {
	bucket, _, _ := strings.Cut(m.Object, "/")
	return bucket
}

func (m *Model) Key() string {
	_, key, _ := strings.Cut(m.Object, "/")
	return key
}

// ObjectFor names the stored artifact of commit inside bucket.
func ObjectFor(bucket, commit string) string {
	return fmt.Sprintf("%s/iris-%s.joblib", bucket, commit)
}

type TrainerOptions struct {
	Mode        string
	Image       string
	RepoRoot    string
	Bucket      string
	Experiment  string
	TrackingURI string
	Python      string
	Timeout     time.Duration
}

type Trainer struct {
	opts   TrainerOptions
	runner transport.Runner
	log    logrus.FieldLogger
}

func NewTrainer(log logrus.FieldLogger, runner transport.Runner, opts TrainerOptions) *Trainer {
	if opts.Mode == "" {
		opts.Mode = ModeContainer
	}
	if opts.Python == "" {
		opts.Python = "python"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Minute
	}
	return &Trainer{opts: opts, runner: runner, log: log}
}

func (t *Trainer) script(commit, object string) []string {
	args := []string{
		t.opts.Python, "ml/train.py",
		"--output", modelPath,
		"--commit", commit,
		"--model-object", object,
		"--model-sha-path", shaPath,
		"--experiment", t.opts.Experiment,
	}
	if t.opts.TrackingURI != "" {
		args = append(args, "--tracking-uri", t.opts.TrackingURI)
	}
	return args
}

// Command returns the training invocation for commit.
func (t *Trainer) Command(commit string) transport.Command {
	object := ObjectFor(t.opts.Bucket, commit)
	script := t.script(commit, object)
	env := []string{
		"MLFLOW_TRACKING_URI=" + t.opts.TrackingURI,
		"MLFLOW_EXPERIMENT_NAME=" + t.opts.Experiment,
	}

	if t.opts.Mode == ModeLocal {
		return transport.Command{Argv: script, Dir: t.opts.RepoRoot, Env: env, Timeout: t.opts.Timeout, Strict: true}
	}

	argv := []string{"docker", "run", "--rm", "--network", "host"}
	for _, e := range env {
		argv = append(argv, "-e", e)
	}
	argv = append(argv,
		"-v", t.opts.RepoRoot+":/workspace",
		"-w", "/workspace",
		t.opts.Image, "sh", "-c", strings.Join(script, " "),
	)
	return transport.Command{Argv: argv, Timeout: t.opts.Timeout, Strict: true}
}

// Train runs the training procedure for commit and reads back the content
// hash it leaves behind.
func (t *Trainer) Train(ctx context.Context, commit string) (*Model, error) {
	if err := os.MkdirAll(filepath.Join(t.opts.RepoRoot, filepath.Dir(modelPath)), 0o755); err != nil {
		return nil, &TrainingError{Commit: commit, Err: err}
	}

	// Outputs of an earlier run must not pass for this one.
	for _, rel := range []string{modelPath, shaPath} {
		if err := os.Remove(filepath.Join(t.opts.RepoRoot, rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &TrainingError{Commit: commit, Err: fmt.Errorf("failed to clear %s: %w", rel, err)}
		}
	}

	t.log.Infof("Running training (%s)...", t.opts.Mode)
	if _, err := t.runner.Run(ctx, t.Command(commit)); err != nil {
		return nil, &TrainingError{Commit: commit, Err: err}
	}

	raw, err := os.ReadFile(filepath.Join(t.opts.RepoRoot, shaPath))
	if err != nil {
		return nil, &TrainingError{Commit: commit, Err: fmt.Errorf("failed to read model hash: %w", err)}
	}
	sha := strings.TrimSpace(string(raw))
	if sha == "" {
		return nil, &TrainingError{Commit: commit, Err: fmt.Errorf("%s is empty", shaPath)}
	}

	model := &Model{
		Commit: commit,
		Path:   filepath.Join(t.opts.RepoRoot, modelPath),
		Object: ObjectFor(t.opts.Bucket, commit),
		SHA:    sha,
	}
	if _, err := os.Stat(model.Path); err != nil {
		return nil, &TrainingError{Commit: commit, Err: fmt.Errorf("model file missing: %w", err)}
	}
	t.log.WithField("sha", sha).Infof("Model trained for %s", commit)
	return model, nil
}
