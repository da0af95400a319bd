package artifact

import (
	"context"
	"fmt"

	"github.com/gitopslab/e2e/pkg/mlflow"
	"github.com/sirupsen/logrus"
)

// Tracker is the metrics tracker search API.
type Tracker interface {
	ExperimentByName(ctx context.Context, name string) (*mlflow.Experiment, error)
	RunsForCommit(ctx context.Context, experimentID, commit string) ([]mlflow.Run, error)
}

// VerifyRun checks that the training run for commit was recorded in
// experiment and that it references object.
func VerifyRun(ctx context.Context, log logrus.FieldLogger, tracker Tracker, experiment, commit, object string) (*mlflow.Run, error) {
	exp, err := tracker.ExperimentByName(ctx, experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to find experiment %s: %w", experiment, err)
	}

	runs, err := tracker.RunsForCommit(ctx, exp.ExperimentID, commit)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no run tagged commit_sha=%s in %s", commit, experiment)
	}

	run := runs[0]
	if got := run.Tag("model_object"); got != "" && got != object {
		return nil, fmt.Errorf("run %s recorded model %s, want %s", run.Info.RunID, got, object)
	}
	log.Infof("Tracker run %s recorded for %s", run.Info.RunID, commit)
	return &run, nil
}
