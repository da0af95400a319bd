// Package change commits a uniquely tagged marker and finds the CI run
// that picked it up.
package change

import (
	"context"
	"fmt"
	"time"

	"github.com/gitopslab/e2e/internal/poll"
	"github.com/gitopslab/e2e/pkg/gitea"
	"github.com/gitopslab/e2e/pkg/woodpecker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MarkerPath is the file rewritten on every run.
const MarkerPath = "hello-api/e2e-marker.txt"

// Contents is the Git host file API.
type Contents interface {
	GetFile(ctx context.Context, path, ref string) (*gitea.File, error)
	CreateFile(ctx context.Context, path string, change gitea.FileChange) (*gitea.CommitResult, error)
	UpdateFile(ctx context.Context, path string, change gitea.FileChange) (*gitea.CommitResult, error)
}

type Marker struct {
	Value  string
	Path   string
	Branch string
	// PriorSHA is the version token of the file before the write, if it existed.
	PriorSHA string
}

// Commit is the Git host commit that carries a marker.
type Commit struct {
	SHA    string
	Branch string
	Marker Marker
}

type Injector struct {
	Path   string
	Branch string

	git       Contents
	log       logrus.FieldLogger
	newMarker func() string
}

func NewInjector(log logrus.FieldLogger, git Contents, branch string) *Injector {
	return &Injector{
		Path:      MarkerPath,
		Branch:    branch,
		git:       git,
		log:       log,
		newMarker: func() string { return uuid.NewString() },
	}
}

// Inject writes a fresh marker, creating the file or updating it against
// its current sha, and returns the resulting commit.
func (i *Injector) Inject(ctx context.Context) (*Commit, error) {
	marker := Marker{Value: i.newMarker(), Path: i.Path, Branch: i.Branch}
	i.log.Infof("Commit marker %s...", marker.Value)

	existing, err := i.git.GetFile(ctx, i.Path, i.Branch)
	switch {
	case err == nil:
		marker.PriorSHA = existing.SHA
	case gitea.IsNotFound(err):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", i.Path, err)
	}

	change := gitea.FileChange{
		Message: fmt.Sprintf("chore(e2e): marker %s [skip ci]", marker.Value),
		Content: []byte(marker.Value),
		Branch:  i.Branch,
		SHA:     marker.PriorSHA,
	}

	var res *gitea.CommitResult
	if marker.PriorSHA != "" {
		res, err = i.git.UpdateFile(ctx, i.Path, change)
	} else {
		res, err = i.git.CreateFile(ctx, i.Path, change)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit marker: %w", err)
	}
	if res.CommitSHA == "" {
		return nil, fmt.Errorf("git host returned no commit for %s", i.Path)
	}

	i.log.Infof("Commit created: %s", res.CommitSHA)
	return &Commit{SHA: res.CommitSHA, Branch: i.Branch, Marker: marker}, nil
}

// Pipelines is the CI run API.
type Pipelines interface {
	TriggerPipeline(ctx context.Context, repoID int64, branch string) (*woodpecker.Pipeline, error)
	Pipelines(ctx context.Context, repoID int64, perPage int) ([]woodpecker.Pipeline, error)
}

type Correlator struct {
	Wait    poll.Options
	PerPage int

	ci  Pipelines
	log logrus.FieldLogger
}

func NewCorrelator(log logrus.FieldLogger, ci Pipelines) *Correlator {
	return &Correlator{
		Wait:    poll.Options{Interval: 3 * time.Second, Timeout: 120 * time.Second},
		PerPage: 20,
		ci:      ci,
		log:     log,
	}
}

// Trigger starts a run for branch; API commits do not always fire hooks.
func (c *Correlator) Trigger(ctx context.Context, repoID int64, branch string) error {
	if _, err := c.ci.TriggerPipeline(ctx, repoID, branch); err != nil {
		return fmt.Errorf("failed to trigger pipeline: %w", err)
	}
	return nil
}

// Await polls recent runs until one records exactly commit.
func (c *Correlator) Await(ctx context.Context, repoID int64, commit string) (*woodpecker.Pipeline, error) {
	c.log.Info("Waiting for pipeline to appear...")
	return poll.Until(ctx, c.log, "pipeline for "+commit, c.Wait, func(ctx context.Context) (*woodpecker.Pipeline, error) {
		pipelines, err := c.ci.Pipelines(ctx, repoID, c.PerPage)
		if err != nil {
			return nil, err
		}
		for i := range pipelines {
			if pipelines[i].Commit == commit {
				c.log.Infof("Pipeline #%d detected.", pipelines[i].Number)
				return &pipelines[i], nil
			}
		}
		return nil, fmt.Errorf("no pipeline for %s among %d recent runs", commit, len(pipelines))
	})
}
