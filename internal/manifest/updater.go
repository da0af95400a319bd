package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitopslab/e2e/pkg/gitea"
	"github.com/sirupsen/logrus"
)

const (
	ModelConfigPath = "gitops/apps/hello/model-configmap.yaml"
	DeploymentPath  = "gitops/apps/hello/deployment.yaml"
)

// ErrMissingVersionToken is returned when the fetched document carries no
// sha to guard the write with.
var ErrMissingVersionToken = errors.New("document has no version token")

// ConflictError reports a write rejected because the document changed after
// it was read. It is never retried.
type ConflictError struct {
	Path string
	SHA  string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s changed since sha %s was read: %v", e.Path, e.SHA, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Documents is the Git host file API the updater writes through.
type Documents interface {
	GetFile(ctx context.Context, path, ref string) (*gitea.File, error)
	UpdateFile(ctx context.Context, path string, change gitea.FileChange) (*gitea.CommitResult, error)
}

type Transform func(doc string) (string, error)

type Update struct {
	Path      string
	Message   string
	Transform Transform
}

// Result is the document as written.
type Result struct {
	Path      string
	Content   string
	PriorSHA  string
	CommitSHA string
}

type Updater struct {
	git    Documents
	branch string
	log    logrus.FieldLogger
}

func NewUpdater(log logrus.FieldLogger, git Documents, branch string) *Updater {
	return &Updater{git: git, branch: branch, log: log}
}

// Apply reads the document, transforms it and writes it back conditioned
// on the sha captured by the read.
func (u *Updater) Apply(ctx context.Context, upd Update) (*Result, error) {
	file, err := u.git.GetFile(ctx, upd.Path, u.branch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", upd.Path, err)
	}
	if file.SHA == "" {
		return nil, fmt.Errorf("%s: %w", upd.Path, ErrMissingVersionToken)
	}

	content, err := upd.Transform(file.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", upd.Path, err)
	}
	if err := Validate(content); err != nil {
		return nil, fmt.Errorf("refusing to write %s: %w", upd.Path, err)
	}

	res, err := u.git.UpdateFile(ctx, upd.Path, gitea.FileChange{
		Message: upd.Message,
		Content: []byte(content),
		Branch:  u.branch,
		SHA:     file.SHA,
	})
	if err != nil {
		if gitea.IsConflict(err) {
			return nil, &ConflictError{Path: upd.Path, SHA: file.SHA, Err: err}
		}
		return nil, fmt.Errorf("failed to write %s: %w", upd.Path, err)
	}

	u.log.WithField("commit", res.CommitSHA).Infof("%s updated.", upd.Path)
	return &Result{Path: upd.Path, Content: content, PriorSHA: file.SHA, CommitSHA: res.CommitSHA}, nil
}

// ModelConfig points the model config document at object and its hash.
func ModelConfig(object, sha string) Update {
	return Update{
		Path:    ModelConfigPath,
		Message: fmt.Sprintf("chore(e2e): update model %s [skip ci]", object),
		Transform: func(doc string) (string, error) {
			doc, err := ReplaceField(doc, "MODEL_OBJECT", object)
			if err != nil {
				return "", err
			}
			return ReplaceField(doc, "MODEL_SHA", sha)
		},
	}
}

// DeploymentImage sets the image of container in the deployment document.
func DeploymentImage(container, image, commit string) Update {
	return Update{
		Path:    DeploymentPath,
		Message: fmt.Sprintf("chore(e2e): bump %s image to %s [skip ci]", container, commit),
		Transform: func(doc string) (string, error) {
			return ReplaceContainerImage(doc, container, image)
		},
	}
}
