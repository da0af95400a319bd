package artifact

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// ImageBuilder builds the service image from the checkout and pushes it
// under the host-side registry name.
type ImageBuilder struct {
	// Context is the build directory, relative to the repository root.
	Context string

	repoRoot string
	runner   transport.Runner
	log      logrus.FieldLogger
}

func NewImageBuilder(log logrus.FieldLogger, runner transport.Runner, repoRoot string) *ImageBuilder {
	return &ImageBuilder{Context: "hello-api", repoRoot: repoRoot, runner: runner, log: log}
}

// Build tags the image as deployRef, retags it as pushRef and pushes it.
func (b *ImageBuilder) Build(ctx context.Context, deployRef, pushRef string) error {
	steps := [][]string{
		{"docker", "build", "-t", deployRef, filepath.Join(b.repoRoot, b.Context)},
		{"docker", "tag", deployRef, pushRef},
		{"docker", "push", pushRef},
	}

	b.log.Infof("Building %s...", deployRef)
	for _, argv := range steps {
		if argv[1] == "push" {
			b.log.Infof("Pushing %s...", pushRef)
		}
		if _, err := b.runner.Run(ctx, transport.Command{Argv: argv, Strict: true}); err != nil {
			return fmt.Errorf("docker %s failed: %w", argv[1], err)
		}
	}
	return nil
}
