package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// PlaceholderToken is handed out in degraded mode when no token exists.
const PlaceholderToken = "fake-token"

// AccessToken is a durable Git host token plus where it came from.
type AccessToken struct {
	Value string
	// Degraded is set when Value is the non-functional placeholder.
	Degraded bool
}

// TokenSource reads the cached token file and, when it is missing, copies it
// out of the bootstrap container first.
type TokenSource struct {
	Path string
	// Container holding /workspace/.gitea_token.
	Container        string
	AllowPlaceholder bool

	runner transport.Runner
	log    logrus.FieldLogger
}

func NewTokenSource(log logrus.FieldLogger, runner transport.Runner, path, container string, allowPlaceholder bool) *TokenSource {
	return &TokenSource{
		Path:             path,
		Container:        container,
		AllowPlaceholder: allowPlaceholder,
		runner:           runner,
		log:              log,
	}
}

func (s *TokenSource) Token(ctx context.Context) (AccessToken, error) {
	value, err := readToken(s.Path)
	if err == nil {
		return AccessToken{Value: value}, nil
	}

	if s.Container != "" {
		s.log.Infof("%s not found on host, trying to copy from %s container...", s.Path, s.Container)
		_, cpErr := s.runner.Run(ctx, transport.Command{
			Argv:   []string{"docker", "cp", s.Container + ":/workspace/.gitea_token", s.Path},
			Strict: true,
		})
		if cpErr != nil {
			s.log.Warnf("Failed to copy token: %v", cpErr)
			err = errors.Join(err, cpErr)
		} else if value, err = readToken(s.Path); err == nil {
			return AccessToken{Value: value}, nil
		}
	}

	if s.AllowPlaceholder {
		s.log.Warn("Using fake token, CI forge sync will not work.")
		return AccessToken{Value: PlaceholderToken, Degraded: true}, nil
	}
	return AccessToken{}, &TokenUnavailableError{Path: s.Path, Err: err}
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return value, nil
}
