// Package enable registers the platform repository with the CI server.
package enable

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gitopslab/e2e/internal/transport"
	"github.com/gitopslab/e2e/pkg/woodpecker"
	"github.com/sirupsen/logrus"
)

// CI is the part of the CI server API enablement drives.
type CI interface {
	LookupRepo(ctx context.Context, fullName string) (*woodpecker.Repo, error)
	ActivateRepo(ctx context.Context, forgeRemoteID int64) (*woodpecker.Repo, error)
	UpdateTrust(ctx context.Context, repoID int64, trusted woodpecker.Trusted) error
	RepairRepo(ctx context.Context, repoID int64) error
	Secrets(ctx context.Context, repoID int64) ([]woodpecker.Secret, error)
	CreateSecret(ctx context.Context, repoID int64, secret woodpecker.Secret) error
}

// SecretEvents are the trigger events secrets are exposed to.
var SecretEvents = []string{"push", "manual"}

// Secret is a named value that must exist on the repository.
type Secret struct {
	Name  string
	Value string
}

type Enabler struct {
	ci  CI
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger, ci CI) *Enabler {
	return &Enabler{ci: ci, log: log}
}

// EnsureRepository returns the CI repository for fullName, activating it
// from the Git host id when the lookup fails, and marks it fully trusted.
func (e *Enabler) EnsureRepository(ctx context.Context, fullName string, forgeRemoteID int64) (*woodpecker.Repo, error) {
	repo, err := e.ci.LookupRepo(ctx, fullName)
	if err != nil || repo == nil || repo.ID == 0 {
		if err != nil && !transport.IsStatus(err, http.StatusNotFound) {
			e.log.Warnf("Repository lookup for %s failed: %v", fullName, err)
		}
		repo, err = e.ci.ActivateRepo(ctx, forgeRemoteID)
		if err != nil {
			return nil, fmt.Errorf("failed to activate repository %s: %w", fullName, err)
		}
		e.log.Infof("Activated %s on CI (id %d)", fullName, repo.ID)
	}

	trusted := woodpecker.Trusted{Network: true, Security: true, Volumes: true}
	if err := e.ci.UpdateTrust(ctx, repo.ID, trusted); err != nil {
		return nil, fmt.Errorf("failed to trust repository %d: %w", repo.ID, err)
	}
	return repo, nil
}

// Repair asks the CI server to re-install its forge hooks.
func (e *Enabler) Repair(ctx context.Context, repoID int64) error {
	return e.ci.RepairRepo(ctx, repoID)
}

// EnsureSecrets creates each missing secret. Existing secrets are never
// overwritten and empty values are skipped. It returns the names created.
func (e *Enabler) EnsureSecrets(ctx context.Context, repoID int64, secrets []Secret) ([]string, error) {
	var created []string
	for _, s := range secrets {
		if s.Value == "" {
			e.log.Warnf("Secret %s has no value, skipping", s.Name)
			continue
		}

		existing, err := e.ci.Secrets(ctx, repoID)
		if err != nil {
			e.log.Warnf("Failed to list secrets: %v", err)
		}
		if hasSecret(existing, s.Name) {
			continue
		}

		err = e.ci.CreateSecret(ctx, repoID, woodpecker.Secret{
			Name:   s.Name,
			Value:  s.Value,
			Images: []string{},
			Events: SecretEvents,
		})
		if err != nil {
			return created, fmt.Errorf("failed to create secret %s: %w", s.Name, err)
		}
		created = append(created, s.Name)
	}
	return created, nil
}

func hasSecret(secrets []woodpecker.Secret, name string) bool {
	for _, s := range secrets {
		if s.Name == name {
			return true
		}
	}
	return false
}
