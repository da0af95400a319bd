package enable

import (
	"context"
	"testing"

	"github.com/gitopslab/e2e/internal/logging"
	"github.com/gitopslab/e2e/pkg/woodpecker"
	"github.com/gitopslab/e2e/pkg/woodpecker/woodpeckertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRepositoryActivatesWhenMissing(t *testing.T) {
	srv := woodpeckertest.NewServer()
	defer srv.Close()
	srv.ActivatedName = "gitops/platform"

	e := New(logging.Discard(), woodpecker.NewClient(srv.URL, "", nil))
	repo, err := e.EnsureRepository(context.Background(), "gitops/platform", 42)
	require.NoError(t, err)
	assert.Equal(t, "42", repo.ForgeRemoteID)
	assert.Equal(t, woodpecker.Trusted{Network: true, Security: true, Volumes: true}, srv.Trusted(repo.ID))

	again, err := e.EnsureRepository(context.Background(), "gitops/platform", 42)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)
}

func TestEnsureRepositoryUsesExisting(t *testing.T) {
	srv := woodpeckertest.NewServer()
	defer srv.Close()
	existing := srv.AddRepo("gitops/platform", 42)

	e := New(logging.Discard(), woodpecker.NewClient(srv.URL, "", nil))
	repo, err := e.EnsureRepository(context.Background(), "gitops/platform", 42)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, repo.ID)
	assert.NotContains(t, srv.Requests(), "POST /api/repos")
}

func TestEnsureSecretsIsIdempotent(t *testing.T) {
	srv := woodpeckertest.NewServer()
	defer srv.Close()
	repo := srv.AddRepo("gitops/platform", 42)

	e := New(logging.Discard(), woodpecker.NewClient(srv.URL, "", nil))
	secrets := []Secret{{Name: "gitea_user", Value: "gitops"}, {Name: "gitea_token", Value: "tok"}, {Name: "empty", Value: ""}}
	ctx := context.Background()

	created, err := e.EnsureSecrets(ctx, repo.ID, secrets)
	require.NoError(t, err)
	assert.Equal(t, []string{"gitea_user", "gitea_token"}, created)

	_, err = e.EnsureRepository(ctx, "gitops/platform", 42)
	require.NoError(t, err)
	created, err = e.EnsureSecrets(ctx, repo.ID, []Secret{{Name: "gitea_user", Value: "rotated"}, {Name: "gitea_token", Value: "tok"}})
	require.NoError(t, err)
	assert.Empty(t, created)

	stored := srv.SecretsOf(repo.ID)
	require.Len(t, stored, 2)
	assert.Equal(t, "gitops", stored[0].Value)
	assert.Equal(t, []string{"push", "manual"}, stored[0].Events)
}

func TestRepair(t *testing.T) {
	srv := woodpeckertest.NewServer()
	defer srv.Close()
	repo := srv.AddRepo("gitops/platform", 42)

	e := New(logging.Discard(), woodpecker.NewClient(srv.URL, "", nil))
	require.NoError(t, e.Repair(context.Background(), repo.ID))
	assert.Equal(t, 1, srv.Repairs())
	assert.Error(t, e.Repair(context.Background(), 999))
}
