package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolverPrecedence(t *testing.T) {
	path := writeEnvFile(t, "# comment\n\nE2E_TEST_K=b\nE2E_TEST_ONLY_FILE=x=y\n")

	t.Run("process environment wins over file", func(t *testing.T) {
		t.Setenv("E2E_TEST_K", "a")
		assert.Equal(t, "a", NewResolver(path).Get("E2E_TEST_K", "c"))
	})

	t.Run("file wins over default", func(t *testing.T) {
		t.Setenv("E2E_TEST_K", "")
		assert.Equal(t, "b", NewResolver(path).Get("E2E_TEST_K", "c"))
	})

	t.Run("default when neither is set", func(t *testing.T) {
		assert.Equal(t, "c", NewResolver(path).Get("E2E_TEST_MISSING", "c"))
	})

	t.Run("first equals splits key and value", func(t *testing.T) {
		assert.Equal(t, "x=y", NewResolver(path).Get("E2E_TEST_ONLY_FILE", ""))
	})

	t.Run("dotenv quoting and export are honoured", func(t *testing.T) {
		r := NewResolver(writeEnvFile(t, "E2E_TEST_Q1=\"quoted\"\nE2E_TEST_Q2=abc #note\nexport E2E_TEST_Q4=v\n"))
		assert.Equal(t, "quoted", r.Get("E2E_TEST_Q1", ""))
		assert.Equal(t, "abc", r.Get("E2E_TEST_Q2", ""))
		assert.Equal(t, "v", r.Get("E2E_TEST_Q4", ""))
	})
}

func TestResolverMissingFile(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "absent.env"))
	assert.Equal(t, "fallback", r.Get("E2E_TEST_NOPE", "fallback"))
}

func TestResolverTypedLookups(t *testing.T) {
	path := writeEnvFile(t, "T_SECONDS=90\nT_DURATION=2m\nT_BAD=soon\nT_BOOL=true\nT_LIST= a, ,b ,\n")
	r := NewResolver(path)

	assert.Equal(t, 90*time.Second, r.Duration("T_SECONDS", time.Second))
	assert.Equal(t, 2*time.Minute, r.Duration("T_DURATION", time.Second))
	assert.Equal(t, time.Second, r.Duration("T_BAD", time.Second))
	assert.True(t, r.Bool("T_BOOL", false))
	assert.False(t, r.Bool("T_UNSET_BOOL", false))
	assert.Equal(t, []string{"a", "b"}, r.List("T_LIST"))
	assert.Equal(t, "90", r.First([]string{"T_UNSET", "T_SECONDS", "T_BOOL"}, "z"))
	assert.Equal(t, "z", r.First([]string{"T_UNSET"}, "z"))
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	cfg := Load(root, filepath.Join(root, "missing.env"))

	assert.Equal(t, 600*time.Second, cfg.Timeout)
	assert.Equal(t, "gitops", cfg.Gitea.User)
	assert.Equal(t, "gitops/platform", cfg.RepoFullName())
	assert.Equal(t, "main", cfg.Gitea.Branch)
	assert.Equal(t, filepath.Join(root, ".gitea_token"), cfg.TokenFile())
	assert.Equal(t, []string{"gitopslab_woodpecker-data", "woodpecker-data"}, cfg.Woodpecker.Volumes())
	assert.Equal(t, "registry.localhost:5002/hello-api:c1", cfg.DeployImage("c1"))
	assert.Equal(t, "localhost:5002/hello-api:c1", cfg.PushImage("c1"))
	assert.Equal(t, "ml-models", cfg.ObjectStore.Bucket)
}

func TestLoadPasswordFallbackKey(t *testing.T) {
	root := t.TempDir()
	path := writeEnvFile(t, "GITEA_ADMIN_PASSWORD=secret\nWOODPECKER_HOST=http://ci.local:9000\n")
	cfg := Load(root, path)

	assert.Equal(t, "secret", cfg.Gitea.Password)
	assert.Equal(t, "http://ci.local:9000", cfg.Woodpecker.URL)
}

func TestEndpoints(t *testing.T) {
	cfg := Load(t.TempDir(), "")
	eps := cfg.Endpoints()

	assert.Equal(t, []string{"http://gitea.localhost:3000", "http://localhost:3000"}, eps.Gitea.Candidates)
	assert.Equal(t, []string{"http://gitea.localhost:3000/api/v1/version", "http://localhost:3000/api/v1/version"}, eps.Gitea.WithPath("/api/v1/version"))
	assert.True(t, eps.Woodpecker.Accepts(204))
	assert.False(t, eps.Gitea.Accepts(302))
	assert.True(t, eps.Gitea.Accepts(201))
	assert.True(t, eps.ArgoCD.Accepts(401))
	assert.Equal(t, []string{"http://localhost:8081"}, eps.ArgoCD.Candidates)
}

func TestResolveURL(t *testing.T) {
	orig := lookupHost
	t.Cleanup(func() { lookupHost = orig })

	lookupHost = func(host string) ([]string, error) {
		if host == "known.test" {
			return []string{"10.0.0.1"}, nil
		}
		return nil, errors.New("no such host")
	}

	assert.Equal(t, "http://known.test:3000", ResolveURL("http://known.test:3000/", "localhost"))
	assert.Equal(t, "http://localhost:3000", ResolveURL("http://gitea.unknown:3000", "localhost"))
	assert.Equal(t, "http://localhost/path", ResolveURL("http://gitea.unknown/path", "localhost"))
}

func TestRewriteHost(t *testing.T) {
	assert.Equal(t, "http://10.88.0.1:8090", RewriteHost("http://mlflow.localhost:8090", "10.88.0.1"))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Dedupe([]string{"a", "", "b", "a"}))
}
