package scenario

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gitopslab/e2e/internal/artifact"
	"github.com/gitopslab/e2e/internal/config"
	"github.com/gitopslab/e2e/internal/deploy"
	"github.com/gitopslab/e2e/internal/identity"
	"github.com/gitopslab/e2e/internal/logging"
	"github.com/gitopslab/e2e/internal/manifest"
	"github.com/gitopslab/e2e/internal/poll"
	"github.com/gitopslab/e2e/internal/runner"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/gitopslab/e2e/internal/transport/transporttest"
	"github.com/gitopslab/e2e/pkg/gitea/giteatest"
	"github.com/gitopslab/e2e/pkg/objectstore"
	"github.com/gitopslab/e2e/pkg/woodpecker/woodpeckertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

const modelConfig = `apiVersion: v1
kind: ConfigMap
metadata:
  name: hello-model
  namespace: apps
data:
  MODEL_OBJECT: ml-models/iris-old.joblib
  MODEL_SHA: old
`

const deploymentDoc = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: hello-api
  namespace: apps
spec:
  template:
    spec:
      containers:
        - name: hello-api
          image: registry.localhost:5002/hello-api:old
          ports:
            - containerPort: 8080
`

type memoryStore struct {
	mu      sync.Mutex
	records map[string]*identity.Record
}

func (m *memoryStore) Name() string { return "memory" }

func (m *memoryStore) Lookup(ctx context.Context, login string) (*identity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[login]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryStore) SetAccessToken(ctx context.Context, login, token string) error {
	return nil
}

func (m *memoryStore) InsertIfAbsent(ctx context.Context, rec identity.NewRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Login]; !ok {
		m.records[rec.Login] = &identity.Record{ID: int64(len(m.records) + 1), Login: rec.Login, Hash: rec.Hash}
	}
	return nil
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string]int64
}

func (m *memoryObjects) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (m *memoryObjects) Upload(ctx context.Context, bucket, key, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = info.Size()
	return nil
}

func (m *memoryObjects) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return objectstore.ObjectInfo{Key: key, Size: m.objects[bucket+"/"+key]}, nil
}

// services serves the object store, tracker and demo endpoints.
func services(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/minio/health/ready", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/2.0/mlflow/experiments/search", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"experiments": []any{}})
	})
	mux.HandleFunc("/api/2.0/mlflow/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"experiment": map[string]string{"experiment_id": "1", "name": r.URL.Query().Get("experiment_name")}})
	})
	mux.HandleFunc("/api/2.0/mlflow/runs/search", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"runs": []any{map[string]any{
			"info": map[string]string{"run_id": "r1", "experiment_id": "1", "status": "FINISHED"},
			"data": map[string]any{"tags": []map[string]string{
				{"key": "commit_sha", "value": "c1"},
				{"key": "model_object", "value": "ml-models/iris-c1.joblib"},
			}},
		}}})
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"class_id": 0, "class_name": "setosa"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]string{"message": "Hello from IDP demo"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func completeDeployment(name, image string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "apps"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: name, Image: image}}},
			},
		},
		Status: appsv1.DeploymentStatus{Replicas: 1, UpdatedReplicas: 1, AvailableReplicas: 1},
	}
}

type fixture struct {
	scenario *Scenario
	git      *giteatest.Server
	ci       *woodpeckertest.Server
	exec     *transporttest.Runner
	objects  *memoryObjects
	store    *memoryStore
	cluster  *fake.Clientset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ml", "artifacts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitea_token"), []byte("gitea-token\n"), 0o600))

	git := giteatest.NewServer("gitops", "platform")
	t.Cleanup(git.Close)
	git.Put(manifest.ModelConfigPath, modelConfig)
	git.Put(manifest.DeploymentPath, deploymentDoc)

	ci := woodpeckertest.NewServer()
	t.Cleanup(ci.Close)
	ci.ActivatedName = "gitops/platform"
	ci.CommitFor = func(string) string { return "c1" }

	svc := services(t)

	exec := transporttest.NewRunner().On("docker run", func(cmd transport.Command) (*transport.Result, error) {
		dir := filepath.Join(root, "ml", "artifacts")
		if err := os.WriteFile(filepath.Join(dir, "model.joblib"), []byte("model"), 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "model.sha"), []byte("h1\n"), 0o644); err != nil {
			return nil, err
		}
		return &transport.Result{}, nil
	})

	cfg := config.Load(root, filepath.Join(root, "missing.env"))
	cfg.Gitea.URL, cfg.Gitea.Port = git.URL, ""
	cfg.Woodpecker.URL, cfg.Woodpecker.Port = ci.URL, ""
	cfg.ObjectStore.URL, cfg.ObjectStore.Port = svc.URL, ""
	cfg.MLflow.URL, cfg.MLflow.Port = svc.URL, ""
	cfg.Demo.URL, cfg.Demo.Port = svc.URL, ""
	cfg.Timeout = time.Minute

	f := &fixture{
		git:     git,
		ci:      ci,
		exec:    exec,
		objects: &memoryObjects{objects: map[string]int64{}},
		store:   &memoryStore{records: map[string]*identity.Record{}},
		cluster: fake.NewSimpleClientset(
			completeDeployment("hello-api", "registry.localhost:5002/hello-api:old"),
			completeDeployment("mlflow", "mlflow:lite"),
		),
	}

	hc := transport.NewHTTPClient(transport.WithTimeout(5 * time.Second))
	s := New(cfg, logging.Discard(), exec, hc)
	fast := poll.Options{Attempts: 3, Interval: time.Millisecond}
	s.Readiness, s.Pipeline, s.Rollout, s.Service = fast, fast, fast, fast
	s.NewObjectStore = func(ctx context.Context, endpoint string) (objectstore.Store, error) {
		return f.objects, nil
	}
	s.NewIdentityStores = func(ctx context.Context) ([]identity.Store, error) {
		return []identity.Store{f.store}, nil
	}
	s.NewOrchestrator = func(ctx context.Context) (deploy.Orchestrator, error) {
		return deploy.NewClusterClient(logging.Discard(), f.cluster, s.workload()), nil
	}
	f.scenario = s
	return f
}

func TestScenarioDeliversCommitToService(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scenario.Run(context.Background()))

	st := f.scenario.State()
	require.NotNil(t, st.Commit)
	assert.Equal(t, "c1", st.Commit.SHA)
	require.NotNil(t, st.Pipeline)
	assert.Equal(t, "c1", st.Pipeline.Commit)

	require.NotNil(t, st.Model)
	assert.Equal(t, artifact.ObjectFor("ml-models", "c1"), st.Model.Object)
	assert.Equal(t, int64(len("model")), f.objects.objects["ml-models/iris-c1.joblib"])

	cm, ok := f.git.Content(manifest.ModelConfigPath)
	require.True(t, ok)
	assert.Contains(t, cm, "  MODEL_OBJECT: ml-models/iris-c1.joblib\n")
	assert.Contains(t, cm, "  MODEL_SHA: h1\n")

	dep, ok := f.git.Content(manifest.DeploymentPath)
	require.True(t, ok)
	assert.Contains(t, dep, "          image: registry.localhost:5002/hello-api:c1\n")

	d, err := f.cluster.AppsV1().Deployments("apps").Get(context.Background(), "hello-api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "registry.localhost:5002/hello-api:c1", d.Spec.Template.Spec.Containers[0].Image)

	applied, err := f.cluster.CoreV1().ConfigMaps("apps").Get(context.Background(), "hello-model", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "h1", applied.Data["MODEL_SHA"])

	require.NotNil(t, st.Prediction)
	assert.Equal(t, 0, *st.Prediction.ClassID)
	assert.Equal(t, "setosa", *st.Prediction.ClassName)

	repo := st.Repo
	require.NotNil(t, repo)
	assert.True(t, f.ci.Trusted(repo.ID).Network)
	assert.Equal(t, 1, f.ci.Repairs())
	assert.Len(t, f.ci.SecretsOf(repo.ID), 2)

	assert.Equal(t, 1, f.exec.Count("docker restart woodpecker-server"))
	assert.Equal(t, 1, f.exec.Count("docker build -t registry.localhost:5002/hello-api:c1"))
	assert.Equal(t, 1, f.exec.Count("docker push localhost:5002/hello-api:c1"))
}

func TestScenarioGitOpsWritesAreOrdered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scenario.Run(context.Background()))

	writes := f.git.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, "hello-api/e2e-marker.txt", writes[0].Path)
	assert.Equal(t, manifest.ModelConfigPath, writes[1].Path)
	assert.Equal(t, giteatest.BlobSHA(modelConfig), writes[1].SHA)
	assert.Equal(t, manifest.DeploymentPath, writes[2].Path)
	assert.Equal(t, giteatest.BlobSHA(deploymentDoc), writes[2].SHA)
	for _, w := range writes {
		assert.Contains(t, w.Message, "[skip ci]")
	}
}

func TestScenarioIdentityFailureStopsRun(t *testing.T) {
	f := newFixture(t)
	f.scenario.NewIdentityStores = func(ctx context.Context) ([]identity.Store, error) {
		return nil, nil
	}

	err := f.scenario.Run(context.Background())
	var stepErr *runner.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, runner.StepIdentity, stepErr.Step)
	var idErr *identity.IdentityError
	assert.ErrorAs(t, err, &idErr)

	assert.Empty(t, f.git.Writes())
	assert.Zero(t, f.exec.Count("docker run"))
}

func TestScenarioPipelineMissIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.ci.CommitFor = func(string) string { return "other" }

	require.NoError(t, f.scenario.Run(context.Background()))
	assert.Nil(t, f.scenario.State().Pipeline)
	assert.NotNil(t, f.scenario.State().Prediction)
}

func TestScenarioManifestConflictFailsRun(t *testing.T) {
	f := newFixture(t)
	f.git.BeforeWrite = func(path string) {
		if path == manifest.ModelConfigPath {
			f.git.Put(path, modelConfig+"# edited concurrently\n")
		}
	}

	err := f.scenario.Run(context.Background())
	var stepErr *runner.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, runner.StepModelConfig, stepErr.Step)
	var conflict *manifest.ConflictError
	assert.ErrorAs(t, err, &conflict)

	d, err := f.cluster.AppsV1().Deployments("apps").Get(context.Background(), "hello-api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "registry.localhost:5002/hello-api:old", d.Spec.Template.Spec.Containers[0].Image)
}

func TestSmoke(t *testing.T) {
	svc := services(t)
	git := giteatest.NewServer("gitops", "platform")
	defer git.Close()
	ci := woodpeckertest.NewServer()
	defer ci.Close()
	kube := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer kube.Close()
	argo := httptest.NewServer(http.RedirectHandler("/login", http.StatusTemporaryRedirect))
	defer argo.Close()

	cfg := config.Load(t.TempDir(), "")
	cfg.Gitea.URL, cfg.Gitea.Port = git.URL, ""
	cfg.Woodpecker.URL, cfg.Woodpecker.Port = ci.URL, ""
	cfg.ObjectStore.URL, cfg.ObjectStore.Port = svc.URL, ""
	cfg.MLflow.URL, cfg.MLflow.Port = svc.URL, ""
	cfg.Demo.URL, cfg.Demo.Port = svc.URL, ""
	cfg.Registry.URL = svc.URL
	cfg.ArgoCD.URL, cfg.ArgoCD.Port = argo.URL, ""
	cfg.Cluster.APIPort = strconv.Itoa(kube.Listener.Addr().(*net.TCPAddr).Port)
	cfg.Timeout = time.Minute

	s := NewSmoke(cfg, logging.Discard())
	s.PerCandidate = poll.Options{Attempts: 2, Interval: time.Millisecond}
	s.Single = s.PerCandidate
	require.NoError(t, s.Run(context.Background()))
}

func TestSmokeStopsAtFirstUnreachableEndpoint(t *testing.T) {
	cfg := config.Load(t.TempDir(), "")
	cfg.Gitea.URL, cfg.Gitea.Port = "http://127.0.0.1:1", ""
	cfg.Timeout = time.Minute

	s := NewSmoke(cfg, logging.Discard())
	s.PerCandidate = poll.Options{Attempts: 1, Interval: time.Millisecond}
	s.Single = s.PerCandidate

	err := s.Run(context.Background())
	var stepErr *runner.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "smoke Gitea", stepErr.Step)
}
