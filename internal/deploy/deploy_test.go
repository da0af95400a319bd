package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gitopslab/e2e/internal/logging"
	"github.com/gitopslab/e2e/internal/poll"
	"github.com/gitopslab/e2e/internal/transport"
	"github.com/gitopslab/e2e/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var workload = Workload{Namespace: "apps", Deployment: "hello-api", Container: "hello-api"}

var bridgeOpts = BridgeOptions{
	Helper:       "platform-bootstrap",
	Image:        "gitopslab_bootstrap",
	Network:      "podman",
	DockerSocket: "/var/run/docker.sock",
	Cluster:      "gitopslab",
}

func TestBridgeUsesRunningHelper(t *testing.T) {
	runner := transporttest.NewRunner().
		Reply("docker ps -q -f name=platform-bootstrap", "abc123\n", 0).
		Reply("docker exec platform-bootstrap sh -c kubectl -n apps get deploy", "registry.localhost:5002/hello-api:c1\n", 0)
	b := NewKubectlBridge(logging.Discard(), runner, workload, bridgeOpts)
	ctx := context.Background()

	require.NoError(t, b.SetImage(ctx, "registry.localhost:5002/hello-api:c1"))
	image, err := b.CurrentImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "registry.localhost:5002/hello-api:c1", image)

	lines := runner.Lines()
	assert.Contains(t, lines, "docker exec platform-bootstrap sh -c kubectl -n apps set image deploy/hello-api hello-api=registry.localhost:5002/hello-api:c1 --record=false")
	assert.Contains(t, lines, "docker exec platform-bootstrap sh -c kubectl -n apps get deploy hello-api -o jsonpath='{.spec.template.spec.containers[0].image}'")
	assert.Equal(t, 0, runner.Count("docker run"))
}

func TestBridgeFallsBackToEphemeralHelper(t *testing.T) {
	runner := transporttest.NewRunner().
		Reply("docker ps", "", 0).
		Reply("docker inspect", "10.89.0.5\n", 0)
	b := NewKubectlBridge(logging.Discard(), runner, workload, bridgeOpts)

	require.NoError(t, b.ApplyConfig(context.Background(), "kind: ConfigMap"))

	calls := runner.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, []string{
		"docker", "run", "--rm", "--network", "podman",
		"-e", "DOCKER_HOST=unix:///var/run/podman/podman.sock",
		"-v", "/var/run/docker.sock:/var/run/podman/podman.sock",
		"gitopslab_bootstrap", "sh", "-c",
	}, last.Argv[:len(last.Argv)-1])

	script := last.Argv[len(last.Argv)-1]
	assert.Contains(t, script, "k3d kubeconfig get gitopslab > /root/.kube/config")
	assert.Contains(t, script, "sed -i 's|https://0.0.0.0:[0-9]*|https://127.0.0.1:6443|g' /root/.kube/config")
	assert.Contains(t, script, "sed -i 's|127.0.0.1|10.89.0.5|g' /root/.kube/config")
	assert.Contains(t, script, "cat <<'EOF' | kubectl -n apps apply -f -\nkind: ConfigMap\nEOF")
	assert.Contains(t, runner.Lines(), "docker inspect -f {{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}} k3d-gitopslab-server-0")
}

func TestBridgeWithoutCluster(t *testing.T) {
	runner := transporttest.NewRunner().Reply("docker ps", "", 0).Reply("docker inspect", "", 1)
	b := NewKubectlBridge(logging.Discard(), runner, workload, bridgeOpts)

	err := b.RolloutStatus(context.Background(), "mlflow", 300*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k3d-gitopslab-server-0")
}

func TestBridgeRolloutStatusCommand(t *testing.T) {
	runner := transporttest.NewRunner().Reply("docker ps", "id\n", 0)
	b := NewKubectlBridge(logging.Discard(), runner, workload, bridgeOpts)

	require.NoError(t, b.RolloutStatus(context.Background(), "mlflow", 300*time.Second))
	assert.Contains(t, runner.Lines(), "docker exec platform-bootstrap sh -c kubectl -n apps rollout status deploy/mlflow --timeout=300s")
}

func helloDeployment(image string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "hello-api", Namespace: "apps"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "hello-api", Image: image}}},
			},
		},
	}
}

func TestRolloutWithClusterClient(t *testing.T) {
	client := fake.NewSimpleClientset(helloDeployment("registry.localhost:5002/hello-api:old"))
	orch := NewClusterClient(logging.Discard(), client, workload)
	v := NewVerifier(logging.Discard(), orch, nil, time.Second)
	v.ImageWait = poll.Options{Attempts: 2, Interval: time.Millisecond}

	image, err := v.Rollout(context.Background(), "registry.localhost:5002/hello-api:c1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "registry.localhost:5002/hello-api:c1", image)
}

// lagging reports the old image for a few reads after SetImage.
type lagging struct {
	image string
	lag   int
	reads int
}

func (l *lagging) Name() string { return "lagging" }

func (l *lagging) SetImage(ctx context.Context, image string) error {
	l.image = image
	return nil
}

func (l *lagging) CurrentImage(ctx context.Context) (string, error) {
	l.reads++
	if l.reads <= l.lag {
		return "registry.localhost:5002/hello-api:old", nil
	}
	return l.image, nil
}

func (l *lagging) ApplyConfig(ctx context.Context, manifest string) error { return nil }

func (l *lagging) RolloutStatus(ctx context.Context, deployment string, timeout time.Duration) error {
	return nil
}

func (l *lagging) Logs(ctx context.Context, tail int) (string, error) { return "", nil }

func TestRolloutWaitsForImage(t *testing.T) {
	orch := &lagging{lag: 2}
	v := NewVerifier(logging.Discard(), orch, nil, time.Second)
	v.ImageWait = poll.Options{Attempts: 5, Interval: time.Millisecond}

	_, err := v.Rollout(context.Background(), "registry.localhost:5002/hello-api:c1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, orch.reads)

	orch = &lagging{lag: 10}
	v = NewVerifier(logging.Discard(), orch, nil, time.Second)
	v.ImageWait = poll.Options{Attempts: 3, Interval: time.Millisecond}
	_, err = v.Rollout(context.Background(), "registry.localhost:5002/hello-api:c1", "c1")
	var notReady *poll.NotReadyError
	assert.ErrorAs(t, err, &notReady)
}

func demoServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/":
			w.Write([]byte(`{"message":"Hello from IDP demo"}`))
		case "/predict":
			var req struct {
				Features []float64 `json:"features"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, SampleFeatures, req.Features)
			w.Write([]byte(body))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestVerifyService(t *testing.T) {
	srv := demoServer(t, `{"class_id":0,"class_name":"setosa"}`)
	defer srv.Close()

	v := NewVerifier(logging.Discard(), &lagging{}, transport.NewHTTPClient(transport.WithTimeout(time.Second)), time.Second)
	v.ServiceWait = poll.Options{Attempts: 1, Interval: time.Millisecond}

	p, err := v.VerifyService(context.Background(), []string{"http://127.0.0.1:1", srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 0, *p.ClassID)
	assert.Equal(t, "setosa", *p.ClassName)
}

func TestPredictRequiresBothFields(t *testing.T) {
	srv := demoServer(t, `{"class_id":1}`)
	defer srv.Close()

	v := NewVerifier(logging.Discard(), &lagging{}, nil, time.Second)
	_, err := v.Predict(context.Background(), srv.URL+"/")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "class_name"))
}
