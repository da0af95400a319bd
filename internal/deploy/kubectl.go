package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gitopslab/e2e/internal/transport"
	"github.com/sirupsen/logrus"
)

// apiServerPort is the in-network port of the k3d server node.
const apiServerPort = 6443

type BridgeOptions struct {
	// Helper is the long-lived container that already has cluster access.
	Helper string
	// Image, Network and DockerSocket describe the ephemeral fallback.
	Image        string
	Network      string
	DockerSocket string
	Cluster      string
}

// KubectlBridge runs kubectl through a helper container, either the
// running bootstrap container or a throwaway one that derives a kubeconfig
// from the k3d server address first.
type KubectlBridge struct {
	opts     BridgeOptions
	workload Workload
	runner   transport.Runner
	log      logrus.FieldLogger
}

func NewKubectlBridge(log logrus.FieldLogger, runner transport.Runner, workload Workload, opts BridgeOptions) *KubectlBridge {
	return &KubectlBridge{opts: opts, workload: workload, runner: runner, log: log}
}

func (b *KubectlBridge) Name() string {
	return "kubectl:" + b.opts.Helper
}

// Invoke runs script in a shell that has kubectl configured.
func (b *KubectlBridge) Invoke(ctx context.Context, script string) (string, error) {
	out, err := b.invokeHelper(ctx, script)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	b.log.Debugf("Helper %s unavailable: %v", b.opts.Helper, err)

	ip, err := b.serverIP(ctx)
	if err != nil {
		return "", err
	}

	res, err := b.runner.Run(ctx, transport.Command{
		Argv: []string{
			"docker", "run", "--rm", "--network", b.opts.Network,
			"-e", "DOCKER_HOST=unix:///var/run/podman/podman.sock",
			"-v", b.opts.DockerSocket + ":/var/run/podman/podman.sock",
			b.opts.Image, "sh", "-c", b.ephemeralScript(ip, script),
		},
		Strict: true,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

var errNoHelper = errors.New("helper container not running")

func (b *KubectlBridge) invokeHelper(ctx context.Context, script string) (string, error) {
	res, err := b.runner.Run(ctx, transport.Command{Argv: []string{"docker", "ps", "-q", "-f", "name=" + b.opts.Helper}})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return "", errNoHelper
	}
	res, err = b.runner.Run(ctx, transport.Command{
		Argv:   []string{"docker", "exec", b.opts.Helper, "sh", "-c", script},
		Strict: true,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (b *KubectlBridge) serverIP(ctx context.Context) (string, error) {
	node := fmt.Sprintf("k3d-%s-server-0", b.opts.Cluster)
	res, err := b.runner.Run(ctx, transport.Command{
		Argv: []string{"docker", "inspect", "-f", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", node},
	})
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(res.Stdout)
	if ip == "" {
		return "", fmt.Errorf("could not find address of %s", node)
	}
	return ip, nil
}

func (b *KubectlBridge) ephemeralScript(ip, script string) string {
	return fmt.Sprintf(`
set -e
export DOCKER_HOST=unix:///var/run/podman/podman.sock
mkdir -p /root/.kube
k3d kubeconfig get %[1]s > /root/.kube/config
sed -i 's|https://0.0.0.0:[0-9]*|https://127.0.0.1:%[2]d|g' /root/.kube/config
sed -i 's|https://localhost:[0-9]*|https://127.0.0.1:%[2]d|g' /root/.kube/config
sed -i 's|127.0.0.1|%[3]s|g' /root/.kube/config
%[4]s
`, b.opts.Cluster, apiServerPort, ip, script)
}

func (b *KubectlBridge) SetImage(ctx context.Context, image string) error {
	w := b.workload
	_, err := b.Invoke(ctx, fmt.Sprintf("kubectl -n %s set image deploy/%s %s=%s --record=false", w.Namespace, w.Deployment, w.Container, image))
	return err
}

func (b *KubectlBridge) CurrentImage(ctx context.Context) (string, error) {
	w := b.workload
	out, err := b.Invoke(ctx, fmt.Sprintf("kubectl -n %s get deploy %s -o jsonpath='{.spec.template.spec.containers[0].image}'", w.Namespace, w.Deployment))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *KubectlBridge) ApplyConfig(ctx context.Context, manifest string) error {
	_, err := b.Invoke(ctx, fmt.Sprintf("cat <<'EOF' | kubectl -n %s apply -f -\n%s\nEOF", b.workload.Namespace, manifest))
	return err
}

func (b *KubectlBridge) RolloutStatus(ctx context.Context, deployment string, timeout time.Duration) error {
	_, err := b.Invoke(ctx, fmt.Sprintf("kubectl -n %s rollout status deploy/%s --timeout=%ds", b.workload.Namespace, deployment, int(timeout.Seconds())))
	return err
}

func (b *KubectlBridge) Logs(ctx context.Context, tail int) (string, error) {
	w := b.workload
	return b.Invoke(ctx, fmt.Sprintf("kubectl -n %s logs deploy/%s --all-containers --tail=%d", w.Namespace, w.Deployment, tail))
}
