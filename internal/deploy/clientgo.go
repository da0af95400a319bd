package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/gitopslab/e2e/internal/poll"
	k8s "github.com/gitopslab/e2e/pkg/kubernetes"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
)

// ClusterClient drives the workload through the API server directly, used
// when a kubeconfig is available to the harness.
type ClusterClient struct {
	client   kubernetes.Interface
	workload Workload
	log      logrus.FieldLogger
}

func NewClusterClient(log logrus.FieldLogger, client kubernetes.Interface, workload Workload) *ClusterClient {
	return &ClusterClient{client: client, workload: workload, log: log}
}

func (c *ClusterClient) Name() string {
	return "client-go"
}

func (c *ClusterClient) SetImage(ctx context.Context, image string) error {
	w := c.workload
	return k8s.SetImage(ctx, c.client, w.Namespace, w.Deployment, w.Container, image)
}

func (c *ClusterClient) CurrentImage(ctx context.Context) (string, error) {
	return k8s.CurrentImage(ctx, c.client, c.workload.Namespace, c.workload.Deployment)
}

func (c *ClusterClient) ApplyConfig(ctx context.Context, manifest string) error {
	return k8s.ApplyConfigMap(ctx, c.client, c.workload.Namespace, manifest)
}

func (c *ClusterClient) RolloutStatus(ctx context.Context, deployment string, timeout time.Duration) error {
	opts := poll.Options{Interval: 2 * time.Second, Timeout: timeout}
	_, err := poll.Until(ctx, c.log, "rollout of "+deployment, opts, func(ctx context.Context) (bool, error) {
		done, err := k8s.RolloutComplete(ctx, c.client, c.workload.Namespace, deployment)
		if err != nil {
			return false, err
		}
		if !done {
			return false, errors.New("rollout in progress")
		}
		return true, nil
	})
	return err
}

func (c *ClusterClient) Logs(ctx context.Context, tail int) (string, error) {
	return k8s.GetPodLogs(ctx, c.client, c.workload.Namespace, "app="+c.workload.Deployment, int64(tail))
}
