package kubernetes

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

// GetClient builds a clientset from inline kubeconfig content, a kubeconfig
// path, or the in-cluster environment, in that order.
func GetClient(kubeConfigContent, kubeConfigPath string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error

	switch {
	case kubeConfigContent != "":
		config, err = clientcmd.RESTConfigFromKubeConfig([]byte(kubeConfigContent))
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig content: %w", err)
		}
	case kubeConfigPath != "":
		config, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig path: %w", err)
		}
	default:
		config, err = rest.InClusterConfig()
		if err != nil {
			kubeconfig := os.Getenv("HOME") + "/.kube/config"
			config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
			if err != nil {
				return nil, fmt.Errorf("failed to build config: %w", err)
			}
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return clientset, nil
}

// SetImage points container of the deployment at image.
func SetImage(ctx context.Context, client kubernetes.Interface, namespace, deployment, container, image string) error {
	deployments := client.AppsV1().Deployments(namespace)
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d, err := deployments.Get(ctx, deployment, metav1.GetOptions{})
		if err != nil {
			return err
		}
		found := false
		for i := range d.Spec.Template.Spec.Containers {
			if d.Spec.Template.Spec.Containers[i].Name == container {
				d.Spec.Template.Spec.Containers[i].Image = image
				found = true
			}
		}
		if !found {
			return fmt.Errorf("container %s not found in deployment %s/%s", container, namespace, deployment)
		}
		_, err = deployments.Update(ctx, d, metav1.UpdateOptions{})
		return err
	})
}

// CurrentImage returns the image of the deployment's first container.
func CurrentImage(ctx context.Context, client kubernetes.Interface, namespace, deployment string) (string, error) {
	d, err := client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get deployment: %w", err)
	}
	containers := d.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return "", fmt.Errorf("deployment %s/%s has no containers", namespace, deployment)
	}
	return containers[0].Image, nil
}

// RolloutComplete reports whether every replica of the latest generation is
// updated and available.
func RolloutComplete(ctx context.Context, client kubernetes.Interface, namespace, deployment string) (bool, error) {
	d, err := client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to get deployment: %w", err)
	}
	return rolloutComplete(d), nil
}

func rolloutComplete(d *appsv1.Deployment) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	return d.Status.UpdatedReplicas >= want &&
		d.Status.AvailableReplicas >= want &&
		d.Status.Replicas == d.Status.UpdatedReplicas
}

// ApplyConfigMap creates or replaces the ConfigMap described by manifest.
func ApplyConfigMap(ctx context.Context, client kubernetes.Interface, namespace, manifest string) error {
	obj, _, err := scheme.Codecs.UniversalDeserializer().Decode([]byte(manifest), nil, nil)
	if err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		return fmt.Errorf("manifest is a %T, not a ConfigMap", obj)
	}
	cm.Namespace = namespace

	configMaps := client.CoreV1().ConfigMaps(namespace)
	existing, err := configMaps.Get(ctx, cm.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := configMaps.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create configmap: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get configmap: %w", err)
	}

	cm.ResourceVersion = existing.ResourceVersion
	if _, err := configMaps.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update configmap: %w", err)
	}
	return nil
}

// GetPodLogs returns the last tailLines lines of every pod matching selector.
func GetPodLogs(ctx context.Context, client kubernetes.Interface, namespace, selector string, tailLines int64) (string, error) {
	podList, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", fmt.Errorf("failed to list pods: %w", err)
	}

	var b strings.Builder
	for _, pod := range podList.Items {
		req := client.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines:  &tailLines,
			Timestamps: true,
		})
		stream, err := req.Stream(ctx)
		if err != nil {
			fmt.Fprintf(&b, "--- %s: %v\n", pod.Name, err)
			continue
		}
		logs, err := io.ReadAll(stream)
		stream.Close()
		if err != nil {
			fmt.Fprintf(&b, "--- %s: %v\n", pod.Name, err)
			continue
		}
		fmt.Fprintf(&b, "--- %s\n%s", pod.Name, logs)
	}

	if b.Len() == 0 {
		return "No logs available", nil
	}
	return b.String(), nil
}
