// Package deploy drives the orchestrator to the image of a commit and checks
// the deployed service answers.
package deploy

import (
	"context"
	"time"
)

// Workload identifies the container whose image is driven.
type Workload struct {
	Namespace  string
	Deployment string
	Container  string
}

// Orchestrator is the imperative surface of the cluster.
type Orchestrator interface {
	Name() string
	SetImage(ctx context.Context, image string) error
	CurrentImage(ctx context.Context) (string, error)
	// ApplyConfig creates or replaces the ConfigMap in manifest.
	ApplyConfig(ctx context.Context, manifest string) error
	// RolloutStatus blocks until deployment has finished rolling out.
	RolloutStatus(ctx context.Context, deployment string, timeout time.Duration) error
	Logs(ctx context.Context, tail int) (string, error)
}
