// Package deploy defines the deployment executor port (interface).
package deploy

import (
	"context"
	"time"
)

// StackSpec describes one tenant stack to deploy.
type StackSpec struct {
	Namespace  string            `json:"namespace"`
	TenantID   string            `json:"tenant_id"`
	Domain     string            `json:"domain"`
	Env        map[string]string `json:"env"`
	CPULimit   string            `json:"cpu_limit"`
	MemLimit   string            `json:"mem_limit"`
	StorageGiB int               `json:"storage_gib"`
}

// Volume is one persistent volume claim backing a tenant namespace.
type Volume struct {
	Name       string `json:"name"`
	CapacityGB int64  `json:"capacity_gb"`
	Bound      bool   `json:"bound"`
}

// Executor is the port interface for deploying tenant workloads.
//
// Apply is declarative and idempotent: re-applying the same spec converges
// to the same cluster state.
type Executor interface {
	// Apply creates or updates the tenant stack.
	Apply(ctx context.Context, spec StackSpec) error

	// WaitReady blocks until all workloads in the namespace report ready,
	// polling until timeout.
	WaitReady(ctx context.Context, namespace string, timeout time.Duration) error

	// Restart triggers a rolling restart of the named workload.
	Restart(ctx context.Context, namespace, workload string) error

	// Scale patches the workload's resource requests.
	Scale(ctx context.Context, namespace, workload string, cpu, memory string) error

	// Teardown removes the tenant stack (compensation for Apply).
	Teardown(ctx context.Context, namespace string) error

	// Volumes reports the persistent volumes in the namespace.
	Volumes(ctx context.Context, namespace string) ([]Volume, error)
}
