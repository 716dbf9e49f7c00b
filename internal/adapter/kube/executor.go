// Package kube implements the deploy executor port against a Kubernetes
// cluster using client-go.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/port/deploy"
)

const (
	appName      = "photoprism"
	managedByKey = "app.kubernetes.io/managed-by"
	managedBy    = "provisioner"
)

// Executor implements deploy.Executor using a Kubernetes clientset.
type Executor struct {
	clientset    kubernetes.Interface
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates an Executor from the given config. An empty kubeconfig path
// selects in-cluster credentials.
func New(cfg config.Kube, logger *slog.Logger) (*Executor, error) {
	restCfg, err := buildConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kube config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kube clientset: %w", err)
	}

	return &Executor{
		clientset:    clientset,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}, nil
}

func buildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

// Apply creates or updates the tenant stack. Declarative and idempotent:
// re-applying the same spec converges to the same cluster state.
func (e *Executor) Apply(ctx context.Context, spec deploy.StackSpec) error {
	if err := e.ensureNamespace(ctx, spec); err != nil {
		return err
	}
	if err := e.ensureSecret(ctx, spec); err != nil {
		return err
	}
	if err := e.ensurePVC(ctx, spec); err != nil {
		return err
	}
	if err := e.ensureDeployment(ctx, spec); err != nil {
		return err
	}
	if err := e.ensureService(ctx, spec); err != nil {
		return err
	}
	e.logger.Info("stack applied", "namespace", spec.Namespace, "tenant", spec.TenantID)
	return nil
}

func (e *Executor) ensureNamespace(ctx context.Context, spec deploy.StackSpec) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: spec.Namespace,
			Labels: map[string]string{
				managedByKey: managedBy,
				"tenant":     spec.TenantID,
			},
		},
	}
	_, err := e.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace %s: %w", spec.Namespace, err)
	}
	return nil
}

func (e *Executor) ensureSecret(ctx context.Context, spec deploy.StackSpec) error {
	data := make(map[string][]byte, len(spec.Env))
	for k, v := range spec.Env {
		data[k] = []byte(v)
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appName + "-env",
			Namespace: spec.Namespace,
			Labels:    map[string]string{managedByKey: managedBy},
		},
		Data: data,
	}
	_, err := e.clientset.CoreV1().Secrets(spec.Namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = e.clientset.CoreV1().Secrets(spec.Namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("ensure secret: %w", err)
	}
	return nil
}

func (e *Executor) ensurePVC(ctx context.Context, spec deploy.StackSpec) error {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appName + "-originals",
			Namespace: spec.Namespace,
			Labels:    map[string]string{managedByKey: managedBy},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(fmt.Sprintf("%dGi", spec.StorageGiB)),
				},
			},
		},
	}
	_, err := e.clientset.CoreV1().PersistentVolumeClaims(spec.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("ensure pvc: %w", err)
	}
	return nil
}

func (e *Executor) ensureDeployment(ctx context.Context, spec deploy.StackSpec) error {
	labels := map[string]string{
		"app":        appName,
		managedByKey: managedBy,
	}
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appName,
			Namespace: spec.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  appName,
						Image: "photoprism/photoprism:latest",
						Ports: []corev1.ContainerPort{{ContainerPort: 2342}},
						EnvFrom: []corev1.EnvFromSource{{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: appName + "-env"},
							},
						}},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(spec.CPULimit),
								corev1.ResourceMemory: resource.MustParse(spec.MemLimit),
							},
						},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "originals",
							MountPath: "/photoprism/originals",
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: "originals",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
								ClaimName: appName + "-originals",
							},
						},
					}},
				},
			},
		},
	}
	_, err := e.clientset.AppsV1().Deployments(spec.Namespace).Create(ctx, dep, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = e.clientset.AppsV1().Deployments(spec.Namespace).Update(ctx, dep, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("ensure deployment: %w", err)
	}
	return nil
}

func (e *Executor) ensureService(ctx context.Context, spec deploy.StackSpec) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appName,
			Namespace: spec.Namespace,
			Labels:    map[string]string{managedByKey: managedBy},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": appName},
			Ports:    []corev1.ServicePort{{Port: 80, TargetPort: intstr.FromInt32(2342)}},
		},
	}
	_, err := e.clientset.CoreV1().Services(spec.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("ensure service: %w", err)
	}
	return nil
}

// WaitReady polls deployments in the namespace until every one reports its
// desired replica count ready, or the timeout elapses.
func (e *Executor) WaitReady(ctx context.Context, namespace string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := e.allReady(ctx, namespace)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wait ready %s: %w", namespace, domain.ErrExternalTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) allReady(ctx context.Context, namespace string) (bool, error) {
	deps, err := e.clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("list deployments %s: %w", namespace, err)
	}
	if len(deps.Items) == 0 {
		return false, nil
	}
	for _, d := range deps.Items {
		want := int32(1)
		if d.Spec.Replicas != nil {
			want = *d.Spec.Replicas
		}
		if d.Status.ReadyReplicas < want {
			return false, nil
		}
	}
	return true, nil
}

// Restart triggers a rolling restart by stamping the pod template.
func (e *Executor) Restart(ctx context.Context, namespace, workload string) error {
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"provisioner/restarted-at":%q}}}}}`,
		time.Now().Format(time.RFC3339))
	_, err := e.clientset.AppsV1().Deployments(namespace).Patch(ctx, workload,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("restart %s/%s: %w", namespace, workload, err)
	}
	return nil
}

// Scale patches the workload's resource limits.
func (e *Executor) Scale(ctx context.Context, namespace, workload, cpu, memory string) error {
	patch := fmt.Sprintf(
		`{"spec":{"template":{"spec":{"containers":[{"name":%q,"resources":{"limits":{"cpu":%q,"memory":%q}}}]}}}}`,
		workload, cpu, memory)
	_, err := e.clientset.AppsV1().Deployments(namespace).Patch(ctx, workload,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("scale %s/%s: %w", namespace, workload, err)
	}
	return nil
}

// Teardown removes the tenant stack by deleting its namespace. Deleting an
// absent namespace succeeds, which keeps compensation idempotent.
func (e *Executor) Teardown(ctx context.Context, namespace string) error {
	err := e.clientset.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("teardown %s: %w", namespace, err)
	}
	return nil
}

// Volumes lists the persistent volume claims in the namespace with their
// requested capacity and bind state.
func (e *Executor) Volumes(ctx context.Context, namespace string) ([]deploy.Volume, error) {
	pvcs, err := e.clientset.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pvcs %s: %w", namespace, err)
	}

	volumes := make([]deploy.Volume, 0, len(pvcs.Items))
	for _, pvc := range pvcs.Items {
		var capacityGB int64
		if q, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			capacityGB = q.Value() / (1 << 30)
		}
		volumes = append(volumes, deploy.Volume{
			Name:       pvc.Name,
			CapacityGB: capacityGB,
			Bound:      pvc.Status.Phase == corev1.ClaimBound,
		})
	}
	return volumes, nil
}

func int32Ptr(i int32) *int32 { return &i }
