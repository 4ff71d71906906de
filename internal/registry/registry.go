// Package registry is a read-only Kubernetes discovery port used only to
// enrich ServiceInstance metadata with cluster-observed labels when a
// heartbeat's host/port match a Kubernetes Endpoints/Pod the plane can
// see. It is never authoritative and never blocks heartbeat ingestion:
// every method degrades to an empty result rather than failing the
// caller, matching the same degraded-soft policy as the CSoT/IdP
// adapters.
package registry

import (
	"context"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Registry is the read-only service-discovery port.
type Registry interface {
	// Labels returns the labels of whatever Pod backs
	// host:port in namespace, or nil (not an error) if nothing matches.
	Labels(ctx context.Context, namespace, host string, port int) (map[string]string, error)
	Health(ctx context.Context) error
	Close() error
}

// Config configures the in-cluster client.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults for in-cluster use.
func DefaultConfig() *Config {
	return &Config{Timeout: 10 * time.Second, Logger: slog.Default()}
}

// k8sRegistry implements Registry over k8s.io/client-go.
type k8sRegistry struct {
	clientset kubernetes.Interface
	cfg       *Config
	logger    *slog.Logger
}

// New builds a Registry from in-cluster configuration.
func New(cfg *Config) (Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	restConfig.Timeout = cfg.Timeout

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, err
	}

	return &k8sRegistry{clientset: clientset, cfg: cfg, logger: cfg.Logger}, nil
}

// Labels looks up the Pod whose status matches host:port via the
// namespace's Endpoints, returning its labels. Any lookup failure is
// logged and returns (nil, nil) — discovery is best-effort.
func (r *k8sRegistry) Labels(ctx context.Context, namespace, host string, port int) (map[string]string, error) {
	endpoints, err := r.clientset.CoreV1().Endpoints(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		r.logger.Warn("registry endpoints list failed", "namespace", namespace, "error", err)
		return nil, nil
	}

	podName := findPodForAddress(endpoints.Items, host, port)
	if podName == "" {
		return nil, nil
	}

	pod, err := r.clientset.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		r.logger.Warn("registry pod lookup failed", "namespace", namespace, "pod", podName, "error", err)
		return nil, nil
	}
	return pod.Labels, nil
}

func findPodForAddress(items []corev1.Endpoints, host string, port int) string {
	for _, ep := range items {
		for _, subset := range ep.Subsets {
			if !subsetHasPort(subset, port) {
				continue
			}
			for _, addr := range subset.Addresses {
				if addr.IP == host && addr.TargetRef != nil && addr.TargetRef.Kind == "Pod" {
					return addr.TargetRef.Name
				}
			}
		}
	}
	return ""
}

func subsetHasPort(subset corev1.EndpointSubset, port int) bool {
	for _, p := range subset.Ports {
		if int(p.Port) == port {
			return true
		}
	}
	return false
}

// Health reports whether the Kubernetes API is reachable.
func (r *k8sRegistry) Health(ctx context.Context) error {
	_, err := r.clientset.Discovery().ServerVersion()
	return err
}

// Close is a no-op; the underlying clientset holds no resources that
// need releasing.
func (r *k8sRegistry) Close() error { return nil }
