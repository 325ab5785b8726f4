// Package kubernetes runs task environments as bare pods.
package kubernetes

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// RestConfig resolves cluster credentials: in-cluster first, then kubeconfig (the given
// path or ~/.kube/config).
func RestConfig(kubeconfig string, logger *slog.Logger) (*rest.Config, error) {
	if kubeconfig == "" {
		config, err := rest.InClusterConfig()
		if err == nil {
			return config, nil
		}
		logger.Info("in-cluster config not available, trying kubeconfig", "error", err)
		kubeconfig = filepath.Join(homeDir(), ".kube", "config")
	}
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	logger.Info("using kubeconfig", "path", kubeconfig)
	return config, nil
}

// NewClients returns the core and metrics clientsets for config.
func NewClients(config *rest.Config) (kubernetes.Interface, metricsv.Interface, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	metrics, err := metricsv.NewForConfig(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics clientset: %w", err)
	}
	return clientset, metrics, nil
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}
