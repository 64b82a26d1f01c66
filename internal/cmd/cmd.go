// Package cmd defines the Cobra subcommands (serve, users, resources)
// and the cluster access they share. It bridges configuration and the
// transport/application layers.
package cmd

import (
	"log/slog"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// restConfig returns a *rest.Config for cluster API access. Inside a
// pod the in-cluster config wins; otherwise the user's kubeconfig is
// used, which keeps the CLI usable from a workstation.
func restConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		slog.Debug("in-cluster config not available, falling back to kubeconfig", "error", err)
		return clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
	}
	return cfg, nil
}
