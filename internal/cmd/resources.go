package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kty-dev/kty/internal/config"
	"github.com/kty-dev/kty/internal/install"
	"github.com/kty-dev/kty/internal/ssh"
)

// NewResourcesCommand builds the resources command tree: crd, install
// and delete.
func NewResourcesCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Manage the gateway's cluster resources",
	}

	if err := conf.BindFlags(cmd.PersistentFlags(), config.InstallOptions); err != nil {
		return nil, err
	}

	cmd.AddCommand(
		newResourcesCRDCommand(),
		newResourcesInstallCommand(conf),
		newResourcesDeleteCommand(conf),
	)

	return cmd, nil
}

func newResourcesCRDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "crd",
		Short: "Print the User and Key CustomResourceDefinitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := install.CRDs()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newResourcesInstallCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "install",
		Short:   "Install the gateway into the cluster",
		Example: "kty resources install --namespace kty",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			installer, err := newInstaller()
			if err != nil {
				return err
			}

			// A fresh host key lands in the bundle Secret so the
			// deployment has a stable identity from first boot.
			_, hostKey, err := ssh.GenerateHostKey()
			if err != nil {
				return err
			}

			opts := install.Options{
				Namespace: conf.InstallNamespace(),
				HostKey:   hostKey,
				DryRun:    conf.InstallDryRun(),
			}
			if err := installer.Run(cmd.Context(), opts); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "installed kty into namespace %s\n", opts.Namespace)
			return nil
		},
	}
}

func newResourcesDeleteCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the gateway from the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			installer, err := newInstaller()
			if err != nil {
				return err
			}

			opts := install.Options{Namespace: conf.InstallNamespace()}
			if err := installer.Delete(cmd.Context(), opts); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted kty from namespace %s\n", opts.Namespace)
			return nil
		},
	}
}

func newInstaller() (*install.Installer, error) {
	cfg, err := restConfig()
	if err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}
	return install.New(cfg)
}
