// Package main is the entry point for the kty binary. Subcommands:
//
//   - serve:     runs the SSH gateway and the metrics listener
//   - users:     manages Users, bound keys, and role grants
//   - resources: installs or removes the gateway's cluster resources
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kty-dev/kty/internal/cmd"
	"github.com/kty-dev/kty/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root Cobra command
// and registers the subcommands.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "kty",
		Short:         "kty: an SSH gateway to the Kubernetes cluster API.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd, err := cmd.NewServeCommand(conf)
	if err != nil {
		return nil, err
	}

	usersCmd, err := cmd.NewUsersCommand(conf)
	if err != nil {
		return nil, err
	}

	resourcesCmd, err := cmd.NewResourcesCommand(conf)
	if err != nil {
		return nil, err
	}

	c.AddCommand(serveCmd, usersCmd, resourcesCmd)

	return c, nil
}
