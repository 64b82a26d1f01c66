package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/config"
	"github.com/kty-dev/kty/internal/identity"
	"github.com/kty-dev/kty/internal/openid"
	"github.com/kty-dev/kty/internal/ssh"
	"github.com/kty-dev/kty/internal/transport"
	"github.com/kty-dev/kty/internal/transport/http"
)

// NewServeCommand builds the serve command: the SSH gateway plus the
// metrics listener.
func NewServeCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the SSH gateway to the cluster API",
		Example: "kty serve --address=:2222 --openid-client-id=my-client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServeOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}

func runServe(ctx context.Context, conf *config.Config) error {
	cfg, err := restConfig()
	if err != nil {
		return fmt.Errorf("cluster config: %w", err)
	}

	ctrl, err := cluster.New(cfg, conf.ServeNamespace())
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	store := identity.NewStore(ctrl,
		identity.WithAutoCreate(!conf.ServeNoCreate()),
		identity.WithKeepOrphanedKeys(conf.ServeKeepOrphanedKeys()),
	)

	provider, err := openid.New(ctx,
		conf.ServeOpenIDConfiguration(),
		conf.ServeOpenIDClientID(),
		conf.ServeOpenIDAudience(),
		openid.WithClaim(conf.ServeOpenIDClaim()),
	)
	if err != nil {
		return fmt.Errorf("openid provider: %w", err)
	}

	signer, err := hostKey(conf)
	if err != nil {
		return err
	}

	pod := conf.ServePodName()
	if pod == "" {
		pod, _ = os.Hostname()
	}

	sshSrv := ssh.NewServer(conf.ServeAddress(), signer, store, provider, ctrl,
		ssh.WithFeatures(ssh.Features{
			Pty:     conf.ServePty(),
			SFTP:    conf.ServeSFTP(),
			Ingress: conf.ServeIngress(),
			Egress:  conf.ServeEgress(),
		}),
		ssh.WithInactivityTimeout(conf.ServeInactivityTimeout()),
		ssh.WithGateway(pod, conf.ServePodIP()),
	)

	httpSrv, err := http.NewServer(http.WithAddress(conf.ServeMetricsAddress()))
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}

	return transport.Serve(ctx, sshSrv, httpSrv)
}

// hostKey loads the configured host key, or generates an ephemeral
// one so ad-hoc runs work without an install.
func hostKey(conf *config.Config) (gossh.Signer, error) {
	if path := conf.ServeKeyPath(); path != "" {
		return ssh.LoadHostKey(path)
	}

	slog.Warn("no --key-path configured, generating an ephemeral host key; " +
		"clients will see a changed host identity on every restart")
	signer, _, err := ssh.GenerateHostKey()
	return signer, err
}
