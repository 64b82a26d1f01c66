// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix KTY_)
//  3. Config file (config.yaml in . or /etc/kty/)
//  4. Compiled defaults
package config

// Viper keys for the serve command.
const (
	keyServeAddress           = "serve.address"
	keyServeMetricsAddress    = "serve.metrics_address"
	keyServeKeyPath           = "serve.key_path"
	keyServeNamespace         = "serve.namespace"
	keyServeInactivityTimeout = "serve.inactivity_timeout"
	keyServeNoCreate          = "serve.no_create"
	keyServeKeepOrphanedKeys  = "serve.keep_orphaned_keys"
	keyServePodName           = "serve.pod_name"
	keyServePodIP             = "serve.pod_ip"

	keyServeOpenIDConfiguration = "serve.openid.configuration"
	keyServeOpenIDClientID      = "serve.openid.client_id"
	keyServeOpenIDAudience      = "serve.openid.audience"
	keyServeOpenIDClaim         = "serve.openid.claim"

	keyServePty     = "serve.pty"
	keyServeSFTP    = "serve.sftp"
	keyServeIngress = "serve.ingress"
	keyServeEgress  = "serve.egress"
)

// Viper keys for the users commands.
const (
	keyUsersNamespace     = "users.namespace"
	keyUsersKeyPath       = "users.key_path"
	keyUsersKeyExpiration = "users.key_expiration"
	keyUsersGroups        = "users.groups"
)

// Viper keys for the resources commands.
const (
	keyInstallNamespace = "install.namespace"
	keyInstallDryRun    = "install.dry_run"
)
