package config

import (
	"strings"
	"time"
)

// ConfigOption describes a single configuration entry: its viper key,
// the corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// ServeOptions defines the configuration entries available to the
// serve command. Each entry is registered as a viper default and a
// CLI flag.
var ServeOptions = []ConfigOption{
	{Key: keyServeAddress, Flag: toFlag(keyServeAddress), Default: ":2222", Description: "SSH listen address"},
	{Key: keyServeMetricsAddress, Flag: toFlag(keyServeMetricsAddress), Default: ":9091", Description: "Metrics and health listen address"},
	{Key: keyServeKeyPath, Flag: toFlag(keyServeKeyPath), Default: "", Description: "Host key path, generated in memory if empty"},
	{Key: keyServeNamespace, Flag: toFlag(keyServeNamespace), Default: "kty", Description: "Namespace Users and Keys live in"},
	{Key: keyServeInactivityTimeout, Flag: toFlag(keyServeInactivityTimeout), Default: time.Hour, Description: "Disconnect sessions idle for this long"},
	{Key: keyServeNoCreate, Flag: toFlag(keyServeNoCreate), Default: false, Description: "Do not auto-create Users on first login"},
	{Key: keyServeKeepOrphanedKeys, Flag: toFlag(keyServeKeepOrphanedKeys), Default: false, Description: "Keep Keys when their User is deleted"},
	{Key: keyServePodName, Flag: toFlag(keyServePodName), Default: "", Description: "Gateway pod name (downward API)"},
	{Key: keyServePodIP, Flag: toFlag(keyServePodIP), Default: "", Description: "Gateway pod IP (downward API)"},
	{Key: keyServeOpenIDConfiguration, Flag: toFlag(keyServeOpenIDConfiguration), Default: "https://kty.us.auth0.com/.well-known/openid-configuration", Description: "OpenID configuration document URL"},
	{Key: keyServeOpenIDClientID, Flag: toFlag(keyServeOpenIDClientID), Default: "", Description: "OpenID client id"},
	{Key: keyServeOpenIDAudience, Flag: toFlag(keyServeOpenIDAudience), Default: "", Description: "OpenID audience"},
	{Key: keyServeOpenIDClaim, Flag: toFlag(keyServeOpenIDClaim), Default: "email", Description: "Token claim used as the user id"},
	{Key: keyServePty, Flag: toFlag(keyServePty), Default: true, Description: "Enable the terminal dashboard"},
	{Key: keyServeSFTP, Flag: toFlag(keyServeSFTP), Default: true, Description: "Enable the SFTP subsystem"},
	{Key: keyServeIngress, Flag: toFlag(keyServeIngress), Default: true, Description: "Enable -L ingress tunnels"},
	{Key: keyServeEgress, Flag: toFlag(keyServeEgress), Default: true, Description: "Enable -R egress tunnels"},
}

// UsersOptions defines the configuration entries for the users
// commands.
var UsersOptions = []ConfigOption{
	{Key: keyUsersNamespace, Flag: toFlag(keyUsersNamespace), Default: "kty", Description: "Namespace Users and Keys live in"},
	{Key: keyUsersKeyPath, Flag: toFlag(keyUsersKeyPath), Default: "", Description: "Public key file to bind"},
	{Key: keyUsersKeyExpiration, Flag: toFlag(keyUsersKeyExpiration), Default: 8760 * time.Hour, Description: "Bound key lifetime"},
	{Key: keyUsersGroups, Flag: toFlag(keyUsersGroups), Default: []string{}, Description: "Groups carried by the identity"},
}

// InstallOptions defines the configuration entries for the resources
// commands.
var InstallOptions = []ConfigOption{
	{Key: keyInstallNamespace, Flag: toFlag(keyInstallNamespace), Default: "kty", Description: "Namespace to install into"},
	{Key: keyInstallDryRun, Flag: toFlag(keyInstallDryRun), Default: false, Description: "Validate without persisting"},
}

// toFlag converts a viper key like "serve.openid.client_id" into a
// CLI flag like "openid-client-id" by lower-casing, replacing dots
// and underscores with hyphens, and stripping the command prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "serve-")
	flag = strings.TrimPrefix(flag, "users-")
	flag = strings.TrimPrefix(flag, "install-")
	return flag
}
