package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance holding the merged configuration.
type Config struct {
	v *viper.Viper
}

// New loads defaults, the optional config file, and the environment.
func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, options := range [][]ConfigOption{ServeOptions, UsersOptions, InstallOptions} {
		for _, o := range options {
			v.SetDefault(o.Key, o.Default)
		}
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kty/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("KTY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers each option as a CLI flag on fs and binds it to
// the viper key so flags take precedence.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServeAddress() string {
	return c.v.GetString(keyServeAddress) // KTY_SERVE_ADDRESS
}

func (c *Config) ServeMetricsAddress() string {
	return c.v.GetString(keyServeMetricsAddress) // KTY_SERVE_METRICS_ADDRESS
}

func (c *Config) ServeKeyPath() string {
	return c.v.GetString(keyServeKeyPath) // KTY_SERVE_KEY_PATH
}

func (c *Config) ServeNamespace() string {
	return c.v.GetString(keyServeNamespace) // KTY_SERVE_NAMESPACE
}

func (c *Config) ServeInactivityTimeout() time.Duration {
	return c.v.GetDuration(keyServeInactivityTimeout) // KTY_SERVE_INACTIVITY_TIMEOUT
}

func (c *Config) ServeNoCreate() bool {
	return c.v.GetBool(keyServeNoCreate) // KTY_SERVE_NO_CREATE
}

func (c *Config) ServeKeepOrphanedKeys() bool {
	return c.v.GetBool(keyServeKeepOrphanedKeys) // KTY_SERVE_KEEP_ORPHANED_KEYS
}

func (c *Config) ServePodName() string {
	return c.v.GetString(keyServePodName) // KTY_SERVE_POD_NAME
}

func (c *Config) ServePodIP() string {
	return c.v.GetString(keyServePodIP) // KTY_SERVE_POD_IP
}

func (c *Config) ServeOpenIDConfiguration() string {
	return c.v.GetString(keyServeOpenIDConfiguration) // KTY_SERVE_OPENID_CONFIGURATION
}

func (c *Config) ServeOpenIDClientID() string {
	return c.v.GetString(keyServeOpenIDClientID) // KTY_SERVE_OPENID_CLIENT_ID
}

func (c *Config) ServeOpenIDAudience() string {
	return c.v.GetString(keyServeOpenIDAudience) // KTY_SERVE_OPENID_AUDIENCE
}

func (c *Config) ServeOpenIDClaim() string {
	return c.v.GetString(keyServeOpenIDClaim) // KTY_SERVE_OPENID_CLAIM
}

func (c *Config) ServePty() bool {
	return c.v.GetBool(keyServePty) // KTY_SERVE_PTY
}

func (c *Config) ServeSFTP() bool {
	return c.v.GetBool(keyServeSFTP) // KTY_SERVE_SFTP
}

func (c *Config) ServeIngress() bool {
	return c.v.GetBool(keyServeIngress) // KTY_SERVE_INGRESS
}

func (c *Config) ServeEgress() bool {
	return c.v.GetBool(keyServeEgress) // KTY_SERVE_EGRESS
}

func (c *Config) UsersNamespace() string {
	return c.v.GetString(keyUsersNamespace) // KTY_USERS_NAMESPACE
}

func (c *Config) UsersKeyPath() string {
	return c.v.GetString(keyUsersKeyPath) // KTY_USERS_KEY_PATH
}

func (c *Config) UsersKeyExpiration() time.Duration {
	return c.v.GetDuration(keyUsersKeyExpiration) // KTY_USERS_KEY_EXPIRATION
}

func (c *Config) UsersGroups() []string {
	return c.v.GetStringSlice(keyUsersGroups) // KTY_USERS_GROUPS
}

func (c *Config) InstallNamespace() string {
	return c.v.GetString(keyInstallNamespace) // KTY_INSTALL_NAMESPACE
}

func (c *Config) InstallDryRun() bool {
	return c.v.GetBool(keyInstallDryRun) // KTY_INSTALL_DRY_RUN
}
