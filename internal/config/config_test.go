package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := c.ServeAddress(); got != ":2222" {
		t.Errorf("ServeAddress = %q, want :2222", got)
	}
	if got := c.ServeOpenIDClaim(); got != "email" {
		t.Errorf("ServeOpenIDClaim = %q, want email", got)
	}
	if got := c.ServeInactivityTimeout(); got != time.Hour {
		t.Errorf("ServeInactivityTimeout = %v, want 1h", got)
	}
	if !c.ServePty() || !c.ServeSFTP() || !c.ServeIngress() || !c.ServeEgress() {
		t.Error("feature gates should default to enabled")
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	if err := c.BindFlags(fs, ServeOptions); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse([]string{"--address", ":2022", "--egress=false", "--inactivity-timeout", "30m"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := c.ServeAddress(); got != ":2022" {
		t.Errorf("ServeAddress = %q, want :2022", got)
	}
	if c.ServeEgress() {
		t.Error("ServeEgress = true, want false after --egress=false")
	}
	if got := c.ServeInactivityTimeout(); got != 30*time.Minute {
		t.Errorf("ServeInactivityTimeout = %v, want 30m", got)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("KTY_SERVE_NAMESPACE", "gateway")

	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := c.ServeNamespace(); got != "gateway" {
		t.Errorf("ServeNamespace = %q, want gateway", got)
	}
}
