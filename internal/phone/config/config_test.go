package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"-user", "alice",
		"-domain", "sip.net",
		"-proxy", "wss://x",
		"-refresh", "90s",
		"-refresh-policy", "fixed",
		"-contact-params", "transport=ws, ob",
		"-advertise", "127.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "sip.net", cfg.Domain)
	assert.Equal(t, "wss://x", cfg.Proxy)
	assert.Equal(t, 90*time.Second, cfg.SessionRefresh)
	assert.Equal(t, RefreshFixed, cfg.RefreshPolicy)
	assert.Equal(t, []string{"transport=ws", "ob"}, cfg.ContactParams)
	assert.Equal(t, "127.0.0.1", cfg.AdvertiseAddr)
	assert.True(t, cfg.RegisterMode)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFlags(t *testing.T) {
	t.Setenv("WEBPHONE_USERNAME", "bob")
	t.Setenv("WEBPHONE_REGISTER", "false")
	t.Setenv("WEBPHONE_CONTACT_PARAMS", "a=1,b=2")

	cfg, err := Load([]string{"-user", "alice", "-domain", "sip.net", "-advertise", "127.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, "bob", cfg.Username)
	assert.False(t, cfg.RegisterMode)
	assert.Equal(t, []string{"a=1", "b=2"}, cfg.ContactParams)
}

func TestLoadEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "phone.env")
	require.NoError(t, os.WriteFile(file, []byte("WEBPHONE_DOMAIN=file.example\nWEBPHONE_PASSWORD=pw\n"), 0o600))
	t.Setenv("ENV_FILE", file)
	t.Cleanup(func() {
		os.Unsetenv("WEBPHONE_DOMAIN")
		os.Unsetenv("WEBPHONE_PASSWORD")
	})

	cfg, err := Load([]string{"-user", "carol", "-advertise", "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "file.example", cfg.Domain)
	assert.True(t, cfg.HasCredentials())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"ok", func(*Config) {}, nil},
		{"no domain", func(c *Config) { c.Domain = "" }, ErrMissingOption},
		{"no user", func(c *Config) { c.Username = "" }, ErrMissingOption},
		{"bad policy", func(c *Config) { c.RefreshPolicy = "sometimes" }, ErrInvalidOption},
		{"sub-second expires", func(c *Config) { c.RegisterExpires = 500 * time.Millisecond }, ErrInvalidOption},
		{"one second expires", func(c *Config) { c.RegisterExpires = time.Second }, nil},
		{"zero refresh", func(c *Config) { c.SessionRefresh = 0 }, ErrInvalidOption},
		{"bad contact param", func(c *Config) { c.ContactParams = []string{"=x"} }, ErrInvalidOption},
		{"bad proxy scheme", func(c *Config) { c.Proxy = "smtp://x" }, ErrInvalidOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Domain = "sip.net"
			cfg.Username = "alice"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAuthUser(t *testing.T) {
	cfg := &Config{Username: "alice"}
	assert.Equal(t, "alice", cfg.AuthUser())
	cfg.Login = "alice-auth"
	assert.Equal(t, "alice-auth", cfg.AuthUser())
	assert.False(t, cfg.HasCredentials())
}

func TestParseProxy(t *testing.T) {
	tests := []struct {
		in        string
		transport string
		hostport  string
	}{
		{"wss://x", "wss", "x:443"},
		{"ws://edge.example.net:8080/ws", "ws", "edge.example.net:8080"},
		{"10.0.0.1", "udp", "10.0.0.1:5060"},
		{"tcp://10.0.0.1:5080", "tcp", "10.0.0.1:5080"},
		{"tls://[::1]", "tls", "[::1]:5061"},
	}
	for _, tt := range tests {
		transport, hostport, err := ParseProxy(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.transport, transport, tt.in)
		assert.Equal(t, tt.hostport, hostport, tt.in)
	}

	_, _, err := ParseProxy("wss://")
	assert.ErrorIs(t, err, ErrInvalidOption)
}
