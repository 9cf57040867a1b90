package testplane

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/testplane/testplane/flags"
)

// buildConfig runs NewConfig through a real cli app so flag parsing behaves
// exactly as in production.
func buildConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := &cli.App{
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, cfgErr = NewConfig(ctx, log.Root())
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"testplane"}, args...)))
	return cfg, cfgErr
}

func TestNewConfigWithHostBinary(t *testing.T) {
	cfg, err := buildConfig(t,
		"--source", "tests/checkout.dll",
		"--host-binary", "/usr/bin/testhost",
		"--connection-timeout", "30s",
	)
	require.NoError(t, err)

	assert.Len(t, cfg.Sources, 1)
	assert.True(t, len(cfg.Sources[0]) > 0 && cfg.Sources[0][0] == '/', "sources must be absolute")
	assert.Equal(t, "/usr/bin/testhost", cfg.HostStartInfo.ExecutablePath)
	assert.Equal(t, "testhost", cfg.HostName)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.False(t, cfg.SkipVersionCheck)
}

func TestNewConfigWithProfile(t *testing.T) {
	path := writeProfiles(t, `
hosts:
  - name: legacy
    executable: /opt/legacy/host
    args: ["--compat"]
    version: v14.0.0
`)
	cfg, err := buildConfig(t,
		"--source", "tests/legacy.dll",
		"--host-profiles", path,
		"--host", "legacy",
	)
	require.NoError(t, err)

	assert.Equal(t, "legacy", cfg.HostName)
	assert.Equal(t, "/opt/legacy/host", cfg.HostStartInfo.ExecutablePath)
	assert.Equal(t, []string{"--compat"}, cfg.HostStartInfo.Arguments)
	// v14 predates the handshake, so the profile forces the skip.
	assert.True(t, cfg.SkipVersionCheck)
}

func TestNewConfigRequiresHost(t *testing.T) {
	_, err := buildConfig(t, "--source", "tests/a.dll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host")
}

func TestNewConfigProfileNameRequired(t *testing.T) {
	path := writeProfiles(t, "hosts:\n  - name: h\n    executable: /bin/h\n")
	_, err := buildConfig(t, "--source", "a.dll", "--host-profiles", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile name")
}

func TestNewConfigSelectedTests(t *testing.T) {
	cfg, err := buildConfig(t,
		"--source", "a.dll",
		"--host-binary", "/bin/h",
		"--test", "Checkout.TestTotal",
		"--test", "Checkout.TestEmptyCart",
		"--discover-only",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"Checkout.TestTotal", "Checkout.TestEmptyCart"}, cfg.Tests)
	assert.True(t, cfg.DiscoverOnly)
}
