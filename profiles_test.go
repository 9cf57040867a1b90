package testplane

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testhosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHostProfiles(t *testing.T) {
	path := writeProfiles(t, `
hosts:
  - name: dotnet
    executable: /usr/bin/dotnet-testhost
    args: ["--quiet"]
    version: v16.8.0
    env:
      DOTNET_NOLOGO: "1"
  - name: legacy
    executable: /opt/legacy/host
    version: v14.2.0
handshake_min_version: v15.0.0
`)

	profiles, err := LoadHostProfiles(path)
	require.NoError(t, err)
	require.Len(t, profiles.Hosts, 2)

	dotnet, err := profiles.Lookup("dotnet")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/dotnet-testhost", dotnet.Executable)
	assert.Equal(t, []string{"--quiet"}, dotnet.Args)
	assert.Equal(t, "1", dotnet.Env["DOTNET_NOLOGO"])
	assert.False(t, profiles.SkipVersionCheck(dotnet))

	legacy, err := profiles.Lookup("legacy")
	require.NoError(t, err)
	assert.True(t, profiles.SkipVersionCheck(legacy))

	_, err = profiles.Lookup("missing")
	assert.Error(t, err)
}

func TestLoadHostProfilesDefaultsHandshakeVersion(t *testing.T) {
	path := writeProfiles(t, `
hosts:
  - name: h
    executable: /bin/h
`)
	profiles, err := LoadHostProfiles(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultHandshakeMinVersion, profiles.HandshakeMinVersion)

	h, err := profiles.Lookup("h")
	require.NoError(t, err)
	// Version-less profiles are assumed current.
	assert.False(t, profiles.SkipVersionCheck(h))
}

func TestLoadHostProfilesValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "missing name",
			content: "hosts:\n  - executable: /bin/h\n",
			errMsg:  "no name",
		},
		{
			name:    "missing executable",
			content: "hosts:\n  - name: h\n",
			errMsg:  "no executable",
		},
		{
			name:    "bad version",
			content: "hosts:\n  - name: h\n    executable: /bin/h\n    version: sixteen\n",
			errMsg:  "not a valid semver",
		},
		{
			name:    "duplicate name",
			content: "hosts:\n  - name: h\n    executable: /bin/h\n  - name: h\n    executable: /bin/h2\n",
			errMsg:  "duplicate",
		},
		{
			name:    "bad handshake version",
			content: "hosts:\n  - name: h\n    executable: /bin/h\nhandshake_min_version: fifteen\n",
			errMsg:  "not a valid semver",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHostProfiles(writeProfiles(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadHostProfilesMissingFile(t *testing.T) {
	_, err := LoadHostProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
