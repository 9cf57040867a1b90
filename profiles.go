package testplane

import (
	"fmt"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// HostProfile describes one known test host executable.
type HostProfile struct {
	Name       string   `yaml:"name"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,omitempty"`
	WorkDir    string   `yaml:"workdir,omitempty"`

	// Version is the host's advertised version (semver, "v" prefixed). Hosts
	// older than the handshake cutoff never receive a version check.
	Version string `yaml:"version,omitempty"`

	Env map[string]string `yaml:"env,omitempty"`
}

// HostProfiles is the on-disk YAML profile file.
type HostProfiles struct {
	Hosts []HostProfile `yaml:"hosts"`

	// HandshakeMinVersion is the oldest host version that understands the
	// protocol version check. Defaults to DefaultHandshakeMinVersion.
	HandshakeMinVersion string `yaml:"handshake_min_version,omitempty"`
}

// DefaultHandshakeMinVersion is the first host release that replies to a
// version check instead of dropping the message.
const DefaultHandshakeMinVersion = "v15.0.0"

// LoadHostProfiles reads and validates a YAML profile file.
func LoadHostProfiles(path string) (*HostProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host profiles: %w", err)
	}
	var profiles HostProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parsing host profiles %q: %w", path, err)
	}
	if profiles.HandshakeMinVersion == "" {
		profiles.HandshakeMinVersion = DefaultHandshakeMinVersion
	}
	if !semver.IsValid(profiles.HandshakeMinVersion) {
		return nil, fmt.Errorf("handshake_min_version %q is not a valid semver", profiles.HandshakeMinVersion)
	}

	seen := make(map[string]struct{})
	for i, h := range profiles.Hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("host profile %d has no name", i)
		}
		if h.Executable == "" {
			return nil, fmt.Errorf("host profile %q has no executable", h.Name)
		}
		if h.Version != "" && !semver.IsValid(h.Version) {
			return nil, fmt.Errorf("host profile %q version %q is not a valid semver", h.Name, h.Version)
		}
		if _, ok := seen[h.Name]; ok {
			return nil, fmt.Errorf("duplicate host profile %q", h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	return &profiles, nil
}

// Lookup returns the profile with the given name.
func (p *HostProfiles) Lookup(name string) (HostProfile, error) {
	for _, h := range p.Hosts {
		if h.Name == name {
			return h, nil
		}
	}
	return HostProfile{}, fmt.Errorf("no host profile named %q", name)
}

// SkipVersionCheck reports whether the profile's host predates the version
// handshake. A profile without a version is assumed current.
func (p *HostProfiles) SkipVersionCheck(h HostProfile) bool {
	if h.Version == "" {
		return false
	}
	return semver.Compare(h.Version, p.HandshakeMinVersion) < 0
}
