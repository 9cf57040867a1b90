package testplane

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testplane/testplane/flags"
	"github.com/testplane/testplane/protocol"
)

// Config holds the application configuration
type Config struct {
	Sources           []string      // Test containers to discover or run
	Tests             []string      // Selected test cases; empty runs everything
	DiscoverOnly      bool          // List tests without executing them
	HostStartInfo     protocol.ProcessStartInfo
	HostName          string        // Display name of the chosen host
	ConnectionTimeout time.Duration // How long to wait for the host's dial-back
	SkipVersionCheck  bool          // Suppress the protocol version handshake
	DiagDir           string        // Directory for host diagnostic logs
	MetricsEnabled    bool          // Serve metrics and health endpoints
	Log               log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	// Parse flags
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	sources := ctx.StringSlice(flags.Sources.Name)
	if len(sources) == 0 {
		return nil, errors.New("at least one test source is required")
	}

	// Resolve sources to absolute paths so the host's working directory does
	// not change their meaning.
	absSources := make([]string, 0, len(sources))
	for _, s := range sources {
		abs, err := filepath.Abs(s)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for source '%s': %w", s, err)
		}
		absSources = append(absSources, abs)
	}

	hostName, startInfo, skipHandshake, err := resolveHost(ctx)
	if err != nil {
		return nil, err
	}

	diagDir := ctx.String(flags.DiagDir.Name)
	if diagDir != "" {
		diagDir, err = filepath.Abs(diagDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for diag directory: %w", err)
		}
	}

	return &Config{
		Sources:           absSources,
		Tests:             ctx.StringSlice(flags.Tests.Name),
		DiscoverOnly:      ctx.Bool(flags.DiscoverOnly.Name),
		HostStartInfo:     startInfo,
		HostName:          hostName,
		ConnectionTimeout: ctx.Duration(flags.ConnectionTimeout.Name),
		SkipVersionCheck:  ctx.Bool(flags.SkipVersionCheck.Name) || skipHandshake,
		DiagDir:           diagDir,
		MetricsEnabled:    ctx.Bool(flags.MetricsEnabled.Name),
		Log:               log,
	}, nil
}

// resolveHost turns the host flags into a concrete start info: an explicit
// binary wins, otherwise a named profile from the YAML file.
func resolveHost(ctx *cli.Context) (name string, info protocol.ProcessStartInfo, skipHandshake bool, err error) {
	binary := ctx.String(flags.HostBinary.Name)
	profilesPath := ctx.String(flags.HostProfiles.Name)
	profileName := ctx.String(flags.HostProfile.Name)

	if binary != "" && profilesPath == "" {
		abs, err := filepath.Abs(binary)
		if err != nil {
			return "", protocol.ProcessStartInfo{}, false, fmt.Errorf("failed to resolve absolute path for host binary '%s': %w", binary, err)
		}
		return filepath.Base(abs), protocol.ProcessStartInfo{ExecutablePath: abs}, false, nil
	}

	if profilesPath == "" {
		return "", protocol.ProcessStartInfo{}, false, errors.New("either a host binary or a host profile file is required")
	}

	profiles, err := LoadHostProfiles(profilesPath)
	if err != nil {
		return "", protocol.ProcessStartInfo{}, false, err
	}
	if profileName == "" {
		return "", protocol.ProcessStartInfo{}, false, errors.New("a host profile name is required when using a profile file")
	}
	profile, err := profiles.Lookup(profileName)
	if err != nil {
		return "", protocol.ProcessStartInfo{}, false, err
	}

	info = protocol.ProcessStartInfo{
		ExecutablePath:       profile.Executable,
		Arguments:            profile.Args,
		WorkingDirectory:     profile.WorkDir,
		EnvironmentVariables: profile.Env,
	}
	if binary != "" {
		info.ExecutablePath = binary
	}
	return profile.Name, info, profiles.SkipVersionCheck(profile), nil
}
