package flags

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "TESTPLANE"

// prefixEnvVars derives the single env var for a flag from its name, e.g.
// "connection-timeout" -> TESTPLANE_CONNECTION_TIMEOUT.
func prefixEnvVars(name string) []string {
	upper := strings.ToUpper(name)
	upper = strings.ReplaceAll(upper, "-", "_")
	upper = strings.ReplaceAll(upper, ".", "_")
	return []string{EnvVarPrefix + "_" + upper}
}

// FlagNameToEnvVarName computes the env var a flag name maps to. Exposed for
// tests.
func FlagNameToEnvVarName(name string) string {
	return prefixEnvVars(name)[0]
}

var (
	// Required via CheckRequired, not the cli Required field: the testhost
	// subcommand shares the app and must run without --source.
	Sources = &cli.StringSliceFlag{
		Name:    "source",
		EnvVars: prefixEnvVars("source"),
		Usage:   "Test container to discover or run tests from (repeatable)",
	}
	Tests = &cli.StringSliceFlag{
		Name:    "test",
		EnvVars: prefixEnvVars("test"),
		Usage:   "Fully qualified test case to run (repeatable); omit to run everything",
	}
	DiscoverOnly = &cli.BoolFlag{
		Name:    "discover-only",
		Value:   false,
		EnvVars: prefixEnvVars("discover-only"),
		Usage:   "List tests without executing them",
	}
	HostProfiles = &cli.StringFlag{
		Name:    "host-profiles",
		Value:   "",
		EnvVars: prefixEnvVars("host-profiles"),
		Usage:   "Path to the YAML test host profile file (eg. 'testhosts.yaml')",
	}
	HostProfile = &cli.StringFlag{
		Name:    "host",
		Value:   "",
		EnvVars: prefixEnvVars("host"),
		Usage:   "Name of the test host profile to use",
	}
	HostBinary = &cli.StringFlag{
		Name:    "host-binary",
		Value:   "",
		EnvVars: prefixEnvVars("host-binary"),
		Usage:   "Path to the test host executable; overrides the profile's executable",
	}
	ConnectionTimeout = &cli.DurationFlag{
		Name:    "connection-timeout",
		Value:   90 * time.Second,
		EnvVars: prefixEnvVars("connection-timeout"),
		Usage:   "How long to wait for a spawned test host to connect back",
	}
	SkipVersionCheck = &cli.BoolFlag{
		Name:    "skip-version-check",
		Value:   false,
		EnvVars: prefixEnvVars("skip-version-check"),
		Usage:   "Skip the protocol version handshake with the test host",
	}
	DiagDir = &cli.StringFlag{
		Name:    "diag-dir",
		Value:   "",
		EnvVars: prefixEnvVars("diag-dir"),
		Usage:   "Directory for test host diagnostic log files",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log.level",
		Value:   "info",
		EnvVars: prefixEnvVars("log.level"),
		Usage:   "Log level: debug, info, warn, error",
	}
	LogFormat = &cli.StringFlag{
		Name:    "log.format",
		Value:   "text",
		EnvVars: prefixEnvVars("log.format"),
		Usage:   "Log format: text or json",
	}
	MetricsEnabled = &cli.BoolFlag{
		Name:    "metrics.enabled",
		Value:   false,
		EnvVars: prefixEnvVars("metrics.enabled"),
		Usage:   "Serve Prometheus metrics and the health endpoint",
	}
)

var requiredFlags = []cli.Flag{
	Sources,
}

var optionalFlags = []cli.Flag{
	Tests,
	DiscoverOnly,
	HostProfiles,
	HostProfile,
	HostBinary,
	ConnectionTimeout,
	SkipVersionCheck,
	DiagDir,
	LogLevel,
	LogFormat,
	MetricsEnabled,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
