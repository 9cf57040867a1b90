package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/testplane/testplane/channel"
	"github.com/testplane/testplane/exitcodes"
	"github.com/testplane/testplane/protocol"
	"github.com/testplane/testplane/session"
)

// The flag names form the command-line contract with the coordinator; see
// protocol.ConnectionInfo.ToArgs.
var (
	portFlag = &cli.IntFlag{
		Name:     "port",
		Required: true,
		Usage:    "Coordinator port to dial back to",
	}
	endpointFlag = &cli.StringFlag{
		Name:  "endpoint",
		Usage: "Coordinator endpoint (host:port)",
	}
	roleFlag = &cli.StringFlag{
		Name:  "role",
		Value: protocol.RoleClient,
		Usage: "Connection role",
	}
	parentPidFlag = &cli.IntFlag{
		Name:  "parentprocessid",
		Usage: "Coordinator pid; this process exits when it dies",
	}
	diagFlag = &cli.StringFlag{
		Name:  "diag",
		Usage: "Path to the diagnostic log file",
	}
)

var testhostCommand = &cli.Command{
	Name:   "testhost",
	Usage:  "Run as a test host process (spawned by the coordinator)",
	Hidden: true,
	Flags:  []cli.Flag{portFlag, endpointFlag, roleFlag, parentPidFlag, diagFlag},
	Action: runTestHost,
}

func runTestHost(ctx *cli.Context) error {
	logger, cleanup, err := testHostLogger(ctx.String(diagFlag.Name))
	if err != nil {
		return err
	}
	defer cleanup()

	if role := ctx.String(roleFlag.Name); role != protocol.RoleClient {
		return fmt.Errorf("unsupported connection role %q", role)
	}

	dispatcher := session.NewDispatcher(channel.New(logger), stubEngine{}, logger)
	if err := dispatcher.Connect(ctx.Int(portFlag.Name)); err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}

	if ppid := ctx.Int(parentPidFlag.Name); ppid > 0 {
		go watchParent(ppid, logger)
	}

	logger.Info("test host connected", "endpoint", ctx.String(endpointFlag.Name))
	err = dispatcher.Run(ctx.Context)
	dispatcher.WaitForBackgroundOps()
	return err
}

// testHostLogger logs to the diagnostic file when one was requested, and to
// stderr otherwise (stdout is discarded by the coordinator).
func testHostLogger(diagPath string) (log.Logger, func(), error) {
	if diagPath == "" {
		return log.NewLogger(log.LogfmtHandlerWithLevel(os.Stderr, slog.LevelInfo)), func() {}, nil
	}
	f, err := os.OpenFile(diagPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening diagnostic log: %w", err)
	}
	logger := log.NewLogger(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { _ = f.Close() }, nil
}

// watchParent exits the process when the coordinator dies, so orphaned hosts
// never accumulate.
func watchParent(pid int, logger log.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		proc, err := os.FindProcess(pid)
		if err == nil {
			err = proc.Signal(syscall.Signal(0))
		}
		if err != nil {
			logger.Error("coordinator is gone, exiting", "parent_pid", pid)
			os.Exit(exitcodes.RuntimeErr)
		}
	}
}

// stubEngine validates the session plumbing end to end. Real test frameworks
// plug in through the session.TestEngine interface; this binary ships without
// an adapter, so it reports empty discovery and run results.
type stubEngine struct{}

func (stubEngine) InitializeExtensions([]string) error { return nil }

func (stubEngine) Discover(_ context.Context, req protocol.DiscoveryRequest, sink session.DiscoverySink) (int, error) {
	sink.Log(protocol.LogLevelInformational,
		fmt.Sprintf("no test adapter configured; %d source(s) ignored", len(req.Sources)))
	return 0, nil
}

func (stubEngine) Run(_ context.Context, _ protocol.TestRunRequest, _ session.ProcessLauncher, sink session.RunSink) (protocol.TestRunStats, error) {
	sink.Log(protocol.LogLevelInformational, "no test adapter configured; nothing to run")
	return protocol.TestRunStats{}, nil
}
