package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	testplane "github.com/testplane/testplane"
	"github.com/testplane/testplane/flags"
	"github.com/testplane/testplane/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "testplane"
	app.Usage = "Distributed test execution coordinator"
	app.Description = "testplane spawns test host processes and drives test discovery and execution over a message channel"
	app.Flags = flags.Flags
	app.Action = run
	app.Commands = []*cli.Command{testhostCommand}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			// Check for typed runtime errors
			if testplane.IsRuntimeError(err) {
				// For runtime errors, use exit code 2
				cli.HandleExitCoder(cli.Exit(err.Error(), 2))
			} else if testplane.IsTestFailureError(err) {
				// For test failures, use exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			} else {
				// For other unspecified errors, default to exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context) error {
	logger := setupLogging(ctx)

	// Telemetry is opt-in through the standard OTLP env vars.
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
			otelconfig.WithServiceName("testplane"),
			otelconfig.WithServiceVersion(Version),
		)
		if err != nil {
			logger.Warn("Failed to setup open telemetry", "message", err)
		} else {
			defer otelShutdown()
		}
	}

	cfg, err := testplane.NewConfig(ctx, logger)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return testplane.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "sources", cfg.Sources, "host", cfg.HostName)

	if cfg.MetricsEnabled {
		svc := service.New()
		svc.Start(ctx.Context)
		defer svc.Shutdown()
	}

	appCtx, cancel := context.WithCancelCause(ctx.Context)
	defer cancel(nil)

	coordinator, err := testplane.New(appCtx, cfg, Version, func(err error) { cancel(err) })
	if err != nil {
		return testplane.NewRuntimeError(fmt.Errorf("failed to create coordinator: %w", err))
	}
	defer func() {
		_ = coordinator.Stop(context.Background())
	}()

	return coordinator.Start(appCtx)
}

func setupLogging(ctx *cli.Context) log.Logger {
	lvl := slog.LevelInfo
	switch ctx.String(flags.LogLevel.Name) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	var handler slog.Handler
	if ctx.String(flags.LogFormat.Name) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = log.LogfmtHandlerWithLevel(os.Stdout, lvl)
	}
	logger := log.NewLogger(handler)
	log.SetDefault(logger)
	return logger
}
