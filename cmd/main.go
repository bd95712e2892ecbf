package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	sauce "github.com/ethereum-optimism/infra/op-sauce"
	"github.com/ethereum-optimism/infra/op-sauce/exitcodes"
	"github.com/ethereum-optimism/infra/op-sauce/flags"
	"github.com/ethereum-optimism/infra/op-sauce/types"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-sauce"
	app.Usage = "Run browser unit tests on Sauce Labs"
	app.Description = "op-sauce runs JavaScript unit test pages on the Sauce Labs grid, optionally through a Sauce Connect tunnel"
	app.Commands = frameworkCommands()
	app.ExitErrHandler = exitErrHandler
	return app
}

// frameworkCommands registers one subcommand per test framework.
func frameworkCommands() []*cli.Command {
	cmds := make([]*cli.Command, 0, len(types.Frameworks))
	for _, fw := range types.Frameworks {
		cmds = append(cmds, &cli.Command{
			Name:   fw.CommandName(),
			Usage:  fmt.Sprintf("Run %s test pages", fw),
			Flags:  cliapp.ProtectFlags(flags.Flags),
			Action: cliapp.LifecycleCmd(runFramework(fw)),
		})
	}
	return cmds
}

func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitErr cli.ExitCoder
	switch {
	case errors.As(err, &exitErr):
		cli.HandleExitCoder(exitErr)
	case sauce.IsRuntimeError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
	default:
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
	}
}

func runFramework(fw types.Framework) cliapp.LifecycleAction {
	return func(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		logCfg := oplog.ReadCLIConfig(ctx)
		log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
		oplog.SetGlobalLogHandler(log.Handler())

		cfg, err := sauce.NewConfig(ctx, log, fw)
		if err != nil {
			return nil, sauce.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
		}
		cfg.Log.Debug("Config", "framework", cfg.Framework, "jobs", cfg.JobFile, "targets", cfg.Targets)

		svc, err := sauce.New(ctx.Context, cfg, Version, closeApp)
		if err != nil {
			return nil, sauce.NewRuntimeError(fmt.Errorf("failed to create op-sauce: %w", err))
		}
		return svc, nil
	}
}
