package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/tunnel"
)

const EnvVarPrefix = "OP_SAUCE"

var (
	Jobs = &cli.StringFlag{
		Name:     "jobs",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "JOBS"),
		Usage:    "Path to the job file (eg. 'jobs.yaml' or 'jobs.toml')",
	}
	Target = &cli.StringSliceFlag{
		Name:    "target",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TARGET"),
		Usage:   "Job targets to run. Repeat to select several. Runs every target of the framework when omitted",
	}
	Username = &cli.StringFlag{
		Name:    "username",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "USERNAME"),
		Usage:   "Sauce Labs username. Falls back to SAUCE_USERNAME",
	}
	AccessKey = &cli.StringFlag{
		Name:    "access-key",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ACCESS_KEY"),
		Usage:   "Sauce Labs access key. Falls back to SAUCE_ACCESS_KEY",
	}
	Identifier = &cli.StringFlag{
		Name:    "identifier",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "IDENTIFIER"),
		Usage:   "Tunnel identifier. Defaults to seconds since 2009-01-01",
	}
	APIURL = &cli.StringFlag{
		Name:    "api-url",
		Value:   saucelabs.DefaultBaseURL,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_URL"),
		Usage:   "Sauce Labs REST API base URL",
	}
	APIRateLimit = &cli.Float64Flag{
		Name:    "api-rate-limit",
		Value:   saucelabs.DefaultRateLimit,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_RATE_LIMIT"),
		Usage:   "Maximum Sauce Labs API requests per second across all jobs",
	}
	APIMaxRetries = &cli.IntFlag{
		Name:    "api-max-retries",
		Value:   saucelabs.DefaultMaxRetries,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_MAX_RETRIES"),
		Usage:   "Retries for Sauce Labs API requests failing with transport errors or 5xx",
	}
	SCBinary = &cli.StringFlag{
		Name:    "sc-binary",
		Value:   tunnel.DefaultBinary,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SC_BINARY"),
		Usage:   "Path to the Sauce Connect binary",
	}
	TunnelStartupTimeout = &cli.DurationFlag{
		Name:    "tunnel-startup-timeout",
		Value:   tunnel.DefaultStartupTimeout,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TUNNEL_STARTUP_TIMEOUT"),
		Usage:   "How long to wait for Sauce Connect to report ready",
	}
	TunnelShutdownTimeout = &cli.DurationFlag{
		Name:    "tunnel-shutdown-timeout",
		Value:   tunnel.DefaultShutdownTimeout,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TUNNEL_SHUTDOWN_TIMEOUT"),
		Usage:   "How long to wait for Sauce Connect to exit after an interrupt before killing it",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory for notification logs. Each run writes to run-<id>/notifications.jsonl",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the health server in continuous mode",
	}
	SkipJobUpdate = &cli.BoolFlag{
		Name:    "skip-job-update",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SKIP_JOB_UPDATE"),
		Usage:   "Do not write pass/fail back to Sauce Labs jobs",
	}
)

var requiredFlags = []cli.Flag{
	Jobs,
}

var optionalFlags = []cli.Flag{
	Target,
	Username,
	AccessKey,
	Identifier,
	APIURL,
	APIRateLimit,
	APIMaxRetries,
	SCBinary,
	TunnelStartupTimeout,
	TunnelShutdownTimeout,
	RunInterval,
	LogDir,
	HealthzAddr,
	SkipJobUpdate,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

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
