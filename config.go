package sauce

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-sauce/flags"
	"github.com/ethereum-optimism/infra/op-sauce/runner"
	"github.com/ethereum-optimism/infra/op-sauce/tunnel"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

// Config holds the application configuration
type Config struct {
	Framework types.Framework
	JobFile   string
	Targets   []string // Targets to run, all of the framework when empty

	// Overrides applied on top of the job file. Empty means unset.
	Username   string
	AccessKey  string
	Identifier string

	APIURL        string
	APIRateLimit  float64
	APIMaxRetries int
	SkipJobUpdate bool

	SCBinary              string
	TunnelStartupTimeout  time.Duration
	TunnelShutdownTimeout time.Duration
	// Launcher starts the tunnel binary. Nil uses exec.
	Launcher tunnel.Launcher
	// OnTestComplete, when set, can override each platform's verdict.
	OnTestComplete runner.CompletionHook

	RunInterval time.Duration // Interval between runs
	RunOnce     bool          // Exit after one run
	LogDir      string        // Notification logs, disabled when empty
	HealthzAddr string

	MetricsConfig opmetrics.CLIConfig

	// Getenv reads SAUCE_USERNAME / SAUCE_ACCESS_KEY. Defaults to os.Getenv.
	Getenv func(string) string
	// Out receives the results table. Defaults to stdout.
	Out io.Writer
	Log log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger, framework types.Framework) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if !framework.IsValid() {
		return nil, fmt.Errorf("unknown framework %q", framework)
	}

	jobFile, err := filepath.Abs(ctx.String(flags.Jobs.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for job file '%s': %w", ctx.String(flags.Jobs.Name), err)
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir != "" {
		logDir, err = filepath.Abs(logDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
		}
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	if runInterval < 0 {
		return nil, errors.New("run interval must not be negative")
	}

	cfg := &Config{
		Framework:             framework,
		JobFile:               jobFile,
		Targets:               ctx.StringSlice(flags.Target.Name),
		Username:              ctx.String(flags.Username.Name),
		AccessKey:             ctx.String(flags.AccessKey.Name),
		Identifier:            ctx.String(flags.Identifier.Name),
		APIURL:                ctx.String(flags.APIURL.Name),
		APIRateLimit:          ctx.Float64(flags.APIRateLimit.Name),
		APIMaxRetries:         ctx.Int(flags.APIMaxRetries.Name),
		SkipJobUpdate:         ctx.Bool(flags.SkipJobUpdate.Name),
		SCBinary:              ctx.String(flags.SCBinary.Name),
		TunnelStartupTimeout:  ctx.Duration(flags.TunnelStartupTimeout.Name),
		TunnelShutdownTimeout: ctx.Duration(flags.TunnelShutdownTimeout.Name),
		RunInterval:           runInterval,
		RunOnce:               runInterval == 0,
		LogDir:                logDir,
		HealthzAddr:           ctx.String(flags.HealthzAddr.Name),
		MetricsConfig:         opmetrics.ReadCLIConfig(ctx),
		Getenv:                os.Getenv,
		Out:                   os.Stdout,
		Log:                   log,
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates settings that do not depend on the job file.
func (c *Config) Check() error {
	if c.JobFile == "" {
		return errors.New("job file is required")
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api rate limit must be positive, got %v", c.APIRateLimit)
	}
	if c.APIMaxRetries < 0 {
		return fmt.Errorf("api max retries must not be negative, got %d", c.APIMaxRetries)
	}
	if err := c.MetricsConfig.Check(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	return nil
}

// baseJob is the layer below every job file: built-in defaults with
// credentials from the environment.
func (c *Config) baseJob(now time.Time) types.JobConfig {
	getenv := c.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return types.DefaultJobConfig(now, getenv)
}

// override applies the command line values, which win over the job file.
func (c *Config) override(job types.JobConfig) types.JobConfig {
	if c.Username != "" {
		job.Username = c.Username
	}
	if c.AccessKey != "" {
		job.AccessKey = c.AccessKey
	}
	if c.Identifier != "" {
		job.Identifier = c.Identifier
	}
	return job
}
