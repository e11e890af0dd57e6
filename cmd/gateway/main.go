// Package main is the entry point for the openapigw gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagAddress   = "address"

	defaultConfigFile = "gateway.yaml"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "openapigw:", err)
		return 1
	}
	return 0
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "openapigw",
		Usage:   "multi-tenant open API gateway",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
				Value:   defaultConfigFile,
				Sources: cli.EnvVars("GATEWAY_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    flagLogLevel,
				Usage:   "log level override (debug, info, warn, error)",
				Sources: cli.EnvVars("GATEWAY_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    flagLogFormat,
				Usage:   "log format override (json, console)",
				Sources: cli.EnvVars("GATEWAY_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    flagAddress,
				Usage:   "listen address override",
				Sources: cli.EnvVars("GATEWAY_ADDRESS"),
			},
		},
		Action: runGateway,
	}
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	cfg, configPath, err := loadConfig(cmd.String(flagConfig))
	if err != nil {
		return err
	}
	applyOverrides(cfg, cmd)

	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	logger.Info("starting openapigw",
		observability.String("version", version),
		observability.String("commit", gitCommit),
		observability.String("build_time", buildTime),
		observability.String("config_path", configPath),
	)

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", observability.Error(err))
		return err
	}
	app.overrides = func(c *config.GatewayConfig) { applyOverrides(c, cmd) }

	return app.run(ctx, configPath)
}

// loadConfig resolves and loads the configuration file. When the default
// file is absent the built-in defaults are used and the returned path is
// empty, which disables hot reload.
func loadConfig(path string) (*config.GatewayConfig, string, error) {
	resolved, err := config.ResolveConfigPath(path)
	if err != nil {
		if path == defaultConfigFile {
			return config.DefaultConfig(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.LoadConfig(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, resolved, nil
}

func applyOverrides(cfg *config.GatewayConfig, cmd *cli.Command) {
	if v := strings.TrimSpace(cmd.String(flagLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(cmd.String(flagLogFormat)); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(cmd.String(flagAddress)); v != "" {
		cfg.Server.Address = v
	}
}

func initLogger(cfg config.LoggingConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
