package commands

import (
	"context"
	"log/slog"

	"github.com/alecthomas/kong"

	"github.com/mscno/pledges/pkg/config"
)

type cliCtx struct {
	context.Context
	Config *config.Config
	Logger *slog.Logger
}

type cli struct {
	Config   string `help:"Path to the YAML config file" default:"pledges.yaml" env:"PLEDGES_CONFIG"`
	EnvFile  string `help:"Path to a .env file" default:".env" env:"PLEDGES_ENV_FILE"`
	LogLevel string `help:"Override the configured log level"`
	Storage  string `help:"Override the configured storage backend"`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API and the periodic sweep"`
	Sweep    SweepCmd    `cmd:"" help:"Recompute every published pledge once"`
	Snapshot SnapshotCmd `cmd:"" help:"Capture or list sitewide stats snapshots"`
	Token    TokenCmd    `cmd:"" help:"Issue or check capability tokens"`
	Keygen   KeygenCmd   `cmd:"" help:"Generate a token secret"`

	Version kong.VersionFlag `help:"Show version"`
}

func Execute(version string) {
	var cli cli
	ctx := kong.Parse(&cli,
		kong.UsageOnError(),
		kong.Name("pledged"),
		kong.Description("pledged runs the pledge service"),
		kong.Vars{"version": version},
	)

	cctx, err := cli.newContext(context.Background())
	ctx.FatalIfErrorf(err)
	err = ctx.Run(cctx)
	ctx.FatalIfErrorf(err)
}

// newContext loads the configuration and applies flag overrides.
func (c *cli) newContext(ctx context.Context) (*cliCtx, error) {
	cfg, err := config.Load(c.Config, c.EnvFile)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Storage != "" {
		cfg.Storage = c.Storage
	}
	logger := cfg.NewLogger()
	return &cliCtx{
		Context: config.WithContext(ctx, cfg),
		Config:  cfg,
		Logger:  logger,
	}, nil
}
