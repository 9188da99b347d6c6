package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/go-scripts/harvest/internal/config"
)

// Globals are shared by every command.
type Globals struct {
	Config  string `help:"Path to configuration file" default:"harvest.yaml" short:"c" type:"path"`
	EnvFile string `help:"Path to .env file with HARVEST_* overrides" default:".env" type:"path"`
	Debug   bool   `help:"Enable debug logging"`
	Quiet   bool   `help:"Hide the progress spinner" short:"q"`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" default:"withargs" help:"Harvest media listings for the sites in an input file."`
	Resolve  ResolveCmd  `cmd:"" help:"Find the media URL embedded in meeting pages."`
	Download DownloadCmd `cmd:"" help:"Download media URLs through the fallback chain."`
	History  HistoryCmd  `cmd:"" help:"List archived runs, or print what a run found for one site."`
	Sites    SitesCmd    `cmd:"" help:"List the supported site profiles."`
}

// env is what commands receive after global setup.
type env struct {
	cfg    config.Config
	logger *log.Logger
	quiet  bool
}

func (g *Globals) setup() (*env, error) {
	level := log.InfoLevel
	if g.Debug {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           level,
	})
	log.SetDefault(logger)

	cfg, err := config.Load(g.Config, g.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger.Debug("Configuration loaded", "path", g.Config, "concurrency", cfg.Concurrency, "headless", cfg.Browser.Headless)
	return &env{cfg: cfg, logger: logger, quiet: g.Quiet}, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("harvest"),
		kong.Description("Collects meeting videos and documents published by municipal sites."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.BindTo(ctx, (*context.Context)(nil))

	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
