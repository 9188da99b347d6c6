package main

import (
	"context"
	"fmt"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/harvest/internal/archive"
	"github.com/go-scripts/harvest/internal/config"
	"github.com/go-scripts/harvest/internal/download"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/ladder"
	"github.com/go-scripts/harvest/internal/output"
	"github.com/go-scripts/harvest/internal/progress"
	"github.com/go-scripts/harvest/internal/runner"
	"github.com/go-scripts/harvest/internal/sites"
	"github.com/go-scripts/harvest/ui"
)

type RunCmd struct {
	Input       string        `help:"Input JSON file, - for stdin" default:"input.json" short:"i"`
	Output      string        `help:"Output JSON file, - for stdout" default:"output.json" short:"o"`
	Concurrency int           `help:"Sites harvested at once (overrides config)"`
	MaxCycles   int           `help:"Stop each site after this many load cycles (overrides config)"`
	SiteTimeout time.Duration `help:"Time limit per site (overrides config)"`
	Archive     string        `help:"SQLite archive to record the run in (overrides config)"`
	NewOnly     bool          `help:"Leave out media that earlier archived runs already found"`
}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	cfg := e.cfg
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	if c.MaxCycles > 0 {
		cfg.MaxCycles = c.MaxCycles
	}
	if c.SiteTimeout > 0 {
		cfg.SiteTimeout = c.SiteTimeout
	}
	if c.Archive != "" {
		cfg.Archive.Path = c.Archive
	}

	in, err := output.ReadInput(c.Input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	pg := newPages(cfg, e.logger)
	defer pg.Close()

	r := &runner.Runner{
		Registry: sites.Default(),
		Open:     pg.open,
		NewLadder: func(l *log.Logger) *ladder.Ladder {
			return newLadder(cfg, l)
		},
		Source:      cfg.SourceOptions(),
		Convergence: cfg.Convergence,
		Concurrency: cfg.Concurrency,
		MaxCycles:   cfg.MaxCycles,
		SiteTimeout: cfg.SiteTimeout,
		Logger:      e.logger,
	}

	if c.NewOnly && cfg.Archive.Path == "" {
		return fmt.Errorf("--new-only needs an archive")
	}
	if cfg.Archive.Path != "" {
		store, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		run, err := store.BeginRun(ctx, in)
		if err != nil {
			return err
		}
		r.Recorder = run
		if c.NewOnly {
			r.History = store
		}
		defer func() {
			if err := run.Finish(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("Could not close archive run", "run", run.ID, "error", err)
			}
		}()
		e.logger.Info("Archiving run", "run", run.ID, "path", cfg.Archive.Path)
	}

	if !e.quiet {
		board := progress.New(os.Stderr, len(in.BaseURLs))
		defer board.Stop()
		r.Events = runner.Events{
			Started: board.Start,
			Finished: func(res runner.SiteResult) {
				if res.State.Reason == harvest.StrategyEscalationFailed {
					board.Fail(res.BaseURL)
					return
				}
				board.Done(res.BaseURL)
			},
		}
	}

	start := time.Now()
	results, err := r.Run(ctx, in)
	if err != nil {
		return err
	}
	if err := output.WriteFile(c.Output, results); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintln(os.Stderr, ui.Harvest(results, time.Since(start)))
	return nil
}

type ResolveCmd struct {
	URLs []string `arg:"" name:"url" help:"Meeting page URLs."`
}

func (c *ResolveCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	pg := newPages(e.cfg, e.logger)
	defer pg.Close()

	p, release, err := pg.open(sites.Browser)
	if err != nil {
		return err
	}
	defer release()

	ld := newLadder(e.cfg, e.logger)
	results := make([]ladder.Result, 0, len(c.URLs))
	for _, u := range c.URLs {
		if ctx.Err() != nil {
			break
		}
		res := ld.Run(ctx, p, u)
		if !res.Succeeded {
			e.logger.Warn("No media found", "url", u, "tried", len(ld.Attempts()), "error", res.Err)
		}
		results = append(results, res)
	}
	fmt.Println(ui.Resolved(c.URLs, results))
	return ctx.Err()
}

type DownloadCmd struct {
	URLs        []string `arg:"" name:"url" help:"Media or page URLs."`
	OutputDir   string   `help:"Directory for downloaded files (overrides config)" type:"path"`
	Header      []string `help:"Extra request header as 'Name: value', repeatable" short:"H" sep:"none"`
	Resolve     bool     `help:"Find the media behind each URL with the extraction ladder first, keeping the headers it was requested with"`
	ListFormats bool     `help:"Print the formats available for each URL instead of downloading"`
	Split       bool     `help:"Try the best separate video and audio streams before the format chain"`
	NoCheck     bool     `help:"Skip the accessibility check before downloading"`
}

func (c *DownloadCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	cfg := e.cfg
	if c.OutputDir != "" {
		cfg.Download.OutputDir = c.OutputDir
	}
	headers, err := parseHeaders(c.Header)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Download.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if cfg.Download.Accelerated && !download.ToolAvailable(ctx, cfg.Download.Tool.Name) {
		e.logger.Warn("Accelerated downloader not found, using built-in transfer", "tool", cfg.Download.Tool.Name)
		cfg.Download.Accelerated = false
	}

	yt := download.NewYtDlp(cfg.Download.OutputDir)
	yt.UserAgent = cfg.Browser.UserAgent

	medias, err := c.medias(ctx, cfg, e.logger, headers)
	if err != nil {
		return err
	}

	if c.ListFormats {
		for _, m := range medias {
			formats, err := yt.Formats(ctx, m)
			if err != nil {
				e.logger.Warn("Could not list formats", "url", m.URL, "error", err)
				continue
			}
			fmt.Println(ui.Formats(m.URL, formats))
		}
		return ctx.Err()
	}

	chain := &download.Chain{Rungs: cfg.Rungs(), Downloader: yt, Logger: e.logger}
	if !c.NoCheck {
		chain.Checker = yt
	}

	var board *progress.Board
	if !e.quiet {
		board = progress.New(os.Stderr, len(medias))
	}
	outcomes := make([]download.Outcome, 0, len(medias))
	failed := 0
	for _, m := range medias {
		if ctx.Err() != nil {
			break
		}
		if board != nil {
			board.Start(m.URL)
		}
		run := chain
		if c.Split {
			run = c.withPairedRung(ctx, chain, yt, m, e.logger)
		}
		out := run.Attempt(ctx, m)
		outcomes = append(outcomes, out)
		switch {
		case board == nil:
		case out.Succeeded:
			board.Done(m.URL)
		default:
			board.Fail(m.URL)
		}
		if !out.Succeeded {
			failed++
		}
	}
	if board != nil {
		board.Stop()
	}

	fmt.Println(ui.Downloads(outcomes))
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads: %w", failed, len(medias), download.ErrAllRungsFailed)
	}
	return ctx.Err()
}

// medias turns the arguments into download targets, resolving pages through
// the ladder when asked. Headers given on the command line apply to all and
// win over captured ones.
func (c *DownloadCmd) medias(ctx context.Context, cfg config.Config, logger *log.Logger, headers map[string]string) ([]download.Media, error) {
	out := make([]download.Media, 0, len(c.URLs))
	if !c.Resolve {
		for _, u := range c.URLs {
			out = append(out, download.Media{URL: u, Headers: headers})
		}
		return out, nil
	}

	pg := newPages(cfg, logger)
	defer pg.Close()
	p, release, err := pg.open(sites.Browser)
	if err != nil {
		return nil, err
	}
	defer release()

	ld := newLadder(cfg, logger)
	for _, u := range c.URLs {
		res := ld.Run(ctx, p, u)
		if !res.Succeeded {
			logger.Warn("No media found, downloading the page URL", "url", u, "error", res.Err)
			out = append(out, download.Media{URL: u, Headers: headers})
			continue
		}
		merged := make(map[string]string, len(res.Headers)+len(headers))
		for k, v := range res.Headers {
			merged[k] = v
		}
		for k, v := range headers {
			merged[k] = v
		}
		logger.Info("Resolved media", "page", u, "media", res.URL, "strategy", res.StrategyID, "headers", len(merged))
		out = append(out, download.Media{URL: res.URL, Headers: merged})
	}
	return out, nil
}

// withPairedRung puts a merged video+audio rung ahead of the chain when the
// listing shows separate streams.
func (c *DownloadCmd) withPairedRung(ctx context.Context, chain *download.Chain, yt *download.YtDlp, m download.Media, logger *log.Logger) *download.Chain {
	formats, err := yt.Formats(ctx, m)
	if err != nil {
		logger.Debug("Format listing failed", "url", m.URL, "error", err)
		return chain
	}
	pair, ok := download.PairedFormat(formats)
	if !ok {
		return chain
	}
	logger.Debug("Trying separate streams first", "url", m.URL, "format", pair)
	next := *chain
	next.Rungs = append([]download.Rung{{Format: pair}}, chain.Rungs...)
	return &next
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("header %q: want 'Name: value'", h)
		}
		out[textproto.CanonicalMIMEHeaderKey(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

type HistoryCmd struct {
	RunID   string `arg:"" optional:"" name:"run" help:"Run ID to print medias for."`
	BaseURL string `arg:"" optional:"" name:"base-url" help:"Site of the run to print."`
	Limit   int    `help:"Runs to list" default:"10"`
	Archive string `help:"SQLite archive to read (overrides config)"`
}

func (c *HistoryCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	path := e.cfg.Archive.Path
	if c.Archive != "" {
		path = c.Archive
	}
	if path == "" {
		return fmt.Errorf("no archive configured")
	}
	store, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if c.RunID == "" {
		runs, err := store.Runs(ctx, c.Limit)
		if err != nil {
			return err
		}
		fmt.Println(ui.Runs(runs))
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("history %s: base url required", c.RunID)
	}
	medias, err := store.Medias(ctx, c.RunID, c.BaseURL)
	if err != nil {
		return err
	}
	return output.Encode(os.Stdout, []runner.SiteResult{{BaseURL: c.BaseURL, Medias: medias}})
}

type SitesCmd struct{}

func (c *SitesCmd) Run() error {
	for _, name := range sites.Default().Names() {
		fmt.Println(name)
	}
	return nil
}
