// Package runner harvests a batch of base URLs. Every site runs on its own
// pages and its own loop state; a failing site yields what it collected and
// never affects the others.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-scripts/harvest/internal/convergence"
	"github.com/go-scripts/harvest/internal/datewindow"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/ladder"
	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/records"
	"github.com/go-scripts/harvest/internal/sites"
)

// Input is a harvest request. Empty dates leave that side of the window open.
type Input struct {
	StartDate string   `json:"start_date,omitempty"`
	EndDate   string   `json:"end_date,omitempty"`
	BaseURLs  []string `json:"base_urls"`
}

// SiteResult is the output for one base URL.
type SiteResult struct {
	BaseURL string                `json:"base_url"`
	Medias  []records.MediaRecord `json:"medias"`

	// State is how the loop ended. It is not part of the JSON output.
	State harvest.CrawlState `json:"-"`
	// Profile is empty for unsupported sites.
	Profile string `json:"-"`
}

// Opener opens a page for a renderer. The returned func releases it.
type Opener func(r sites.Renderer) (page.Page, func(), error)

// Recorder receives every finished site result.
type Recorder interface {
	Record(ctx context.Context, res SiteResult) error
}

// History reports media already archived for a site by earlier runs.
type History interface {
	Known(ctx context.Context, baseURL, url string) (bool, error)
}

// Events lets a caller follow progress. Either field may be nil.
type Events struct {
	Started  func(baseURL string)
	Finished func(res SiteResult)
}

type Runner struct {
	Registry *sites.Registry
	Open     Opener
	// NewLadder builds the extraction ladder for one site. Ladders keep a
	// per-run trace, so each site gets its own.
	NewLadder   func(logger *log.Logger) *ladder.Ladder
	Source      sites.SourceOptions
	Convergence convergence.Config
	// Concurrency bounds how many sites run at once. Zero means one.
	Concurrency int
	MaxCycles   int
	// SiteTimeout bounds a single site. Zero means no bound.
	SiteTimeout time.Duration
	Recorder    Recorder
	// History, when set, drops media an earlier run already archived.
	History History
	Events  Events
	Logger  *log.Logger
}

// Run harvests every base URL and returns one result per URL in input
// order. The only error is an invalid date window.
func (r *Runner) Run(ctx context.Context, in Input) ([]SiteResult, error) {
	window, err := datewindow.New(in.StartDate, in.EndDate)
	if err != nil {
		return nil, fmt.Errorf("date window: %w", err)
	}
	logger := r.logger()
	logger.Info("Starting harvest", "sites", len(in.BaseURLs), "window", window)

	results := make([]SiteResult, len(in.BaseURLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Concurrency, 1))
	for i, base := range in.BaseURLs {
		g.Go(func() error {
			results[i] = r.site(gctx, base, window)
			return nil
		})
	}
	_ = g.Wait()

	// Results of an interrupted batch are still written out, so they are
	// archived too.
	rctx := context.WithoutCancel(ctx)
	for _, res := range results {
		if r.Recorder == nil {
			break
		}
		if err := r.Recorder.Record(rctx, res); err != nil {
			logger.Warn("Archive failed", "site", res.BaseURL, "error", err)
		}
	}
	return results, nil
}

func (r *Runner) site(ctx context.Context, base string, window datewindow.Window) SiteResult {
	res := SiteResult{BaseURL: base, Medias: []records.MediaRecord{}}
	if r.Events.Started != nil {
		r.Events.Started(base)
	}
	defer func() {
		if r.Events.Finished != nil {
			r.Events.Finished(res)
		}
	}()

	logger := r.logger().WithPrefix(base)
	profile, err := r.Registry.Lookup(base)
	if err != nil {
		logger.Warn("No harvester for site", "error", err)
		return res
	}
	res.Profile = profile.Name

	if r.SiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.SiteTimeout)
		defer cancel()
	}

	out, err := r.harvest(ctx, profile, base, window, logger)
	if err != nil {
		logger.Error("Site failed", "profile", profile.Name, "error", err)
		return res
	}
	if recs := r.unseen(ctx, base, out.Records, logger); len(recs) > 0 {
		res.Medias = recs
	}
	res.State = out.State
	logger.Info("Site done", "profile", profile.Name, "medias", len(res.Medias), "reason", out.State.Reason, "cycles", out.State.Cycle)
	return res
}

func (r *Runner) harvest(ctx context.Context, p sites.Profile, base string, window datewindow.Window, logger *log.Logger) (harvest.Result, error) {
	listing, release, err := r.Open(p.Renderer)
	if err != nil {
		return harvest.Result{}, fmt.Errorf("open listing page: %w", err)
	}
	defer release()

	srcOpts := r.Source
	srcOpts.Logger = logger
	opts := harvest.Options{
		BaseURL:     base,
		Window:      window,
		Ordered:     p.Ordered,
		DateGrammar: p.DateGrammar,
		SourceType:  p.SourceType,
		Convergence: mergeConvergence(r.Convergence, p.Convergence),
		KeepUndated: p.KeepUndated,
		MaxCycles:   r.MaxCycles,
		Logger:      logger,
	}

	if p.Selectors.DetailDate != "" || p.ResolveMedia {
		detail, releaseDetail, err := r.Open(p.Renderer)
		if err != nil {
			return harvest.Result{}, fmt.Errorf("open detail page: %w", err)
		}
		defer releaseDetail()
		if d := sites.NewDetailDates(p, detail, srcOpts); d != nil {
			opts.Enricher = d
		}
		if p.ResolveMedia {
			if r.NewLadder == nil {
				return harvest.Result{}, errors.New("profile needs media resolution but no ladder is configured")
			}
			opts.Resolver = &ladder.Resolver{Ladder: r.NewLadder(logger), Page: detail}
		}
	}

	src := sites.NewListingSource(p, base, listing, srcOpts)
	return harvest.Run(ctx, src, opts), nil
}

// unseen filters out records History already knows. A failed lookup keeps
// the record.
func (r *Runner) unseen(ctx context.Context, base string, recs []records.MediaRecord, logger *log.Logger) []records.MediaRecord {
	if r.History == nil {
		return recs
	}
	ctx = context.WithoutCancel(ctx)
	out := recs[:0:0]
	for _, m := range recs {
		known, err := r.History.Known(ctx, base, m.URL)
		if err != nil {
			logger.Warn("Archive lookup failed", "url", m.URL, "error", err)
		}
		if known {
			logger.Debug("Already archived", "url", m.URL)
			continue
		}
		out = append(out, m)
	}
	return out
}

// mergeConvergence lets a profile override individual engine defaults.
func mergeConvergence(engine, site convergence.Config) convergence.Config {
	out := engine
	if site.Patience > 0 {
		out.Patience = site.Patience
	}
	if site.Ceiling > 0 {
		out.Ceiling = site.Ceiling
	}
	if site.ExpectedTarget > 0 {
		out.ExpectedTarget = site.ExpectedTarget
	}
	if site.NearTargetFraction > 0 {
		out.NearTargetFraction = site.NearTargetFraction
	}
	if site.NearTargetMultiplier > 0 {
		out.NearTargetMultiplier = site.NearTargetMultiplier
	}
	return out
}

func (r *Runner) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}
