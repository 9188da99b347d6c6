// Package harvest runs the content-discovery loop for one site: it keeps
// asking a Source for more content until the ConvergenceDetector, the source
// itself or the date window says to stop, and collects deduplicated records.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/harvest/internal/convergence"
	"github.com/go-scripts/harvest/internal/datewindow"
	"github.com/go-scripts/harvest/internal/records"
)

// ErrNoMoreContent is returned by Source.Advance when there is nothing left
// to load, e.g. no next page link.
var ErrNoMoreContent = errors.New("no more content")

var (
	errNoLink  = errors.New("candidate has no link")
	errNoTitle = errors.New("candidate has no title")
)

// Candidate is a raw item seen on a listing before validation.
type Candidate struct {
	// Href is the media or item link as found in the markup.
	Href string
	// PageURL is a detail page to resolve media from when Href is empty.
	PageURL  string
	Title    string
	DateText string
}

// Source is one site's listing as seen through a page. Advance triggers more
// content (next page, click, scroll) and reports the cumulative number of
// items made visible so far. Candidates lists the items currently visible.
type Source interface {
	Advance(ctx context.Context) (int, error)
	Candidates(ctx context.Context) ([]Candidate, error)
}

// DateGrammar turns a site's date text into a date.
type DateGrammar func(text string) (time.Time, error)

// Resolver finds the media URL behind a detail page.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// Enricher supplies date text for candidates whose listing omits it.
type Enricher interface {
	DateText(ctx context.Context, itemURL string) (string, error)
}

// Options configure one Run.
type Options struct {
	BaseURL string
	Window  datewindow.Window
	// Ordered asserts the listing is reverse-chronological. The loop trusts
	// it and stops at the first date before the window.
	Ordered     bool
	DateGrammar DateGrammar
	SourceType  records.SourceType
	Convergence convergence.Config
	// KeepUndated admits candidates without a date even when the window is
	// bounded, for sources that never publish dates.
	KeepUndated bool
	// MaxCycles bounds the loop. Zero means unbounded.
	MaxCycles int
	Resolver  Resolver
	Enricher  Enricher
	Logger    *log.Logger
}

// Result is the harvest output plus the final loop state.
type Result struct {
	Records []records.MediaRecord
	State   CrawlState
}

// Run drives src until termination. It never fails: whatever was collected
// before a source error or cancellation is returned with the reason.
func Run(ctx context.Context, src Source, opts Options) Result {
	l := &loop{
		src:      src,
		opts:     opts,
		state:    newState(),
		store:    records.NewStore(),
		detector: convergence.New(opts.Convergence),
		logger:   opts.Logger,
	}
	if l.logger == nil {
		l.logger = log.Default()
	}
	if l.opts.DateGrammar == nil {
		l.opts.DateGrammar = datewindow.Parse
	}
	if l.opts.SourceType == "" {
		l.opts.SourceType = records.Video
	}
	l.run(ctx)
	return Result{Records: l.store.All(), State: *l.state}
}

type loop struct {
	src      Source
	opts     Options
	state    *CrawlState
	store    *records.Store
	detector *convergence.Detector
	logger   *log.Logger
}

func (l *loop) run(ctx context.Context) {
	l.logger.Debug("Harvest started", "base_url", l.opts.BaseURL, "window", l.opts.Window, "ordered", l.opts.Ordered)

	for !l.state.Terminated {
		if ctx.Err() != nil {
			l.state.terminate(Cancelled, ctx.Err())
			break
		}
		if l.opts.MaxCycles > 0 && l.state.Cycle >= l.opts.MaxCycles {
			l.state.terminate(CycleLimit, nil)
			break
		}
		l.cycle(ctx)
	}

	l.logger.Info("Harvest finished",
		"base_url", l.opts.BaseURL,
		"reason", l.state.Reason,
		"cycles", l.state.Cycle,
		"records", l.store.Size(),
		"skipped", l.state.Skipped,
		"out_of_window", l.state.OutOfWindow)
}

func (l *loop) cycle(ctx context.Context) {
	l.state.Cycle++

	count, err := l.src.Advance(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoMoreContent):
			l.state.terminate(Exhausted, nil)
		case ctx.Err() != nil:
			l.state.terminate(Cancelled, ctx.Err())
		default:
			l.logger.Warn("Loading more content failed", "base_url", l.opts.BaseURL, "cycle", l.state.Cycle, "error", err)
			l.state.terminate(StrategyEscalationFailed, err)
		}
		return
	}
	signal := l.detector.Observe(count)
	l.logger.Debug("Cycle", "cycle", l.state.Cycle, "count", count, "signal", signal, "streak", l.detector.Streak())

	cands, err := l.src.Candidates(ctx)
	if err != nil {
		l.logger.Warn("Listing candidates failed", "base_url", l.opts.BaseURL, "cycle", l.state.Cycle, "error", err)
		cands = nil
	}
	if len(cands) == 0 {
		l.state.ConsecutiveEmpty++
		if l.state.ConsecutiveEmpty >= 2 {
			l.state.terminate(Exhausted, nil)
			return
		}
	} else {
		l.state.ConsecutiveEmpty = 0
	}

	for _, c := range cands {
		if stop := l.consider(ctx, c); stop {
			l.state.terminate(DateBoundaryReached, nil)
			return
		}
	}

	if signal == convergence.Converged {
		l.state.terminate(Converged, nil)
	}
}

// consider handles one candidate and reports whether the ordered-source
// boundary was crossed.
func (l *loop) consider(ctx context.Context, c Candidate) bool {
	key, err := l.identity(c)
	if err != nil {
		l.skip(c, err)
		return false
	}
	if l.state.Seen[key] {
		return false
	}
	l.state.Seen[key] = true

	date, err := l.date(ctx, c, key)
	if err != nil {
		l.skip(c, err)
		return false
	}

	if date != nil && l.opts.Ordered && l.opts.Window.IsBefore(*date) {
		l.logger.Info("Reached date boundary",
			"base_url", l.opts.BaseURL,
			"date", date.Format(datewindow.Layout),
			"title", c.Title)
		return true
	}

	if !l.admits(date) {
		l.state.OutOfWindow++
		l.logger.Debug("Outside date window", "title", c.Title, "date", formatDate(date))
		return false
	}

	title := strings.Join(strings.Fields(c.Title), " ")
	if title == "" {
		l.skip(c, errNoTitle)
		return false
	}

	mediaURL := key
	if c.Href == "" {
		mediaURL, err = l.opts.Resolver.Resolve(ctx, key)
		if err != nil {
			l.skip(c, fmt.Errorf("resolve media for %s: %w", key, err))
			return false
		}
	}

	rec := records.MediaRecord{URL: mediaURL, Title: title, Date: date, SourceType: l.opts.SourceType}
	if l.store.Add(rec) {
		l.logger.Debug("Added", "title", rec.Title, "url", rec.URL, "date", formatDate(date))
	}
	return false
}

// identity resolves the URL a candidate is deduplicated by.
func (l *loop) identity(c Candidate) (string, error) {
	switch {
	case c.Href != "":
		return records.Resolve(l.opts.BaseURL, c.Href)
	case c.PageURL != "" && l.opts.Resolver != nil:
		return records.Resolve(l.opts.BaseURL, c.PageURL)
	}
	return "", errNoLink
}

func (l *loop) date(ctx context.Context, c Candidate, key string) (*time.Time, error) {
	text := strings.TrimSpace(c.DateText)
	if text == "" && l.opts.Enricher != nil {
		var err error
		text, err = l.opts.Enricher.DateText(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("date lookup for %s: %w", key, err)
		}
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, nil
	}
	d, err := l.opts.DateGrammar(text)
	if err != nil {
		return nil, err
	}
	d = datewindow.Truncate(d)
	return &d, nil
}

// admits applies the window. Undated candidates pass only an open window
// unless the source is known to carry no dates.
func (l *loop) admits(date *time.Time) bool {
	if date == nil {
		return l.opts.Window.Open() || l.opts.KeepUndated
	}
	return l.opts.Window.Contains(*date)
}

func (l *loop) skip(c Candidate, err error) {
	l.state.Skipped++
	l.logger.Debug("Skipped candidate", "title", c.Title, "href", c.Href, "error", err)
}

func formatDate(d *time.Time) string {
	if d == nil {
		return "none"
	}
	return d.Format(datewindow.Layout)
}
