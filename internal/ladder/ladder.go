// Package ladder resolves the media URL behind a meeting page by trying an
// ordered list of extraction strategies until one produces a reference.
package ladder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/harvest/internal/page"
)

// ErrNoMedia is returned when every strategy failed to locate a usable
// reference.
var ErrNoMedia = errors.New("no media reference found")

const defaultTimeout = 60 * time.Second

// Result is the outcome of one strategy attempt, or of a whole ladder run.
type Result struct {
	StrategyID string
	Succeeded  bool
	URL        string
	// Headers are the request headers the media needs to be fetched with,
	// when the strategy could observe them.
	Headers map[string]string
	Err     error
}

func found(u string) Result { return Result{Succeeded: true, URL: u} }

func failed(err error) Result {
	if err == nil {
		err = ErrNoMedia
	}
	return Result{Err: err}
}

// Strategy is one rung of the ladder.
type Strategy interface {
	ID() string
	Attempt(ctx context.Context, t *Target) Result
}

// Target is the meeting page under resolution. The page is loaded lazily, so
// strategies that never touch it (a direct check) cost no navigation.
type Target struct {
	URL     string
	Page    page.Page
	Timeout time.Duration

	loaded bool
	dirty  bool
}

// Load navigates to URL unless the page is already showing it.
func (t *Target) Load(ctx context.Context) error {
	if t.loaded && !t.dirty {
		return nil
	}
	return t.Reload(ctx)
}

// Reload navigates to URL unconditionally.
func (t *Target) Reload(ctx context.Context) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if err := t.Page.Goto(ctx, t.URL, timeout); err != nil {
		t.loaded = false
		return fmt.Errorf("load %s: %w", t.URL, err)
	}
	t.loaded, t.dirty = true, false
	return nil
}

// MarkDirty records that the page was navigated away from URL.
func (t *Target) MarkDirty() { t.dirty = true }

// Ladder runs strategies in order. It is not safe for concurrent use; the
// attempt trace belongs to the last Run.
type Ladder struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *log.Logger
	attempts   []Result
}

// Option configures a Ladder.
type Option func(*Ladder)

func WithLogger(l *log.Logger) Option { return func(ld *Ladder) { ld.logger = l } }

// WithTimeout sets the navigation timeout for the meeting page.
func WithTimeout(d time.Duration) Option { return func(ld *Ladder) { ld.timeout = d } }

func New(strategies []Strategy, opts ...Option) *Ladder {
	l := &Ladder{strategies: strategies, timeout: defaultTimeout, logger: log.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run tries each strategy in order and returns the first success. Later
// strategies are never invoked once one succeeds. When all fail the result
// carries ErrNoMedia.
func (l *Ladder) Run(ctx context.Context, p page.Page, url string) Result {
	l.attempts = l.attempts[:0]
	t := &Target{URL: url, Page: p, Timeout: l.timeout}

	for _, s := range l.strategies {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}
		res := s.Attempt(ctx, t)
		res.StrategyID = s.ID()
		l.attempts = append(l.attempts, res)
		if res.Succeeded {
			l.logger.Debug("Resolved media", "url", url, "strategy", res.StrategyID, "media", res.URL)
			return res
		}
		l.logger.Debug("Strategy failed", "url", url, "strategy", res.StrategyID, "error", res.Err)
	}
	return failed(fmt.Errorf("%s: %w", url, ErrNoMedia))
}

// Attempts is the trace of the last Run.
func (l *Ladder) Attempts() []Result {
	out := make([]Result, len(l.attempts))
	copy(out, l.attempts)
	return out
}

// Resolver adapts a Ladder and a dedicated page to harvest.Resolver.
type Resolver struct {
	Ladder *Ladder
	Page   page.Page
}

func (r *Resolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	res := r.Ladder.Run(ctx, r.Page, pageURL)
	if !res.Succeeded {
		return "", res.Err
	}
	return res.URL, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
