package sites

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/records"
)

var errPageUnchanged = errors.New("listing did not change after paging")

// SourceOptions tune how hard a listing is driven.
type SourceOptions struct {
	// NavigationTimeout bounds each page load.
	NavigationTimeout time.Duration
	// Interval is the minimum time between two loads or scrolls.
	Interval time.Duration
	// ScrollWait lets an infinite list append items after a scroll.
	ScrollWait time.Duration
	// PollInterval and PollAttempts bound the wait for click pagination.
	PollInterval time.Duration
	PollAttempts int
	Logger       *log.Logger
}

func DefaultSourceOptions() SourceOptions {
	return SourceOptions{
		NavigationTimeout: 60 * time.Second,
		Interval:          time.Second,
		ScrollWait:        2 * time.Second,
		PollInterval:      time.Second,
		PollAttempts:      30,
	}
}

// ListingSource drives one site's listing through a page. It implements
// harvest.Source.
type ListingSource struct {
	profile Profile
	base    string
	page    page.Page
	opts    SourceOptions
	limiter *rate.Limiter
	logger  *log.Logger

	pageNum int
	current []harvest.Candidate
	seen    map[string]bool
}

func NewListingSource(p Profile, baseURL string, pg page.Page, opts SourceOptions) *ListingSource {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &ListingSource{
		profile: p,
		base:    baseURL,
		page:    pg,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		seen:    make(map[string]bool),
	}
}

// Advance loads the next slice of the listing and returns how many distinct
// items have been seen so far. Only a failed load, click or scroll is
// returned as an error.
func (s *ListingSource) Advance(ctx context.Context) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return len(s.seen), err
	}

	var err error
	switch s.profile.Mode {
	case URLPaginate:
		err = s.nextURL(ctx)
	case ClickPaginate:
		err = s.nextClick(ctx)
	case InfiniteScroll:
		err = s.scroll(ctx)
	default:
		err = fmt.Errorf("unknown mode %s", s.profile.Mode)
	}
	if err != nil {
		return len(s.seen), err
	}

	// The trigger worked, so a failed read only empties this cycle.
	items, err := s.extract(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return len(s.seen), ctx.Err()
		}
		s.logger.Warn("Reading listing items failed", "site", s.profile.Name, "page", s.pageNum, "error", err)
		s.current = nil
		return len(s.seen), nil
	}
	if len(items) == 0 && s.profile.Mode == URLPaginate {
		return len(s.seen), harvest.ErrNoMoreContent
	}
	s.current = items
	for _, c := range items {
		if key := c.Href + c.PageURL; key != "" {
			s.seen[key] = true
		}
	}
	s.logger.Debug("Listing advanced", "site", s.profile.Name, "mode", s.profile.Mode, "page", s.pageNum, "visible", len(items), "seen", len(s.seen))
	return len(s.seen), nil
}

// Candidates returns the items extracted by the last Advance.
func (s *ListingSource) Candidates(context.Context) ([]harvest.Candidate, error) {
	out := make([]harvest.Candidate, len(s.current))
	copy(out, s.current)
	return out, nil
}

func (s *ListingSource) nextURL(ctx context.Context) error {
	s.pageNum++
	target, ok := s.base, s.pageNum == 1
	if s.profile.PageURL != nil {
		target, ok = s.profile.PageURL(s.base, s.pageNum)
	}
	if !ok {
		return harvest.ErrNoMoreContent
	}
	return s.page.Goto(ctx, target, s.opts.NavigationTimeout)
}

func (s *ListingSource) nextClick(ctx context.Context) error {
	if s.pageNum == 0 {
		s.pageNum = 1
		return s.page.Goto(ctx, s.base, s.opts.NavigationTimeout)
	}

	links, err := s.page.QueryAll(ctx, s.profile.Selectors.NextPage)
	if err != nil {
		return err
	}
	want := strconv.Itoa(s.pageNum + 1)
	var next page.Element
	for _, l := range links {
		text, err := l.Text(ctx)
		if err == nil && strings.TrimSpace(text) == want {
			next = l
			break
		}
	}
	if next == nil {
		return harvest.ErrNoMoreContent
	}

	before := s.firstHref(ctx)
	if err := next.Click(ctx); err != nil {
		return fmt.Errorf("click page %s: %w", want, err)
	}
	s.pageNum++

	for i := 0; i < s.opts.PollAttempts; i++ {
		if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
		if now := s.firstHref(ctx); now != "" && now != before {
			return nil
		}
	}
	return fmt.Errorf("page %s: %w", want, errPageUnchanged)
}

func (s *ListingSource) firstHref(ctx context.Context) string {
	sel := s.profile.Selectors.Item
	if s.profile.Selectors.Link != "" {
		sel += " " + s.profile.Selectors.Link
	}
	el, err := page.First(ctx, s.page, sel)
	if err != nil || el == nil {
		return ""
	}
	href, _, _ := el.Attribute(ctx, "href")
	return href
}

func (s *ListingSource) scroll(ctx context.Context) error {
	if s.pageNum == 0 {
		s.pageNum = 1
		return s.page.Goto(ctx, s.base, s.opts.NavigationTimeout)
	}
	if err := s.page.ScrollToBottom(ctx); err != nil {
		return err
	}
	return sleep(ctx, s.opts.ScrollWait)
}

// extract reads every visible item. Items missing a link are passed through
// so the loop can account for them.
func (s *ListingSource) extract(ctx context.Context) ([]harvest.Candidate, error) {
	sel := s.profile.Selectors
	items, err := s.page.QueryAll(ctx, sel.Item)
	if err != nil {
		return nil, err
	}

	out := make([]harvest.Candidate, 0, len(items))
	for _, it := range items {
		c, keep := s.candidate(ctx, it)
		if keep {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *ListingSource) candidate(ctx context.Context, it page.Element) (harvest.Candidate, bool) {
	sel := s.profile.Selectors
	var c harvest.Candidate

	link := it
	if sel.Link != "" {
		l, err := page.First(ctx, it, sel.Link)
		if err != nil || l == nil {
			return c, true
		}
		link = l
	}
	href, _, _ := link.Attribute(ctx, "href")
	href = strings.TrimSpace(href)
	if sel.LinkPrefix != "" && !strings.HasPrefix(href, sel.LinkPrefix) {
		return c, false
	}
	if href != "" {
		if abs, err := records.Resolve(s.page.URL(), href); err == nil {
			href = abs
		}
	}

	c.Title = s.text(ctx, it, sel.Title)
	if c.Title == "" {
		c.Title = s.text(ctx, link, "")
		if c.Title == "" {
			c.Title, _, _ = link.Attribute(ctx, "aria-label")
		}
	}
	switch {
	case sel.Date != "":
		c.DateText = s.text(ctx, it, sel.Date)
	case s.profile.DateFromTitle:
		c.DateText = c.Title
	}

	if s.profile.ResolveMedia {
		c.PageURL = href
	} else {
		c.Href = href
	}
	return c, true
}

// text returns the trimmed text of the first match of selector under el, or
// of el itself when selector is empty.
func (s *ListingSource) text(ctx context.Context, el page.Element, selector string) string {
	if selector != "" {
		found, err := page.First(ctx, el, selector)
		if err != nil || found == nil {
			return ""
		}
		el = found
	}
	t, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(t), " ")
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
