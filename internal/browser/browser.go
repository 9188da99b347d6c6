// Package browser renders pages with headless Chrome through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sethvargo/go-retry"

	"github.com/go-scripts/harvest/internal/page"
)

// Config holds the browser settings.
type Config struct {
	Headless          bool          `yaml:"headless"`
	ExecPath          string        `yaml:"exec_path"`
	UserAgent         string        `yaml:"user_agent"`
	WindowWidth       int           `yaml:"window_width"`
	WindowHeight      int           `yaml:"window_height"`
	NavigationRetries uint64        `yaml:"navigation_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	// OperationTimeout bounds every non-navigation call.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// Language fixes the locale pages render in, so relative dates read the
	// same whatever the host locale is.
	Language string `yaml:"language"`
}

func DefaultConfig() Config {
	return Config{
		Headless:          true,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Language:          "en-US",
		WindowWidth:       1920,
		WindowHeight:      1080,
		NavigationRetries: 2,
		RetryBackoff:      time.Second,
		OperationTimeout:  30 * time.Second,
	}
}

// Browser is one Chrome process shared by all pages.
type Browser struct {
	cfg           Config
	logger        *log.Logger
	ctx           context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// New starts Chrome. The process lives until Close.
func New(cfg Config, logger *log.Logger) (*Browser, error) {
	if logger == nil {
		logger = log.Default()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Language != "" {
		opts = append(opts,
			chromedp.Flag("lang", cfg.Language),
			chromedp.Flag("accept-lang", cfg.Language),
		)
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Debug("Browser started", "headless", cfg.Headless)
	return &Browser{
		cfg:           cfg,
		logger:        logger,
		ctx:           browserCtx,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
	}, nil
}

func (b *Browser) Close() {
	b.browserCancel()
	b.allocCancel()
}

// NewPage opens a tab.
func (b *Browser) NewPage() (*Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	var actions []chromedp.Action
	if b.cfg.Language != "" {
		actions = append(actions,
			network.Enable(),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": b.cfg.Language}),
		)
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Page{tab: tabCtx, cancel: cancel, cfg: b.cfg, logger: b.logger}, nil
}

// Page is one browser tab.
type Page struct {
	tab    context.Context
	cancel context.CancelFunc
	cfg    Config
	logger *log.Logger
	url    string
}

// Close closes the tab.
func (p *Page) Close() { p.cancel() }

// run executes actions on the tab, bounded by timeout and by the caller's
// context.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = p.cfg.OperationTimeout
	}
	runCtx, cancel := context.WithTimeout(p.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", page.ErrNavigationTimeout, timeout, err)
	}
	return err
}

func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	backoff := retry.WithMaxRetries(p.cfg.NavigationRetries, retry.NewExponential(orDefault(p.cfg.RetryBackoff, time.Second)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.run(ctx, timeout, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
		if transient(err) {
			p.logger.Debug("Retrying navigation", "url", url, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	p.url = url
	return nil
}

// transient reports network failures worth another attempt. Timeouts are
// not retried; the caller decides what a slow site costs.
func transient(err error) bool {
	if err == nil || errors.Is(err, page.ErrNavigationTimeout) || errors.Is(err, context.Canceled) {
		return false
	}
	return strings.Contains(err.Error(), "net::ERR_")
}

func (p *Page) URL() string { return p.url }

func (p *Page) QueryAll(ctx context.Context, selector string) ([]page.Element, error) {
	return p.query(ctx, selector)
}

func (p *Page) query(ctx context.Context, selector string, opts ...chromedp.QueryOption) ([]page.Element, error) {
	var nodes []*cdp.Node
	opts = append([]chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}, opts...)
	if err := p.run(ctx, 0, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	out := make([]page.Element, len(nodes))
	for i, n := range nodes {
		out[i] = &element{p: p, node: n}
	}
	return out, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *Page) ScrollToBottom(ctx context.Context) error {
	return p.run(ctx, 0, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

func (p *Page) ScrollBy(ctx context.Context, px int) error {
	return p.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, px), nil))
}

func (p *Page) Evaluate(ctx context.Context, js string, out any) error {
	return p.run(ctx, 0, chromedp.Evaluate(js, out))
}

// Subscribe records request URLs seen by the tab's network domain. The
// listener is detached when the subscription is closed.
func (p *Page) Subscribe(ctx context.Context, pred func(string) bool) (page.Subscription, error) {
	if err := p.run(ctx, 0, network.Enable()); err != nil {
		return nil, fmt.Errorf("enable network events: %w", err)
	}
	listenCtx, cancel := context.WithCancel(p.tab)
	c := page.NewCollector(pred, cancel)

	// Cookies only show up in the extra-info event, which may arrive before
	// or after the request itself.
	var (
		mu    sync.Mutex
		urls  = make(map[network.RequestID]string)
		extra = make(map[network.RequestID]map[string]string)
	)
	chromedp.ListenTarget(listenCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			urls[e.RequestID] = e.Request.URL
			pending := extra[e.RequestID]
			delete(extra, e.RequestID)
			mu.Unlock()
			c.OfferRequest(e.Request.URL, headerMap(e.Request.Headers))
			if pending != nil {
				c.OfferRequest(e.Request.URL, pending)
			}
		case *network.EventRequestWillBeSentExtraInfo:
			h := headerMap(e.Headers)
			mu.Lock()
			u, ok := urls[e.RequestID]
			if !ok {
				extra[e.RequestID] = h
			}
			mu.Unlock()
			if ok {
				c.OfferRequest(u, h)
			}
		}
	})
	return c, nil
}

func headerMap(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

type element struct {
	p    *Page
	node *cdp.Node
}

func (e *element) ids() []cdp.NodeID { return []cdp.NodeID{e.node.NodeID} }

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := e.p.run(ctx, 0, chromedp.AttributeValue(e.ids(), name, &v, &ok, chromedp.ByNodeID))
	return v, ok, err
}

func (e *element) Text(ctx context.Context) (string, error) {
	var s string
	err := e.p.run(ctx, 0, chromedp.TextContent(e.ids(), &s, chromedp.ByNodeID))
	return s, err
}

func (e *element) Click(ctx context.Context) error {
	return e.p.run(ctx, 0, chromedp.Click(e.ids(), chromedp.ByNodeID))
}

func (e *element) QueryAll(ctx context.Context, selector string) ([]page.Element, error) {
	return e.p.query(ctx, selector, chromedp.FromNode(e.node))
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

var _ page.Page = (*Page)(nil)
