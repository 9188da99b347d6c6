// Package static implements page.Page over plain HTTP for sites that render
// their listings on the server. Scrolling is a no-op and scripts never run.
package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/records"
)

const defaultTimeout = 30 * time.Second

type Page struct {
	client    *http.Client
	userAgent string

	url string
	doc *goquery.Document

	mu   sync.Mutex
	subs []*page.Collector
}

func New(client *http.Client, userAgent string) *Page {
	if client == nil {
		client = &http.Client{}
	}
	return &Page{client: client, userAgent: userAgent}
}

func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	p.fire(url)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", page.ErrNavigationTimeout, url)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	root, err := html.Parse(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", page.ErrNavigationTimeout, url)
		}
		return fmt.Errorf("parse %s: %w", url, err)
	}
	p.doc = goquery.NewDocumentFromNode(root)
	p.url = resp.Request.URL.String()
	return nil
}

func (p *Page) URL() string { return p.url }

func (p *Page) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	if p.doc == nil {
		return nil, nil
	}
	return p.wrap(p.doc.Find(selector)), nil
}

func (p *Page) wrap(sel *goquery.Selection) []page.Element {
	out := make([]page.Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &element{p: p, sel: s})
	})
	return out
}

func (p *Page) HTML(context.Context) (string, error) {
	if p.doc == nil {
		return "", nil
	}
	return p.doc.Html()
}

func (p *Page) ScrollToBottom(context.Context) error { return nil }

func (p *Page) ScrollBy(context.Context, int) error { return nil }

func (p *Page) Evaluate(context.Context, string, any) error { return page.ErrUnsupported }

// Subscribe reports the URLs this page fetches while the subscription is
// open.
func (p *Page) Subscribe(_ context.Context, pred func(string) bool) (page.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := page.NewCollector(pred, nil)
	p.subs = append(p.subs, c)
	return c, nil
}

func (p *Page) fire(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.subs {
		c.Offer(u)
	}
}

type element struct {
	p   *Page
	sel *goquery.Selection
}

func (e *element) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.sel.Attr(name)
	return v, ok, nil
}

func (e *element) Text(context.Context) (string, error) { return e.sel.Text(), nil }

// Click follows the element's href, which is all a link does without
// scripts.
func (e *element) Click(ctx context.Context) error {
	href, ok := e.sel.Attr("href")
	if !ok {
		return fmt.Errorf("click without href: %w", page.ErrUnsupported)
	}
	u, err := records.Resolve(e.p.url, href)
	if err != nil {
		return err
	}
	return e.p.Goto(ctx, u, defaultTimeout)
}

func (e *element) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	return e.p.wrap(e.sel.Find(selector)), nil
}

var _ page.Page = (*Page)(nil)
