// Package pagetest provides an in-memory page.Page for tests.
package pagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-scripts/harvest/internal/page"
)

// Doc is what the fake renders for one URL.
type Doc struct {
	HTML     string
	Elements map[string][]*Element
	// Requests are fired to subscribers when the document is loaded.
	Requests []string
	// RequestHeaders are sent along with the matching request.
	RequestHeaders map[string]map[string]string
}

// Element is a fake node. Children are keyed by selector.
type Element struct {
	Attrs    map[string]string
	Content  string
	Children map[string][]*Element
	OnClick  func(ctx context.Context) error
	ClickErr error
	Clicks   int
}

func (e *Element) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) Text(context.Context) (string, error) { return e.Content, nil }

func (e *Element) Click(ctx context.Context) error {
	e.Clicks++
	if e.ClickErr != nil {
		return e.ClickErr
	}
	if e.OnClick != nil {
		return e.OnClick(ctx)
	}
	return nil
}

func (e *Element) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	return toElements(e.Children[selector]), nil
}

// Link builds an element with an href and text, as list items usually are.
func Link(href, text string) *Element {
	return &Element{Attrs: map[string]string{"href": href}, Content: text}
}

// Page is a scripted page.Page. Calls counts every operation by name.
type Page struct {
	mu sync.Mutex

	Docs map[string]*Doc
	// GotoErr fails navigation to the keyed URL.
	GotoErr map[string]error
	// Eval answers Evaluate; nil means page.ErrUnsupported.
	Eval func(js string) (any, error)
	// OnScroll runs after every scroll, letting tests grow the document.
	OnScroll func(p *Page)
	// QueryErr, when set, can fail a page-level query. n counts queries for
	// that selector starting at 1.
	QueryErr func(selector string, n int) error

	current string
	subs    []*page.Collector
	queries map[string]int
	Calls   map[string]int
}

func New() *Page {
	return &Page{Docs: make(map[string]*Doc), GotoErr: make(map[string]error), Calls: make(map[string]int)}
}

// Set registers the document served for url and returns it.
func (p *Page) Set(url string, d *Doc) *Doc {
	if d.Elements == nil {
		d.Elements = make(map[string][]*Element)
	}
	p.Docs[url] = d
	return d
}

func (p *Page) count(op string) {
	p.mu.Lock()
	p.Calls[op]++
	p.mu.Unlock()
}

// CallCount returns how often op was invoked.
func (p *Page) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[op]
}

// Current returns the document at the current URL.
func (p *Page) Current() *Doc {
	d, ok := p.Docs[p.current]
	if !ok {
		return &Doc{Elements: map[string][]*Element{}}
	}
	return d
}

func (p *Page) Goto(ctx context.Context, url string, _ time.Duration) error {
	p.count("goto")
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.GotoErr[url]; err != nil {
		return err
	}
	if _, ok := p.Docs[url]; !ok {
		return fmt.Errorf("fake: no document for %s", url)
	}
	p.current = url
	d := p.Docs[url]
	for _, r := range d.Requests {
		p.fire(r, d.RequestHeaders[r])
	}
	return nil
}

// Navigate switches documents without counting a goto, as a click would.
func (p *Page) Navigate(url string) { p.current = url }

func (p *Page) URL() string { return p.current }

func (p *Page) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	p.count("query")
	if p.QueryErr != nil {
		p.mu.Lock()
		if p.queries == nil {
			p.queries = make(map[string]int)
		}
		p.queries[selector]++
		n := p.queries[selector]
		p.mu.Unlock()
		if err := p.QueryErr(selector, n); err != nil {
			return nil, err
		}
	}
	return toElements(p.Current().Elements[selector]), nil
}

func (p *Page) HTML(context.Context) (string, error) {
	p.count("html")
	return p.Current().HTML, nil
}

func (p *Page) ScrollToBottom(context.Context) error {
	p.count("scroll")
	if p.OnScroll != nil {
		p.OnScroll(p)
	}
	return nil
}

func (p *Page) ScrollBy(ctx context.Context, _ int) error { return p.ScrollToBottom(ctx) }

func (p *Page) Evaluate(_ context.Context, js string, out any) error {
	p.count("evaluate")
	if p.Eval == nil {
		return page.ErrUnsupported
	}
	v, err := p.Eval(js)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *Page) Subscribe(_ context.Context, pred func(string) bool) (page.Subscription, error) {
	p.count("subscribe")
	p.mu.Lock()
	defer p.mu.Unlock()
	c := page.NewCollector(pred, func() { p.count("unsubscribe") })
	p.subs = append(p.subs, c)
	return c, nil
}

// fire delivers a request to every open subscription.
func (p *Page) fire(u string, headers map[string]string) {
	p.mu.Lock()
	subs := append([]*page.Collector(nil), p.subs...)
	p.mu.Unlock()
	for _, s := range subs {
		s.OfferRequest(u, headers)
	}
}

func toElements(in []*Element) []page.Element {
	out := make([]page.Element, len(in))
	for i, e := range in {
		out[i] = e
	}
	return out
}

var _ page.Page = (*Page)(nil)
