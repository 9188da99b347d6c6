// Package page is the contract between the harvesting engine and whatever
// renders pages for it: a headless browser, a plain HTTP client, or a fake.
package page

import (
	"context"
	"errors"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNavigationTimeout is returned when a page operation exceeds its
	// deadline.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrUnsupported is returned by renderers that cannot perform an
	// operation, e.g. script evaluation over plain HTTP.
	ErrUnsupported = errors.New("operation not supported by this page")
)

// Querier finds elements by CSS selector.
type Querier interface {
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// Page is a single rendered page. Implementations are not safe for
// concurrent use; one harvest drives one page.
type Page interface {
	// Goto navigates and waits for the document body.
	Goto(ctx context.Context, url string, timeout time.Duration) error
	// URL is the address last navigated to.
	URL() string
	Querier
	// HTML is the serialised document as currently rendered.
	HTML(ctx context.Context) (string, error)
	ScrollToBottom(ctx context.Context) error
	ScrollBy(ctx context.Context, px int) error
	// Evaluate runs js in the page and decodes its result into out.
	Evaluate(ctx context.Context, js string, out any) error
	// Subscribe starts collecting the URLs of requests the page issues that
	// match pred. The caller must Close the subscription.
	Subscribe(ctx context.Context, pred func(string) bool) (Subscription, error)
}

// Element is a handle on a node of a Page.
type Element interface {
	// Attribute returns the attribute value and whether it was present.
	Attribute(ctx context.Context, name string) (string, bool, error)
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	// Querier searches below this element.
	Querier
}

// Subscription collects request URLs until closed.
type Subscription interface {
	// URLs returns the matches so far, in request order, without duplicates.
	URLs() []string
	// Headers returns the request headers seen for url, keyed in canonical
	// form. Renderers that cannot see headers return nil.
	Headers(url string) map[string]string
	Close()
}

// Request is a captured network request.
type Request struct {
	URL     string
	Headers map[string]string
}

// Sniff opens a subscription for the duration of fn and returns what it
// collected. The subscription is released on every exit path.
func Sniff(ctx context.Context, p Page, pred func(string) bool, fn func(context.Context) error) ([]string, error) {
	reqs, err := SniffRequests(ctx, p, pred, fn)
	urls := make([]string, len(reqs))
	for i, r := range reqs {
		urls[i] = r.URL
	}
	return urls, err
}

// SniffRequests is Sniff keeping each request's headers.
func SniffRequests(ctx context.Context, p Page, pred func(string) bool, fn func(context.Context) error) ([]Request, error) {
	sub, err := p.Subscribe(ctx, pred)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	err = fn(ctx)
	urls := sub.URLs()
	out := make([]Request, len(urls))
	for i, u := range urls {
		out[i] = Request{URL: u, Headers: sub.Headers(u)}
	}
	return out, err
}

// First returns the first element matching selector below root, or nil.
func First(ctx context.Context, root Querier, selector string) (Element, error) {
	els, err := root.QueryAll(ctx, selector)
	if err != nil || len(els) == 0 {
		return nil, err
	}
	return els[0], nil
}

// Collector is a Subscription building block for renderers: it dedupes and
// orders matches and is safe to feed from event callbacks.
type Collector struct {
	mu      sync.Mutex
	pred    func(string) bool
	seen    map[string]bool
	urls    []string
	headers map[string]map[string]string
	closed  bool
	onStop  func()
}

// NewCollector returns a collector that keeps URLs matching pred. onStop, if
// set, runs once on Close.
func NewCollector(pred func(string) bool, onStop func()) *Collector {
	if pred == nil {
		pred = func(string) bool { return true }
	}
	return &Collector{
		pred:    pred,
		seen:    make(map[string]bool),
		headers: make(map[string]map[string]string),
		onStop:  onStop,
	}
}

// Offer records u if it matches and the collector is still open.
func (c *Collector) Offer(u string) { c.OfferRequest(u, nil) }

// OfferRequest is Offer with request headers. Headers offered again for a
// known URL are merged into what was recorded.
func (c *Collector) OfferRequest(u string, headers map[string]string) {
	if !c.pred(u) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.seen[u] {
		c.seen[u] = true
		c.urls = append(c.urls, u)
	}
	if len(headers) == 0 {
		return
	}
	h := c.headers[u]
	if h == nil {
		h = make(map[string]string, len(headers))
		c.headers[u] = h
	}
	for k, v := range headers {
		h[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
}

func (c *Collector) Headers(u string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.headers[u]
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (c *Collector) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.urls))
	copy(out, c.urls)
	return out
}

func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.onStop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

var mediaExts = map[string]bool{
	".m3u8": true, ".mp4": true, ".webm": true, ".mov": true, ".flv": true,
	".f4v": true, ".m4v": true, ".avi": true, ".mpg": true, ".mpeg": true,
	".3gp": true, ".ogg": true, ".ogv": true, ".ts": true,
}

var notMedia = []string{
	".vtt", ".js", "google-analytics", "doubleclick", "/antiforgery",
	"/Toggle", "/closed-captions/", "/Assets/Scripts/",
}

var pageHosts = []string{"youtube.com", "youtu.be", "vimeo.com"}

// IsMediaURL reports whether u looks like a downloadable stream or a page on
// a host the download tool understands.
func IsMediaURL(u string) bool {
	for _, s := range notMedia {
		if strings.Contains(u, s) {
			return false
		}
	}
	parsed, err := url.Parse(u)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}
	if mediaExts[strings.ToLower(path.Ext(parsed.Path))] {
		return true
	}
	host := strings.ToLower(parsed.Host)
	for _, h := range pageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// IsStreamRequest is the predicate used when sniffing network traffic: a
// request for a media file or manifest, but not individual .ts segments.
func IsStreamRequest(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return mediaExts[strings.ToLower(path.Ext(parsed.Path))] && !strings.HasSuffix(strings.ToLower(parsed.Path), ".ts")
}

// IsDocumentURL reports links to PDF documents.
func IsDocumentURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(parsed.Path), ".pdf")
}
