package ladder

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/records"
)

const playControls = `button[aria-label="Play"], .play, .vjs-play-control`

var errNoSrc = errors.New("element has no usable src")

// Checker checks whether a download tool can resolve a URL as-is.
type Checker interface {
	Resolves(ctx context.Context, url string) error
}

// Defaults returns the standard order of strategies. A nil resolver skips the
// direct check.
func Defaults(resolver Checker) []Strategy {
	var out []Strategy
	if resolver != nil {
		out = append(out, &DirectResolvability{Resolver: resolver})
	}
	return append(out,
		&DomVideoElement{PlayWait: 3 * time.Second},
		&DomSourceElement{},
		&IframeDescent{Resolver: resolver, SettleWait: 2 * time.Second},
		&ScriptRegexScan{},
		&NetworkRequestSniffing{SettleWait: 5 * time.Second},
		&DownloadLinkHeuristic{},
	)
}

// DirectResolvability accepts the page URL when the download tool can handle
// it without any extraction.
type DirectResolvability struct {
	Resolver Checker
}

func (*DirectResolvability) ID() string { return "direct" }

func (s *DirectResolvability) Attempt(ctx context.Context, t *Target) Result {
	if err := s.Resolver.Resolves(ctx, t.URL); err != nil {
		return failed(err)
	}
	return found(t.URL)
}

// DomVideoElement reads the src of the first <video>. When it is missing the
// player's play control is clicked once and the element re-read.
type DomVideoElement struct {
	PlayWait time.Duration
}

func (*DomVideoElement) ID() string { return "dom-video" }

func (s *DomVideoElement) Attempt(ctx context.Context, t *Target) Result {
	if err := t.Load(ctx); err != nil {
		return failed(err)
	}
	if u, err := srcOf(ctx, t.Page, "video"); err == nil {
		return found(u)
	}

	play, err := page.First(ctx, t.Page, playControls)
	if err != nil || play == nil {
		return failed(errNoSrc)
	}
	if err := play.Click(ctx); err != nil {
		return failed(err)
	}
	if err := sleep(ctx, s.PlayWait); err != nil {
		return failed(err)
	}
	u, err := srcOf(ctx, t.Page, "video")
	if err != nil {
		return failed(err)
	}
	return found(u)
}

// DomSourceElement reads the first <video><source> src.
type DomSourceElement struct{}

func (*DomSourceElement) ID() string { return "dom-source" }

func (s *DomSourceElement) Attempt(ctx context.Context, t *Target) Result {
	if err := t.Load(ctx); err != nil {
		return failed(err)
	}
	u, err := srcOf(ctx, t.Page, "video source")
	if err != nil {
		return failed(err)
	}
	return found(u)
}

// IframeDescent looks at embedded players. An iframe the resolver accepts, or
// one pointing at a known video host, is the answer; otherwise the frame is
// opened on its own and its video elements inspected.
type IframeDescent struct {
	Resolver   Checker
	SettleWait time.Duration
}

func (*IframeDescent) ID() string { return "iframe" }

func (s *IframeDescent) Attempt(ctx context.Context, t *Target) Result {
	if err := t.Load(ctx); err != nil {
		return failed(err)
	}
	doc, err := document(ctx, t.Page)
	if err != nil {
		return failed(err)
	}

	var frames []string
	doc.Find("iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if u, err := records.Resolve(t.Page.URL(), src); err == nil {
			frames = append(frames, u)
		}
	})
	if len(frames) == 0 {
		return failed(errors.New("no iframes"))
	}

	for _, u := range frames {
		if page.IsMediaURL(u) {
			return found(u)
		}
		if s.Resolver != nil && s.Resolver.Resolves(ctx, u) == nil {
			return found(u)
		}
	}

	var last error
	for _, u := range frames {
		t.MarkDirty()
		if err := t.Page.Goto(ctx, u, t.Timeout); err != nil {
			last = err
			continue
		}
		if err := sleep(ctx, s.SettleWait); err != nil {
			return failed(err)
		}
		for _, sel := range []string{"video", "video source"} {
			if v, err := srcOf(ctx, t.Page, sel); err == nil {
				return found(v)
			}
		}
		if inner, err := document(ctx, t.Page); err == nil {
			if v := scanScripts(inner, t.Page.URL()); v != "" {
				return found(v)
			}
		}
	}
	return failed(last)
}

// ScriptRegexScan searches inline scripts for stream URLs.
type ScriptRegexScan struct{}

func (*ScriptRegexScan) ID() string { return "script-scan" }

func (s *ScriptRegexScan) Attempt(ctx context.Context, t *Target) Result {
	if err := t.Load(ctx); err != nil {
		return failed(err)
	}
	doc, err := document(ctx, t.Page)
	if err != nil {
		return failed(err)
	}
	if u := scanScripts(doc, t.Page.URL()); u != "" {
		return found(u)
	}
	return failed(nil)
}

// NetworkRequestSniffing reloads the page while watching its requests and
// takes the first stream it fetches, preferring HLS manifests.
type NetworkRequestSniffing struct {
	SettleWait time.Duration
}

func (*NetworkRequestSniffing) ID() string { return "network-sniff" }

func (s *NetworkRequestSniffing) Attempt(ctx context.Context, t *Target) Result {
	seen, err := page.SniffRequests(ctx, t.Page, page.IsStreamRequest, func(ctx context.Context) error {
		if err := t.Reload(ctx); err != nil {
			return err
		}
		if play, _ := page.First(ctx, t.Page, playControls); play != nil {
			_ = play.Click(ctx)
		}
		return sleep(ctx, s.SettleWait)
	})
	if len(seen) == 0 {
		return failed(err)
	}
	pick := seen[0]
	for _, r := range seen {
		if strings.Contains(strings.ToLower(r.URL), ".m3u8") {
			pick = r
			break
		}
	}
	res := found(pick.URL)
	res.Headers = forwardHeaders(pick.Headers, t.URL)
	return res
}

// forwarded are the request headers a CDN may check before serving a stream.
var forwarded = []string{"Referer", "Origin", "Cookie", "User-Agent"}

// forwardHeaders keeps the headers worth replaying to a download tool. The
// meeting page is the referer when the request carried none.
func forwardHeaders(h map[string]string, pageURL string) map[string]string {
	out := map[string]string{"Referer": pageURL}
	for _, k := range forwarded {
		if v := h[k]; v != "" {
			out[k] = v
		}
	}
	return out
}

// DownloadLinkHeuristic picks an anchor that points at a media file or
// document, preferring ones marked as downloads.
type DownloadLinkHeuristic struct{}

func (*DownloadLinkHeuristic) ID() string { return "download-link" }

func (s *DownloadLinkHeuristic) Attempt(ctx context.Context, t *Target) Result {
	if err := t.Load(ctx); err != nil {
		return failed(err)
	}
	doc, err := document(ctx, t.Page)
	if err != nil {
		return failed(err)
	}

	var marked, plain string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		u, err := records.Resolve(t.Page.URL(), href)
		if err != nil || !(page.IsMediaURL(u) || page.IsDocumentURL(u)) {
			return true
		}
		_, hasAttr := sel.Attr("download")
		if hasAttr || strings.Contains(strings.ToLower(sel.Text()), "download") {
			marked = u
			return false
		}
		if plain == "" {
			plain = u
		}
		return true
	})
	switch {
	case marked != "":
		return found(marked)
	case plain != "":
		return found(plain)
	}
	return failed(nil)
}

// srcOf returns the resolved src of the first element matching selector.
func srcOf(ctx context.Context, p page.Page, selector string) (string, error) {
	el, err := page.First(ctx, p, selector)
	if err != nil {
		return "", err
	}
	if el == nil {
		return "", errNoSrc
	}
	src, ok, err := el.Attribute(ctx, "src")
	if err != nil {
		return "", err
	}
	src = strings.TrimSpace(src)
	if !ok || src == "" || strings.HasPrefix(src, "blob:") {
		return "", errNoSrc
	}
	return records.Resolve(p.URL(), src)
}

func document(ctx context.Context, p page.Page) (*goquery.Document, error) {
	html, err := p.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

var streamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://[^"'\s]+\.m3u8[^"'\s]*`),
	regexp.MustCompile(`https?://[^"'\s]+\.mp4[^"'\s]*`),
	regexp.MustCompile(`rtmps?://[^"'\s]+`),
	regexp.MustCompile(`src["\s]*:["\s]*["']([^"']*\.(?:m3u8|mp4|webm)[^"']*)`),
}

// scanScripts returns the first stream URL found in inline script bodies,
// trying patterns in order of preference.
func scanScripts(doc *goquery.Document, base string) string {
	var bodies []string
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if text := sel.Text(); strings.TrimSpace(text) != "" {
			bodies = append(bodies, strings.ReplaceAll(text, `\/`, "/"))
		}
	})
	for _, re := range streamPatterns {
		for _, body := range bodies {
			for _, m := range re.FindAllStringSubmatch(body, -1) {
				candidate := m[0]
				if len(m) > 1 {
					candidate = m[1]
				}
				if strings.HasPrefix(candidate, "rtmp") {
					return candidate
				}
				u, err := records.Resolve(base, candidate)
				if err == nil && page.IsMediaURL(u) {
					return u
				}
			}
		}
	}
	return ""
}
