// Package sites maps base URLs to harvesting profiles and drives a site's
// listing through a page.
package sites

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-scripts/harvest/internal/convergence"
	"github.com/go-scripts/harvest/internal/datewindow"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/records"
)

// ErrUnsupported means no profile matches a base URL.
var ErrUnsupported = errors.New("site unsupported")

// Mode is how a listing reveals more items.
type Mode int

const (
	// URLPaginate loads numbered listing pages by URL.
	URLPaginate Mode = iota
	// ClickPaginate clicks the next page number and waits for the list to
	// change.
	ClickPaginate
	// InfiniteScroll scrolls to the bottom and lets the page append items.
	InfiniteScroll
)

func (m Mode) String() string {
	switch m {
	case URLPaginate:
		return "url-paginate"
	case ClickPaginate:
		return "click-paginate"
	case InfiniteScroll:
		return "infinite-scroll"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Renderer selects the page implementation a profile needs.
type Renderer int

const (
	Browser Renderer = iota
	Static
)

// Selectors locate listing items and their parts. Link, Title and Date are
// relative to Item; an empty Link means the item is the link itself.
type Selectors struct {
	Item  string
	Link  string
	Title string
	Date  string
	// LinkPrefix keeps only hrefs starting with it.
	LinkPrefix string
	// NextPage matches the numbered pagination links for ClickPaginate.
	NextPage string
	// DetailDate is read from an item's own page when the listing has no
	// dates.
	DetailDate string
	// Dismiss closes pop-ups on detail pages.
	Dismiss string
}

// Profile is everything the engine needs to know about one site.
type Profile struct {
	Name      string
	Match     func(baseURL string) bool
	Mode      Mode
	Renderer  Renderer
	Selectors Selectors
	// PageURL builds the listing URL for page n, starting at 1. It reports
	// false when there is no such page. Nil means the base URL is the only
	// entry point.
	PageURL func(base string, n int) (string, bool)
	// DateFromTitle takes the date text from the title.
	DateFromTitle bool
	DateGrammar   harvest.DateGrammar
	// Ordered asserts newest-first listings.
	Ordered     bool
	KeepUndated bool
	SourceType  records.SourceType
	// ResolveMedia sends item pages through the extraction ladder.
	ResolveMedia bool
	Convergence  convergence.Config
}

// Registry resolves base URLs to profiles, first match wins.
type Registry struct {
	profiles []Profile
}

func NewRegistry(profiles ...Profile) *Registry {
	return &Registry{profiles: profiles}
}

// Lookup returns the profile for baseURL.
func (r *Registry) Lookup(baseURL string) (Profile, error) {
	for _, p := range r.profiles {
		if p.Match(baseURL) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%s: %w", baseURL, ErrUnsupported)
}

// Names lists the registered profiles.
func (r *Registry) Names() []string {
	out := make([]string, len(r.profiles))
	for i, p := range r.profiles {
		out[i] = p.Name
	}
	return out
}

func contains(sub string) func(string) bool {
	return func(u string) bool { return strings.Contains(strings.ToLower(u), strings.ToLower(sub)) }
}

func queryPage(path, format string) func(string, int) (string, bool) {
	return func(base string, n int) (string, bool) {
		return strings.TrimRight(base, "/") + path + fmt.Sprintf(format, n), true
	}
}

func firstPageOnly(base string, n int) (string, bool) {
	return base, n == 1
}

// Default is the registry of known municipal sites.
func Default() *Registry {
	return NewRegistry(
		Detroit(),
		Lansdale(),
		YouTubeStreams(),
		CharlestonCivicClerk(),
		RegionalWebTV(),
		FacebookVideos(),
		WinchesterCivicWeb(),
	)
}

// Detroit is the cablecast VOD gallery. Titles end with the meeting date as
// MM-DD-YYYY and the gallery is newest first.
func Detroit() Profile {
	return Profile{
		Name:     "detroit-cablecast",
		Match:    contains("detroit-vod.cablecast.tv"),
		Mode:     URLPaginate,
		Renderer: Browser,
		Selectors: Selectors{
			Item:  ".show-stub",
			Link:  "a",
			Title: "h3",
		},
		PageURL:       queryPage("/gallery/3", "?page=%d&site=1"),
		DateFromTitle: true,
		DateGrammar:   datewindow.FindDashed,
		Ordered:       true,
		SourceType:    records.Video,
	}
}

// Lansdale lists CivicMedia videos with numbered postback pagination. The
// upload date only appears on each video's own page.
func Lansdale() Profile {
	return Profile{
		Name:     "lansdale-civicmedia",
		Match:    contains("lansdale.org"),
		Mode:     ClickPaginate,
		Renderer: Browser,
		Selectors: Selectors{
			Item:       ".video",
			Link:       "a",
			Title:      "h3",
			LinkPrefix: "/CivicMedia.aspx?VID=",
			NextPage:   `span[id*="dpgVideos"] a`,
			DetailDate: "dd.first",
			Dismiss:    `button[aria-label="Close"], .close, .modal-close`,
		},
		SourceType: records.Video,
	}
}

// YouTubeStreams is a channel's live tab: infinite scroll, newest first,
// relative dates such as "Streamed 3 weeks ago".
func YouTubeStreams() Profile {
	return Profile{
		Name:     "youtube-streams",
		Match:    contains("youtube.com/@slclivemeetings/streams"),
		Mode:     InfiniteScroll,
		Renderer: Browser,
		Selectors: Selectors{
			Item:  "ytd-rich-item-renderer",
			Link:  "a#video-title-link",
			Title: "#video-title",
			Date:  "#metadata-line span:nth-of-type(2)",
		},
		Ordered:     true,
		SourceType:  records.Video,
		Convergence: convergence.Config{Patience: 4, Ceiling: 2000},
	}
}

// CharlestonCivicClerk is a civicclerk portal. Event pages embed the player,
// so media URLs come from the extraction ladder.
func CharlestonCivicClerk() Profile {
	return Profile{
		Name:     "charleston-civicclerk",
		Match:    contains("charlestonwv.portal.civicclerk.com"),
		Mode:     InfiniteScroll,
		Renderer: Browser,
		Selectors: Selectors{
			Item:  `li[class*="event"], [data-testid*="event"]`,
			Link:  `a[href*="/event/"]`,
			Title: `h3, [class*="eventTitle"]`,
			Date:  `time, [class*="eventDate"]`,
		},
		Ordered:      true,
		SourceType:   records.Video,
		ResolveMedia: true,
	}
}

// RegionalWebTV lists a channel's programs across numbered pages.
func RegionalWebTV() Profile {
	return Profile{
		Name:     "regionalwebtv",
		Match:    contains("regionalwebtv.com/fredcc"),
		Mode:     URLPaginate,
		Renderer: Browser,
		Selectors: Selectors{
			Item:  ".views-row",
			Link:  "a",
			Title: ".views-field-title",
			Date:  ".date-display-single, .views-field-created",
		},
		PageURL: func(base string, n int) (string, bool) {
			return strings.TrimRight(base, "/") + fmt.Sprintf("?page=%d", n-1), true
		},
		Ordered:      true,
		SourceType:   records.Video,
		ResolveMedia: true,
	}
}

// FacebookVideos is a page's video tab. It shows no dates, so every video
// is kept regardless of the window.
func FacebookVideos() Profile {
	return Profile{
		Name:     "facebook-videos",
		Match:    contains("facebook.com/dauphincountypa/videos"),
		Mode:     InfiniteScroll,
		Renderer: Browser,
		Selectors: Selectors{
			Item:  `a[href*="/videos/"]`,
			Title: `span[dir="auto"]`,
		},
		KeepUndated: true,
		SourceType:  records.Video,
		Convergence: convergence.Config{Patience: 5, Ceiling: 1000},
	}
}

// WinchesterCivicWeb is a server-rendered document portal of meeting
// packets.
func WinchesterCivicWeb() Profile {
	return Profile{
		Name:     "winchester-civicweb",
		Match:    contains("winchesterva.civicweb.net/portal"),
		Mode:     URLPaginate,
		Renderer: Static,
		Selectors: Selectors{
			Item: `a[href*="/document/"], a[href*="/filepro/documents/"]`,
		},
		PageURL:       firstPageOnly,
		DateFromTitle: true,
		DateGrammar:   EmbeddedDate,
		SourceType:    records.PDF,
	}
}
