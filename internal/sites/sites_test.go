package sites

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/harvest/internal/datewindow"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/page/pagetest"
)

func testOptions() SourceOptions {
	return SourceOptions{PollAttempts: 3, Logger: log.New(io.Discard)}
}

func TestRegistry_Lookup(t *testing.T) {
	reg := Default()
	tests := []struct {
		url  string
		want string
	}{
		{"https://detroit-vod.cablecast.tv/CablecastPublicSite", "detroit-cablecast"},
		{"https://www.lansdale.org/CivicMedia?CID=2", "lansdale-civicmedia"},
		{"https://www.facebook.com/DauphinCountyPA/videos", "facebook-videos"},
		{"https://charlestonwv.portal.civicclerk.com/", "charleston-civicclerk"},
		{"https://www.youtube.com/@SLCLiveMeetings/streams", "youtube-streams"},
		{"https://www.regionalwebtv.com/fredcc", "regionalwebtv"},
		{"https://winchesterva.civicweb.net/portal/", "winchester-civicweb"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			p, err := reg.Lookup(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}

	_, err := reg.Lookup("https://example.org/unknown")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Len(t, reg.Names(), 7)
}

const detroitBase = "https://detroit-vod.cablecast.tv/CablecastPublicSite"

func detroitPage(n int) string {
	return fmt.Sprintf("%s/gallery/3?page=%d&site=1", detroitBase, n)
}

func stub(id int, title string) *pagetest.Element {
	return &pagetest.Element{Children: map[string][]*pagetest.Element{
		"a":  {pagetest.Link(fmt.Sprintf("/CablecastPublicSite/show/%d?site=1", id), "")},
		"h3": {{Content: "  " + title + "\n"}},
	}}
}

func detroitFake() *pagetest.Page {
	p := pagetest.New()
	p.Set(detroitPage(1), &pagetest.Doc{}).Elements[".show-stub"] = []*pagetest.Element{
		stub(103, "City Council Formal Session 05-07-2024"),
		stub(102, "Public Health and Safety 04-22-2024"),
	}
	p.Set(detroitPage(2), &pagetest.Doc{}).Elements[".show-stub"] = []*pagetest.Element{
		stub(101, "Budget Committee 04-02-2024"),
		stub(100, "Planning 03-18-2024"),
		stub(99, "Rules Committee 03-01-2024"),
	}
	p.Set(detroitPage(3), &pagetest.Doc{})
	return p
}

func TestListingSource_DetroitOrderedHarvest(t *testing.T) {
	p := detroitFake()
	src := NewListingSource(Detroit(), detroitBase, p, testOptions())
	w, err := datewindow.New("2024-04-01", "2024-04-30")
	require.NoError(t, err)

	res := harvest.Run(context.Background(), src, harvest.Options{
		BaseURL:     detroitBase,
		Window:      w,
		Ordered:     true,
		DateGrammar: Detroit().DateGrammar,
		Logger:      log.New(io.Discard),
	})

	assert.Equal(t, harvest.DateBoundaryReached, res.State.Reason)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "https://detroit-vod.cablecast.tv/CablecastPublicSite/show/102?site=1", res.Records[0].URL)
	assert.Equal(t, "Public Health and Safety 04-22-2024", res.Records[0].Title)
	assert.Equal(t, "2024-04-02", res.Records[1].Date.Format(datewindow.Layout))
	assert.Equal(t, 2, p.CallCount("goto"), "page 3 is never loaded")
}

func TestListingSource_URLPaginateExhausts(t *testing.T) {
	p := detroitFake()
	src := NewListingSource(Detroit(), detroitBase, p, testOptions())
	ctx := context.Background()

	n, err := src.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	cands, err := src.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, cands[0].Title, cands[0].DateText)
	assert.Empty(t, cands[0].PageURL)

	n, err = src.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = src.Advance(ctx)
	assert.ErrorIs(t, err, harvest.ErrNoMoreContent)
}

const lansdaleBase = "https://www.lansdale.org/CivicMedia?CID=2"

func lansdaleCard(vid int, title string) *pagetest.Element {
	return &pagetest.Element{Children: map[string][]*pagetest.Element{
		"a":  {pagetest.Link(fmt.Sprintf("/CivicMedia.aspx?VID=%d", vid), "")},
		"h3": {{Content: title}},
	}}
}

func TestListingSource_ClickPaginate(t *testing.T) {
	p := pagetest.New()
	page1 := p.Set(lansdaleBase, &pagetest.Doc{})
	page2 := p.Set(lansdaleBase+"#page2", &pagetest.Doc{})

	page1.Elements[".video"] = []*pagetest.Element{
		lansdaleCard(1, "Council"),
		lansdaleCard(2, "Zoning"),
		{Children: map[string][]*pagetest.Element{
			"a":  {pagetest.Link("https://www.youtube.com/@lansdale", "")},
			"h3": {{Content: "Channel"}},
		}},
	}
	page1.Elements[".video a"] = []*pagetest.Element{pagetest.Link("/CivicMedia.aspx?VID=1", "")}
	next := pagetest.Link("javascript:__doPostBack('dpgVideos','2')", "2")
	next.OnClick = func(context.Context) error {
		p.Navigate(lansdaleBase + "#page2")
		return nil
	}
	page1.Elements[`span[id*="dpgVideos"] a`] = []*pagetest.Element{
		pagetest.Link("javascript:void(0)", "1"),
		next,
	}

	page2.Elements[".video"] = []*pagetest.Element{lansdaleCard(3, "Parks")}
	page2.Elements[".video a"] = []*pagetest.Element{pagetest.Link("/CivicMedia.aspx?VID=3", "")}
	page2.Elements[`span[id*="dpgVideos"] a`] = []*pagetest.Element{pagetest.Link("#", "1"), pagetest.Link("#", "2")}

	src := NewListingSource(Lansdale(), lansdaleBase, p, testOptions())
	ctx := context.Background()

	n, err := src.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "links outside the CivicMedia prefix are dropped")

	n, err = src.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, next.Clicks)
	cands, err := src.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "https://www.lansdale.org/CivicMedia.aspx?VID=3", cands[0].Href)
	assert.Empty(t, cands[0].DateText)

	_, err = src.Advance(ctx)
	assert.ErrorIs(t, err, harvest.ErrNoMoreContent)
}

func TestListingSource_ClickPaginateStuck(t *testing.T) {
	p := pagetest.New()
	doc := p.Set(lansdaleBase, &pagetest.Doc{})
	doc.Elements[".video"] = []*pagetest.Element{lansdaleCard(1, "Council")}
	doc.Elements[".video a"] = []*pagetest.Element{pagetest.Link("/CivicMedia.aspx?VID=1", "")}
	doc.Elements[`span[id*="dpgVideos"] a`] = []*pagetest.Element{pagetest.Link("#", "2")}

	src := NewListingSource(Lansdale(), lansdaleBase, p, testOptions())
	_, err := src.Advance(context.Background())
	require.NoError(t, err)

	_, err = src.Advance(context.Background())
	assert.ErrorIs(t, err, errPageUnchanged)
}

const streamsBase = "https://www.youtube.com/@SLCLiveMeetings/streams"

func video(id int, when string) *pagetest.Element {
	return &pagetest.Element{Children: map[string][]*pagetest.Element{
		"a#video-title-link":                 {pagetest.Link(fmt.Sprintf("/watch?v=%d", id), "")},
		"#video-title":                       {{Content: fmt.Sprintf("Meeting %d", id)}},
		"#metadata-line span:nth-of-type(2)": {{Content: when}},
	}}
}

// streamsFake starts with two videos and appends one per scroll for the
// first two scrolls.
func streamsFake() *pagetest.Page {
	p := pagetest.New()
	doc := p.Set(streamsBase, &pagetest.Doc{})
	doc.Elements["ytd-rich-item-renderer"] = []*pagetest.Element{video(1, "Streamed 1 day ago"), video(2, "Streamed 2 days ago")}
	scrolls := 0
	p.OnScroll = func(p *pagetest.Page) {
		scrolls++
		if scrolls <= 2 {
			items := p.Current().Elements["ytd-rich-item-renderer"]
			p.Current().Elements["ytd-rich-item-renderer"] = append(items, video(10+scrolls, "Streamed 1 week ago"))
		}
	}
	return p
}

func TestListingSource_InfiniteScrollConverges(t *testing.T) {
	const base = streamsBase
	p := streamsFake()

	src := NewListingSource(YouTubeStreams(), base, p, testOptions())
	res := harvest.Run(context.Background(), src, harvest.Options{
		BaseURL:     base,
		Convergence: YouTubeStreams().Convergence,
		Ordered:     true,
		Logger:      log.New(io.Discard),
	})

	assert.Equal(t, harvest.Converged, res.State.Reason)
	assert.Len(t, res.Records, 4)
	assert.Equal(t, "https://www.youtube.com/watch?v=1", res.Records[0].URL)
	assert.NotNil(t, res.Records[0].Date)
	assert.Equal(t, 1, p.CallCount("goto"))
}

func TestListingSource_ItemReadFailureSkipsCycle(t *testing.T) {
	p := streamsFake()
	p.QueryErr = func(selector string, n int) error {
		if selector == "ytd-rich-item-renderer" && n == 2 {
			return page.ErrNavigationTimeout
		}
		return nil
	}

	src := NewListingSource(YouTubeStreams(), streamsBase, p, testOptions())
	ctx := context.Background()

	n, err := src.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = src.Advance(ctx)
	require.NoError(t, err, "the scroll itself succeeded")
	assert.Equal(t, 2, n)
	cands, err := src.Candidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, cands)

	n, err = src.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestListingSource_ItemReadFailureKeepsHarvesting(t *testing.T) {
	p := streamsFake()
	p.QueryErr = func(selector string, n int) error {
		if selector == "ytd-rich-item-renderer" && n == 2 {
			return page.ErrNavigationTimeout
		}
		return nil
	}

	src := NewListingSource(YouTubeStreams(), streamsBase, p, testOptions())
	res := harvest.Run(context.Background(), src, harvest.Options{
		BaseURL:     streamsBase,
		Convergence: YouTubeStreams().Convergence,
		Ordered:     true,
		Logger:      log.New(io.Discard),
	})

	assert.Equal(t, harvest.Converged, res.State.Reason)
	assert.Len(t, res.Records, 4)
}

func TestListingSource_LoadFailureIsFatal(t *testing.T) {
	p := streamsFake()
	p.GotoErr[streamsBase] = page.ErrNavigationTimeout

	src := NewListingSource(YouTubeStreams(), streamsBase, p, testOptions())
	res := harvest.Run(context.Background(), src, harvest.Options{
		BaseURL: streamsBase,
		Logger:  log.New(io.Discard),
	})

	assert.Equal(t, harvest.StrategyEscalationFailed, res.State.Reason)
	assert.ErrorIs(t, res.State.Err, page.ErrNavigationTimeout)
	assert.Empty(t, res.Records)
}

func TestListingSource_ResolveMediaUsesPageURL(t *testing.T) {
	const base = "https://www.regionalwebtv.com/fredcc"
	p := pagetest.New()
	p.Set(base+"?page=0", &pagetest.Doc{}).Elements[".views-row"] = []*pagetest.Element{{
		Children: map[string][]*pagetest.Element{
			"a":                  {pagetest.Link("/fredcc/program/77", "")},
			".views-field-title": {{Content: "Board of Supervisors"}},
			".date-display-single, .views-field-created": {{Content: "March 4, 2024"}},
		},
	}}

	src := NewListingSource(RegionalWebTV(), base, p, testOptions())
	_, err := src.Advance(context.Background())
	require.NoError(t, err)
	cands, _ := src.Candidates(context.Background())

	require.Len(t, cands, 1)
	assert.Empty(t, cands[0].Href)
	assert.Equal(t, "https://www.regionalwebtv.com/fredcc/program/77", cands[0].PageURL)
	assert.Equal(t, "March 4, 2024", cands[0].DateText)
}

func TestDetailDates(t *testing.T) {
	const item = "https://www.lansdale.org/CivicMedia.aspx?VID=1"
	p := pagetest.New()
	doc := p.Set(item, &pagetest.Doc{})
	closeBtn := &pagetest.Element{}
	doc.Elements[`button[aria-label="Close"], .close, .modal-close`] = []*pagetest.Element{closeBtn}
	doc.Elements["dd.first"] = []*pagetest.Element{{Content: "\n  12/04/2024 "}}

	d := NewDetailDates(Lansdale(), p, testOptions())
	require.NotNil(t, d)

	text, err := d.DateText(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "12/04/2024", text)
	assert.Equal(t, 1, closeBtn.Clicks)

	p.Set("https://www.lansdale.org/CivicMedia.aspx?VID=2", &pagetest.Doc{})
	_, err = d.DateText(context.Background(), "https://www.lansdale.org/CivicMedia.aspx?VID=2")
	assert.Error(t, err)

	assert.Nil(t, NewDetailDates(Detroit(), p, testOptions()))
}

func TestEmbeddedDate(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Regular Meeting Agenda - April 2, 2024", "2024-04-02"},
		{"Council Packet 2 Apr 2024", "2024-04-02"},
		{"Work Session 2024-03-19 Minutes", "2024-03-19"},
		{"Planning Commission 03/05/2024", "2024-03-05"},
		{"Board 05-14-2024", "2024-05-14"},
		{"Oct 7th, 2024 Hearing", "2024-10-07"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := EmbeddedDate(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Format(datewindow.Layout))
		})
	}

	_, err := EmbeddedDate("Agenda")
	assert.ErrorIs(t, err, datewindow.ErrDateParse)
}
