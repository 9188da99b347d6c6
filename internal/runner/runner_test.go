package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/harvest/internal/datewindow"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/ladder"
	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/page/pagetest"
	"github.com/go-scripts/harvest/internal/records"
	"github.com/go-scripts/harvest/internal/sites"
)

const (
	agendaBase  = "https://agenda.example.test/videos"
	brokenBase  = "https://broken.example.test/videos"
	playerBase  = "https://player.example.test/events"
	unknownBase = "https://example.org/unknown"
)

func listingProfile(name, host string) sites.Profile {
	return sites.Profile{
		Name: name,
		Match: func(u string) bool {
			return strings.Contains(u, host)
		},
		Mode: sites.URLPaginate,
		Selectors: sites.Selectors{
			Item:  ".item",
			Link:  "a",
			Title: "h3",
			Date:  "time",
		},
		PageURL: func(base string, n int) (string, bool) {
			return base, n == 1
		},
		Ordered:    true,
		SourceType: records.Video,
	}
}

func item(href, title, date string) *pagetest.Element {
	return &pagetest.Element{Children: map[string][]*pagetest.Element{
		"a":    {pagetest.Link(href, "")},
		"h3":   {{Content: title}},
		"time": {{Content: date}},
	}}
}

// fixture serves a fresh fake page per Open call, so sites never share one.
type fixture struct {
	mu     sync.Mutex
	opened int
	closed int
	fail   bool
}

func (f *fixture) open(sites.Renderer) (page.Page, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, nil, errors.New("browser crashed")
	}
	f.opened++

	p := pagetest.New()
	p.Set(agendaBase, &pagetest.Doc{}).Elements[".item"] = []*pagetest.Element{
		item("/videos/2.mp4", "Council 2024-06-01", "2024-06-01"),
		item("/videos/1.mp4", "Council 2024-01-01", "2024-01-01"),
	}
	p.Set(playerBase, &pagetest.Doc{}).Elements[".item"] = []*pagetest.Element{
		item("/events/7", "Board meeting", "2024-05-10"),
	}
	p.Set(playerBase+"/7", &pagetest.Doc{})
	p.GotoErr[brokenBase] = fmt.Errorf("%w: %s", page.ErrNavigationTimeout, brokenBase)
	return p, func() {
		f.mu.Lock()
		f.closed++
		f.mu.Unlock()
	}, nil
}

type suffixStrategy struct{}

func (suffixStrategy) ID() string { return "suffix" }

func (suffixStrategy) Attempt(ctx context.Context, t *ladder.Target) ladder.Result {
	if err := t.Load(ctx); err != nil {
		return ladder.Result{Err: err}
	}
	return ladder.Result{Succeeded: true, URL: t.URL + "/stream.m3u8"}
}

type memRecorder struct {
	mu     sync.Mutex
	got    []string
	medias int
}

// Record fails on a done context, as a database transaction would.
func (m *memRecorder) Record(ctx context.Context, res SiteResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, res.BaseURL)
	m.medias += len(res.Medias)
	return nil
}

type knownURLs map[string]bool

func (k knownURLs) Known(_ context.Context, _, url string) (bool, error) {
	return k[url], nil
}

func newRunner(f *fixture) *Runner {
	logger := log.New(io.Discard)
	player := listingProfile("player", "player.example.test")
	player.ResolveMedia = true
	return &Runner{
		Registry: sites.NewRegistry(
			listingProfile("agenda", "agenda.example.test"),
			listingProfile("broken", "broken.example.test"),
			player,
		),
		Open: f.open,
		NewLadder: func(l *log.Logger) *ladder.Ladder {
			return ladder.New([]ladder.Strategy{suffixStrategy{}}, ladder.WithLogger(l))
		},
		Source:      sites.SourceOptions{Logger: logger},
		Concurrency: 2,
		Logger:      logger,
	}
}

func TestRunner_UnknownSourceYieldsEmptyMedias(t *testing.T) {
	r := newRunner(&fixture{})
	out, err := r.Run(context.Background(), Input{BaseURLs: []string{unknownBase}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, unknownBase, out[0].BaseURL)
	assert.Empty(t, out[0].Profile)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"base_url":"https://example.org/unknown","medias":[]}]`, string(data))
}

func TestRunner_Run(t *testing.T) {
	f := &fixture{}
	rec := &memRecorder{}
	r := newRunner(f)
	r.Recorder = rec

	var mu sync.Mutex
	var started, finished []string
	r.Events = Events{
		Started: func(u string) {
			mu.Lock()
			started = append(started, u)
			mu.Unlock()
		},
		Finished: func(res SiteResult) {
			mu.Lock()
			finished = append(finished, res.BaseURL)
			mu.Unlock()
		},
	}

	in := Input{
		StartDate: "2024-03-01",
		EndDate:   "2024-12-31",
		BaseURLs:  []string{brokenBase, agendaBase, unknownBase, playerBase},
	}
	out, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 4)

	t.Run("input order", func(t *testing.T) {
		for i, u := range in.BaseURLs {
			assert.Equal(t, u, out[i].BaseURL)
		}
	})

	t.Run("failing site is isolated", func(t *testing.T) {
		assert.Empty(t, out[0].Medias)
		assert.Equal(t, harvest.StrategyEscalationFailed, out[0].State.Reason)
		assert.ErrorIs(t, out[0].State.Err, page.ErrNavigationTimeout)
	})

	t.Run("date filter", func(t *testing.T) {
		require.Len(t, out[1].Medias, 1)
		assert.Equal(t, "https://agenda.example.test/videos/2.mp4", out[1].Medias[0].URL)
		assert.Equal(t, "2024-06-01", out[1].Medias[0].Date.Format(datewindow.Layout))
	})

	t.Run("unknown", func(t *testing.T) {
		assert.NotNil(t, out[2].Medias)
		assert.Empty(t, out[2].Medias)
	})

	t.Run("resolved through ladder", func(t *testing.T) {
		require.Len(t, out[3].Medias, 1)
		assert.Equal(t, "https://player.example.test/events/7/stream.m3u8", out[3].Medias[0].URL)
	})

	t.Run("hooks", func(t *testing.T) {
		assert.Equal(t, in.BaseURLs, rec.got)
		assert.ElementsMatch(t, in.BaseURLs, started)
		assert.ElementsMatch(t, in.BaseURLs, finished)
		assert.Equal(t, f.opened, f.closed)
	})
}

func TestRunner_RecordsAfterCancel(t *testing.T) {
	rec := &memRecorder{}
	r := newRunner(&fixture{})
	r.Recorder = rec

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Events.Finished = func(SiteResult) { cancel() }

	out, err := r.Run(ctx, Input{BaseURLs: []string{agendaBase}})
	require.NoError(t, err)
	require.Len(t, out[0].Medias, 2)
	assert.Equal(t, []string{agendaBase}, rec.got)
	assert.Equal(t, 2, rec.medias)
}

func TestRunner_HistoryDropsKnownMedia(t *testing.T) {
	r := newRunner(&fixture{})
	r.History = knownURLs{"https://agenda.example.test/videos/2.mp4": true}

	out, err := r.Run(context.Background(), Input{BaseURLs: []string{agendaBase}})
	require.NoError(t, err)
	require.Len(t, out[0].Medias, 1)
	assert.Equal(t, "https://agenda.example.test/videos/1.mp4", out[0].Medias[0].URL)

	r.History = knownURLs{
		"https://agenda.example.test/videos/2.mp4": true,
		"https://agenda.example.test/videos/1.mp4": true,
	}
	out, err = r.Run(context.Background(), Input{BaseURLs: []string{agendaBase}})
	require.NoError(t, err)
	assert.NotNil(t, out[0].Medias)
	assert.Empty(t, out[0].Medias)
}

func TestRunner_OpenFailureIsPerSite(t *testing.T) {
	r := newRunner(&fixture{fail: true})
	out, err := r.Run(context.Background(), Input{BaseURLs: []string{agendaBase, unknownBase}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, res := range out {
		assert.Empty(t, res.Medias)
	}
	assert.Equal(t, "agenda", out[0].Profile)
}

func TestRunner_InvalidWindow(t *testing.T) {
	r := newRunner(&fixture{})
	_, err := r.Run(context.Background(), Input{StartDate: "2024-05-01", EndDate: "2024-01-01", BaseURLs: []string{agendaBase}})
	assert.ErrorIs(t, err, datewindow.ErrInvertedWindow)

	_, err = r.Run(context.Background(), Input{StartDate: "not a date", BaseURLs: []string{agendaBase}})
	assert.ErrorIs(t, err, datewindow.ErrDateParse)
}

func TestMergeConvergence(t *testing.T) {
	engine := mergeConvergence(sites.Detroit().Convergence, sites.YouTubeStreams().Convergence)
	assert.Equal(t, 4, engine.Patience)
	assert.Equal(t, 2000, engine.Ceiling)

	kept := mergeConvergence(engine, sites.Detroit().Convergence)
	assert.Equal(t, engine, kept)
}
