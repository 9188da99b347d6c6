package ui

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/go-scripts/harvest/internal/archive"
	"github.com/go-scripts/harvest/internal/download"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/ladder"
	"github.com/go-scripts/harvest/internal/records"
	"github.com/go-scripts/harvest/internal/runner"
)

func TestShortURL(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"https://a.test/x", 40, "https://a.test/x"},
		{"https://detroit-vod.cablecast.tv/CablecastPublicSite/gallery/3", 40, "detroit-vod.cablecast.tv...ite/gallery/3"},
		{"not a url at all but very long indeed", 20, "... very long indeed"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ShortURL(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), tt.limit)
		})
	}
}

func TestHarvest(t *testing.T) {
	out := Harvest([]runner.SiteResult{
		{
			BaseURL: "https://detroit-vod.cablecast.tv/CablecastPublicSite",
			Profile: "detroit-cablecast",
			Medias:  []records.MediaRecord{{URL: "https://a.test/1"}, {URL: "https://a.test/2"}},
			State:   harvest.CrawlState{Reason: harvest.DateBoundaryReached},
		},
		{BaseURL: "https://example.org/unknown", Medias: []records.MediaRecord{}},
	}, 90*time.Second)

	assert.Contains(t, out, "Harvest Summary")
	assert.Contains(t, out, "detroit-cablecast")
	assert.Contains(t, out, "date-boundary-reached")
	assert.Contains(t, out, "unsupported")
	assert.Contains(t, out, "1m30s")
}

func TestResolvedAndDownloads(t *testing.T) {
	res := Resolved(
		[]string{"https://a.test/meeting/1", "https://a.test/meeting/2"},
		[]ladder.Result{{StrategyID: "network-sniff", Succeeded: true, URL: "https://cdn.a.test/1.mp4", Headers: map[string]string{"Referer": "https://a.test/meeting/1", "Cookie": "k=v"}}, {Err: ladder.ErrNoMedia}},
	)
	assert.Contains(t, res, "network-sniff")
	assert.Contains(t, res, "Cookie, Referer")
	assert.Contains(t, res, "https://cdn.a.test/1.mp4")
	assert.Contains(t, res, "failed")

	dl := Downloads([]download.Outcome{
		{URL: "https://cdn.a.test/1.mp4", Succeeded: true, Rung: download.Rung{Format: "best"}},
		{URL: "https://cdn.a.test/2.mp4", Err: errors.New("all download rungs failed")},
	})
	assert.Contains(t, dl, "best via native")
	assert.Contains(t, dl, "1/2")
}

func TestRuns(t *testing.T) {
	done := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	out := Runs([]archive.RunSummary{
		{ID: "run-2", StartedAt: done.Add(time.Hour)},
		{ID: "run-1", StartDate: "2024-04-01", EndDate: "2024-04-30", StartedAt: done, FinishedAt: &done, Sites: 3, Medias: 12},
	})
	assert.Contains(t, out, "Archived Runs")
	assert.Contains(t, out, "run-2")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "2024-04-01..2024-04-30")
	assert.Contains(t, out, "12")

	assert.Contains(t, Runs(nil), "no runs archived")
}

func TestFormats(t *testing.T) {
	out := Formats("https://video.example/recorded/1", []download.Format{
		{ID: "hls-audio", Ext: "mp4", Resolution: "audio only", AudioOnly: true},
		{ID: "hls-1280x720", Ext: "mp4", Resolution: "1280x720", VideoOnly: true},
	})
	assert.Contains(t, out, "hls-1280x720")
	assert.Contains(t, out, "video only")
	assert.Contains(t, out, "hls-1280x720+hls-audio")

	assert.Contains(t, Formats("https://a.test/x", nil), "no formats listed")
}
