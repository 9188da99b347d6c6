package ui

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-scripts/harvest/internal/archive"
	"github.com/go-scripts/harvest/internal/download"
	"github.com/go-scripts/harvest/internal/harvest"
	"github.com/go-scripts/harvest/internal/ladder"
	"github.com/go-scripts/harvest/internal/runner"
)

const siteWidth = 40

// ShortURL keeps the host and the tail of the path within limit bytes.
func ShortURL(raw string, limit int) string {
	if len(raw) <= limit || limit <= 3 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "..." + raw[len(raw)-limit+3:]
	}
	path := u.Path
	if room := limit - len(u.Host) - 3; len(path) > room {
		if room <= 0 {
			return u.Host
		}
		path = "..." + path[len(path)-room:]
	}
	return u.Host + path
}

func row(cells []string, widths []int) string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = lipgloss.NewStyle().Width(widths[i]).Render(c)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, out...)
}

func reasonStyle(r harvest.Reason) lipgloss.Style {
	switch r {
	case harvest.StrategyEscalationFailed:
		return errorStyle
	case harvest.Cancelled, harvest.CycleLimit:
		return warningStyle
	}
	return valueStyle
}

// Harvest renders the per-site outcome of a run.
func Harvest(results []runner.SiteResult, elapsed time.Duration) string {
	widths := []int{siteWidth + 2, 24, 8, 28}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Harvest Summary") + "\n\n")
	b.WriteString(row([]string{
		labelStyle.Render("Site"), labelStyle.Render("Profile"),
		labelStyle.Render("Medias"), labelStyle.Render("Stopped"),
	}, widths) + "\n")

	total := 0
	for _, res := range results {
		total += len(res.Medias)
		profile, reason := res.Profile, reasonStyle(res.State.Reason).Render(res.State.Reason.String())
		if profile == "" {
			profile = warningStyle.Render("unsupported")
			reason = ""
		}
		b.WriteString(row([]string{
			ShortURL(res.BaseURL, siteWidth),
			profile,
			valueStyle.Render(fmt.Sprint(len(res.Medias))),
			reason,
		}, widths) + "\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %s   %s %s",
		labelStyle.Render("Medias:"), valueStyle.Render(fmt.Sprint(total)),
		labelStyle.Render("Elapsed:"), valueStyle.Render(elapsed.Round(time.Second).String())))
	return borderStyle.Render(b.String())
}

// Resolved renders ladder outcomes keyed by meeting page.
func Resolved(pages []string, results []ladder.Result) string {
	widths := []int{siteWidth + 2, 16}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Media Resolution") + "\n\n")
	for i, res := range results {
		if res.Succeeded {
			b.WriteString(row([]string{ShortURL(pages[i], siteWidth), valueStyle.Render(res.StrategyID)}, widths))
			b.WriteString("\n  " + res.URL + "\n")
			if len(res.Headers) > 0 {
				names := make([]string, 0, len(res.Headers))
				for k := range res.Headers {
					names = append(names, k)
				}
				sort.Strings(names)
				b.WriteString("  " + labelStyle.Render("headers:") + " " + strings.Join(names, ", ") + "\n")
			}
			continue
		}
		b.WriteString(row([]string{ShortURL(pages[i], siteWidth), errorStyle.Render("failed")}, widths) + "\n")
	}
	return borderStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// Downloads renders download chain outcomes.
func Downloads(outcomes []download.Outcome) string {
	widths := []int{siteWidth + 2, 8}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Downloads") + "\n\n")
	ok := 0
	for _, o := range outcomes {
		status := errorStyle.Render("failed")
		detail := ""
		if o.Succeeded {
			ok++
			status = valueStyle.Render("ok")
			detail = o.Rung.String()
		} else if o.Err != nil {
			detail = o.Err.Error()
		}
		b.WriteString(row([]string{ShortURL(o.URL, siteWidth), status, detail}, append(widths, 0)) + "\n")
	}
	b.WriteString(fmt.Sprintf("\n%s %s", labelStyle.Render("Succeeded:"),
		valueStyle.Render(fmt.Sprintf("%d/%d", ok, len(outcomes)))))
	return borderStyle.Render(b.String())
}

// Runs renders archived runs, newest first.
func Runs(runs []archive.RunSummary) string {
	widths := []int{38, 24, 18, 8, 8}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Archived Runs") + "\n\n")
	b.WriteString(row([]string{
		labelStyle.Render("Run"), labelStyle.Render("Window"), labelStyle.Render("Started"),
		labelStyle.Render("Sites"), labelStyle.Render("Medias"),
	}, widths) + "\n")
	for _, r := range runs {
		window := r.StartDate + ".." + r.EndDate
		if window == ".." {
			window = "open"
		}
		started := r.StartedAt.Local().Format("2006-01-02 15:04")
		if r.FinishedAt == nil {
			started = warningStyle.Render(started)
		}
		b.WriteString(row([]string{
			r.ID, window, started,
			valueStyle.Render(fmt.Sprint(r.Sites)),
			valueStyle.Render(fmt.Sprint(r.Medias)),
		}, widths) + "\n")
	}
	if len(runs) == 0 {
		b.WriteString(warningStyle.Render("no runs archived") + "\n")
	}
	return borderStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// Formats renders a format listing, marking streams served apart.
func Formats(mediaURL string, formats []download.Format) string {
	widths := []int{28, 6, 12, 12}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Formats") + " " + ShortURL(mediaURL, siteWidth) + "\n\n")
	for _, f := range formats {
		kind := ""
		switch {
		case f.VideoOnly:
			kind = warningStyle.Render("video only")
		case f.AudioOnly:
			kind = warningStyle.Render("audio only")
		}
		b.WriteString(row([]string{valueStyle.Render(f.ID), f.Ext, f.Resolution, kind}, widths) + "\n")
	}
	if pair, ok := download.PairedFormat(formats); ok {
		b.WriteString("\n" + labelStyle.Render("Merged:") + " " + valueStyle.Render(pair) + "\n")
	}
	if len(formats) == 0 {
		b.WriteString(errorStyle.Render("no formats listed") + "\n")
	}
	return borderStyle.Render(strings.TrimRight(b.String(), "\n"))
}
