package sites

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-scripts/harvest/internal/page"
)

// DetailDates reads an item's date from the item's own page. It implements
// harvest.Enricher and uses a page separate from the listing.
type DetailDates struct {
	Page         page.Page
	Selector     string
	Dismiss      string
	Timeout      time.Duration
	PollInterval time.Duration
	PollAttempts int
}

// NewDetailDates returns nil when the profile has no detail date selector.
func NewDetailDates(p Profile, pg page.Page, opts SourceOptions) *DetailDates {
	if p.Selectors.DetailDate == "" {
		return nil
	}
	return &DetailDates{
		Page:         pg,
		Selector:     p.Selectors.DetailDate,
		Dismiss:      p.Selectors.Dismiss,
		Timeout:      opts.NavigationTimeout,
		PollInterval: opts.PollInterval,
		PollAttempts: opts.PollAttempts,
	}
}

func (d *DetailDates) DateText(ctx context.Context, itemURL string) (string, error) {
	if err := d.Page.Goto(ctx, itemURL, d.Timeout); err != nil {
		return "", err
	}
	if d.Dismiss != "" {
		if btn, _ := page.First(ctx, d.Page, d.Dismiss); btn != nil {
			_ = btn.Click(ctx)
		}
	}

	attempts := max(d.PollAttempts, 1)
	for i := 0; i < attempts; i++ {
		el, err := page.First(ctx, d.Page, d.Selector)
		if err != nil {
			return "", err
		}
		if el != nil {
			text, err := el.Text(ctx)
			if err != nil {
				return "", err
			}
			if text = strings.TrimSpace(text); text != "" {
				return text, nil
			}
		}
		if i < attempts-1 {
			if err := sleep(ctx, d.PollInterval); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("no %q on %s", d.Selector, itemURL)
}
