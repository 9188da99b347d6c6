package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/harvest/internal/browser"
	"github.com/go-scripts/harvest/internal/config"
	"github.com/go-scripts/harvest/internal/download"
	"github.com/go-scripts/harvest/internal/ladder"
	"github.com/go-scripts/harvest/internal/page"
	"github.com/go-scripts/harvest/internal/page/static"
	"github.com/go-scripts/harvest/internal/sites"
)

// pages opens pages on demand. Chrome is only started once a profile needs
// it.
type pages struct {
	cfg    config.Config
	logger *log.Logger
	client *http.Client

	once    sync.Once
	browser *browser.Browser
	err     error
}

func newPages(cfg config.Config, logger *log.Logger) *pages {
	return &pages{cfg: cfg, logger: logger, client: &http.Client{}}
}

func (p *pages) open(r sites.Renderer) (page.Page, func(), error) {
	if r == sites.Static {
		return static.New(p.client, p.cfg.Browser.UserAgent), func() {}, nil
	}

	p.once.Do(func() {
		p.logger.Debug("Starting browser", "headless", p.cfg.Browser.Headless)
		p.browser, p.err = browser.New(p.cfg.Browser, p.logger)
	})
	if p.err != nil {
		return nil, nil, fmt.Errorf("start browser: %w", p.err)
	}
	pg, err := p.browser.NewPage()
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func (p *pages) Close() {
	if p.browser != nil {
		p.browser.Close()
	}
}

func newLadder(cfg config.Config, logger *log.Logger) *ladder.Ladder {
	var resolver ladder.Checker
	if cfg.Ladder.CheckDirect {
		resolver = download.NewYtDlp(cfg.Download.OutputDir)
	}
	return ladder.New(ladder.Defaults(resolver),
		ladder.WithLogger(logger),
		ladder.WithTimeout(cfg.Ladder.Timeout),
	)
}
