// Package download fetches resolved media through an ordered chain of
// format and tool combinations, stopping at the first that succeeds.
package download

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// ErrAllRungsFailed is reported when no rung of a chain succeeded.
	ErrAllRungsFailed = errors.New("all download rungs failed")
	// ErrInaccessible is reported when the pre-download check rejected a URL.
	ErrInaccessible = errors.New("media is not accessible")
)

// Media is a URL to download and the request headers it needs.
type Media struct {
	URL     string
	Headers map[string]string
}

// Formats are the yt-dlp format selectors tried in order, from best quality
// to most compatible.
var Formats = []string{
	"best[height<=1080][ext=mp4]/best[height<=1080]",
	"best[height<=720][ext=mp4]/best[height<=720]",
	"best[ext=mp4]/best",
	"worst[ext=mp4]/worst",
	"best/worst",
}

// ToolConfig selects the transfer tool. An empty Name means the downloader's
// built-in transfer.
type ToolConfig struct {
	Name           string        `yaml:"name"`
	Connections    int           `yaml:"connections"`
	Splits         int           `yaml:"splits"`
	MinSplitSize   string        `yaml:"min_split_size"`
	MaxTries       int           `yaml:"max_tries"`
	RetryWait      time.Duration `yaml:"retry_wait"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Aria2c is the accelerated segmented transfer configuration.
func Aria2c() ToolConfig {
	return ToolConfig{
		Name:           "aria2c",
		Connections:    16,
		Splits:         16,
		MinSplitSize:   "1M",
		MaxTries:       10,
		RetryWait:      2 * time.Second,
		Timeout:        60 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// External reports whether an external transfer tool is used.
func (t ToolConfig) External() bool { return t.Name != "" }

// Args renders the arguments passed through to the external tool.
func (t ToolConfig) Args() []string {
	if !t.External() {
		return nil
	}
	var args []string
	add := func(flag string, v int) {
		if v > 0 {
			args = append(args, "--"+flag+"="+strconv.Itoa(v))
		}
	}
	add("max-connection-per-server", t.Connections)
	add("split", t.Splits)
	if t.MinSplitSize != "" {
		args = append(args, "--min-split-size="+t.MinSplitSize)
	}
	add("max-tries", t.MaxTries)
	add("retry-wait", int(t.RetryWait/time.Second))
	add("timeout", int(t.Timeout/time.Second))
	add("connect-timeout", int(t.ConnectTimeout/time.Second))
	return append(args, "--console-log-level=warn", "--disable-ipv6=true")
}

// Rung is one format/tool combination.
type Rung struct {
	Format string
	Tool   ToolConfig
}

func (r Rung) String() string {
	tool := "native"
	if r.Tool.External() {
		tool = r.Tool.Name
	}
	return fmt.Sprintf("%s via %s", r.Format, tool)
}

// DefaultRungs returns every format with the accelerated tool, when
// available, followed by every format with the built-in transfer.
func DefaultRungs(accelerated bool) []Rung {
	var rungs []Rung
	if accelerated {
		for _, f := range Formats {
			rungs = append(rungs, Rung{Format: f, Tool: Aria2c()})
		}
	}
	for _, f := range Formats {
		rungs = append(rungs, Rung{Format: f})
	}
	return rungs
}

// Downloader performs one download attempt.
type Downloader interface {
	Download(ctx context.Context, m Media, r Rung) error
}

// Checker tells whether media can be fetched at all before any rung runs.
type Checker interface {
	Accessible(ctx context.Context, m Media) error
}

// Try is one recorded rung attempt.
type Try struct {
	Rung Rung
	Err  error
}

// Outcome summarises a chain run. Err wraps ErrAllRungsFailed on failure.
type Outcome struct {
	URL       string
	Succeeded bool
	Rung      Rung
	Tries     []Try
	Err       error
}

// Chain runs rungs in order against a Downloader.
type Chain struct {
	Rungs      []Rung
	Downloader Downloader
	// Checker, when set, screens media before the first rung.
	Checker Checker
	Logger  *log.Logger
}

// Attempt downloads m, escalating through the rungs. Failure is reported in
// the Outcome, never returned as an error.
func (c *Chain) Attempt(ctx context.Context, m Media) Outcome {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	url := m.URL
	out := Outcome{URL: url}

	if c.Checker != nil {
		if err := c.Checker.Accessible(ctx, m); err != nil {
			out.Err = fmt.Errorf("%s: %w: %v", url, ErrInaccessible, err)
			logger.Warn("Skipping inaccessible media", "url", url, "error", err)
			return out
		}
	}

	for i, r := range c.Rungs {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		logger.Debug("Download attempt", "url", url, "attempt", i+1, "of", len(c.Rungs), "rung", r)
		err := c.Downloader.Download(ctx, m, r)
		out.Tries = append(out.Tries, Try{Rung: r, Err: err})
		if err == nil {
			out.Succeeded, out.Rung = true, r
			logger.Info("Downloaded", "url", url, "rung", r)
			return out
		}
		logger.Warn("Download rung failed", "url", url, "rung", r, "error", err)
	}

	out.Err = fmt.Errorf("%s after %d attempts: %w", url, len(out.Tries), ErrAllRungsFailed)
	logger.Error("Download failed", "url", url, "error", out.Err)
	return out
}
