// Package config loads engine tuning from a YAML file, with environment
// overrides read from the process and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/go-scripts/harvest/internal/browser"
	"github.com/go-scripts/harvest/internal/convergence"
	"github.com/go-scripts/harvest/internal/download"
	"github.com/go-scripts/harvest/internal/sites"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HARVEST_"

type Listing struct {
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	Interval          time.Duration `yaml:"interval"`
	ScrollWait        time.Duration `yaml:"scroll_wait"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollAttempts      int           `yaml:"poll_attempts"`
}

type Ladder struct {
	Timeout     time.Duration `yaml:"timeout"`
	CheckDirect bool          `yaml:"check_direct"`
}

type Download struct {
	OutputDir   string              `yaml:"output_dir"`
	Accelerated bool                `yaml:"accelerated"`
	Tool        download.ToolConfig `yaml:"tool"`
}

type Archive struct {
	// Path of the SQLite archive. Empty disables archiving.
	Path string `yaml:"path"`
}

type Config struct {
	Concurrency int                `yaml:"concurrency"`
	MaxCycles   int                `yaml:"max_cycles"`
	SiteTimeout time.Duration      `yaml:"site_timeout"`
	Convergence convergence.Config `yaml:"convergence"`
	Listing     Listing            `yaml:"listing"`
	Ladder      Ladder             `yaml:"ladder"`
	Browser     browser.Config     `yaml:"browser"`
	Download    Download           `yaml:"download"`
	Archive     Archive            `yaml:"archive"`
}

func Default() Config {
	src := sites.DefaultSourceOptions()
	return Config{
		Concurrency: 2,
		Convergence: convergence.DefaultConfig(),
		Listing: Listing{
			NavigationTimeout: src.NavigationTimeout,
			Interval:          src.Interval,
			ScrollWait:        src.ScrollWait,
			PollInterval:      src.PollInterval,
			PollAttempts:      src.PollAttempts,
		},
		Ladder:  Ladder{Timeout: 60 * time.Second, CheckDirect: true},
		Browser: browser.DefaultConfig(),
		Download: Download{
			OutputDir:   "downloads",
			Accelerated: true,
			Tool:        download.Aria2c(),
		},
	}
}

// Load reads path over the defaults and then applies environment overrides.
// A missing file is not an error. envFile, when non-empty, is loaded into
// the environment first without replacing variables already set.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	num("CONCURRENCY", &c.Concurrency)
	num("MAX_CYCLES", &c.MaxCycles)
	dur("SITE_TIMEOUT", &c.SiteTimeout)
	dur("NAVIGATION_TIMEOUT", &c.Listing.NavigationTimeout)
	flag("HEADLESS", &c.Browser.Headless)
	str("CHROME_PATH", &c.Browser.ExecPath)
	str("USER_AGENT", &c.Browser.UserAgent)
	str("LANGUAGE", &c.Browser.Language)
	str("OUTPUT_DIR", &c.Download.OutputDir)
	flag("ACCELERATED", &c.Download.Accelerated)
	str("ARCHIVE", &c.Archive.Path)
	return errors.Join(errs...)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	case c.MaxCycles < 0:
		return fmt.Errorf("max_cycles must not be negative, got %d", c.MaxCycles)
	case c.Convergence.Patience < 0:
		return fmt.Errorf("convergence.patience must not be negative, got %d", c.Convergence.Patience)
	}
	return nil
}

// SourceOptions converts the listing settings for sites.ListingSource.
func (c Config) SourceOptions() sites.SourceOptions {
	return sites.SourceOptions{
		NavigationTimeout: c.Listing.NavigationTimeout,
		Interval:          c.Listing.Interval,
		ScrollWait:        c.Listing.ScrollWait,
		PollInterval:      c.Listing.PollInterval,
		PollAttempts:      c.Listing.PollAttempts,
	}
}

// Rungs is the download chain with the configured transfer tool.
func (c Config) Rungs() []download.Rung {
	rungs := download.DefaultRungs(c.Download.Accelerated && c.Download.Tool.External())
	for i := range rungs {
		if rungs[i].Tool.External() {
			rungs[i].Tool = c.Download.Tool
		}
	}
	return rungs
}
