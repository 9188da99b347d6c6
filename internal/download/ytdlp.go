package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ErrToolMissing means none of the candidate commands could be started.
var ErrToolMissing = errors.New("yt-dlp is not installed or not in PATH")

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultCommands are the ways yt-dlp is tried, in order.
var DefaultCommands = [][]string{
	{"yt-dlp"},
	{"python3", "-m", "yt_dlp"},
	{"python", "-m", "yt_dlp"},
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// YtDlp drives the yt-dlp command line. It is the Downloader and Checker of
// a Chain and the Resolver of the extraction ladder.
type YtDlp struct {
	Commands       [][]string
	OutputTemplate string
	UserAgent      string
	CheckTimeout   time.Duration
	// Run replaces process execution, mainly for tests.
	Run Runner
}

func NewYtDlp(outputDir string) *YtDlp {
	return &YtDlp{
		Commands:       DefaultCommands,
		OutputTemplate: strings.TrimSuffix(outputDir, "/") + "/%(title)s.%(ext)s",
		UserAgent:      defaultUserAgent,
		CheckTimeout:   30 * time.Second,
	}
}

func (y *YtDlp) runner() Runner {
	if y.Run != nil {
		return y.Run
	}
	return execRunner
}

// invoke tries each command form until one starts. A started process that
// fails ends the search: the tool exists and rejected the input.
func (y *YtDlp) invoke(ctx context.Context, args []string) ([]byte, error) {
	cmds := y.Commands
	if len(cmds) == 0 {
		cmds = DefaultCommands
	}
	for _, c := range cmds {
		full := append(append([]string{}, c[1:]...), args...)
		out, err := y.runner()(ctx, c[0], full...)
		if errors.Is(err, exec.ErrNotFound) || isNoModule(out) {
			continue
		}
		return out, err
	}
	return nil, ErrToolMissing
}

func isNoModule(out []byte) bool {
	return bytes.Contains(out, []byte("No module named yt_dlp"))
}

// Resolves reports whether yt-dlp can extract url without downloading.
func (y *YtDlp) Resolves(ctx context.Context, url string) error {
	return y.Accessible(ctx, Media{URL: url})
}

// Accessible simulates a download of m, headers included.
func (y *YtDlp) Accessible(ctx context.Context, m Media) error {
	if y.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.CheckTimeout)
		defer cancel()
	}
	args := append([]string{"--simulate", "--quiet", "--no-warnings", "--no-playlist"}, y.requestArgs(m)...)
	out, err := y.invoke(ctx, append(args, m.URL))
	if err != nil {
		return fmt.Errorf("check %s: %w: %s", m.URL, err, firstError(out))
	}
	return nil
}

// Download fetches m with the rung's format and transfer tool.
func (y *YtDlp) Download(ctx context.Context, m Media, r Rung) error {
	out, err := y.invoke(ctx, y.args(m, r))
	if err != nil {
		return fmt.Errorf("yt-dlp %q: %w: %s", r.Format, err, firstError(out))
	}
	return nil
}

func (y *YtDlp) args(m Media, r Rung) []string {
	args := []string{"--no-playlist", "--format", r.Format}
	if y.OutputTemplate != "" {
		args = append(args, "--output", y.OutputTemplate)
	}
	args = append(args, y.requestArgs(m)...)
	if r.Tool.External() {
		args = append(args,
			"--downloader", r.Tool.Name,
			"--downloader-args", r.Tool.Name+":"+strings.Join(r.Tool.Args(), " "))
	}
	return append(args, m.URL)
}

// requestArgs replays m's headers. A captured User-Agent wins over the
// configured one.
func (y *YtDlp) requestArgs(m Media) []string {
	var args []string
	if _, ok := m.Headers["User-Agent"]; !ok && y.UserAgent != "" {
		args = append(args, "--user-agent", y.UserAgent)
	}
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--add-header", k+":"+m.Headers[k])
	}
	return args
}

// firstError extracts the first "ERROR:" line of yt-dlp output.
func firstError(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(string(out))
}

// ToolAvailable reports whether name runs with --version.
func ToolAvailable(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := execRunner(ctx, name, "--version")
	return err == nil
}

var (
	_ Downloader = (*YtDlp)(nil)
	_ Checker    = (*YtDlp)(nil)
)
