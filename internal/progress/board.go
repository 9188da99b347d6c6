// Package progress shows which sites are being harvested on a terminal
// spinner.
package progress

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/briandowns/spinner"

	"github.com/go-scripts/harvest/ui"
)

const maxURL = 40

// Board tracks in-flight work items behind one spinner. It is safe for
// concurrent use.
type Board struct {
	mu      sync.Mutex
	spin    *spinner.Spinner
	active  map[string]int
	seq     int
	done    int
	failed  int
	total   int
	started bool
}

// New creates a board for total items writing to w.
func New(w io.Writer, total int) *Board {
	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(w))
	return &Board{spin: s, active: make(map[string]int), total: total}
}

// Start marks an item as in flight.
func (b *Board) Start(item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.active[item] = b.seq
	if !b.started {
		b.spin.Start()
		b.started = true
	}
	b.refresh()
}

// Done marks an item as finished.
func (b *Board) Done(item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, item)
	b.done++
	b.refresh()
}

// Fail marks an item as finished with an error.
func (b *Board) Fail(item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, item)
	b.done++
	b.failed++
	b.refresh()
}

// Stop halts the spinner.
func (b *Board) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.spin.Stop()
		b.started = false
	}
}

// Counts returns finished, failed and in-flight items.
func (b *Board) Counts() (done, failed, active int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.failed, len(b.active)
}

// Suffix is the spinner text: progress plus the longest-running item.
func (b *Board) Suffix() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suffix()
}

func (b *Board) suffix() string {
	msg := fmt.Sprintf(" [%d/%d]", b.done, b.total)
	if len(b.active) == 0 {
		return msg
	}
	items := make([]string, 0, len(b.active))
	for it := range b.active {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return b.active[items[i]] < b.active[items[j]] })
	msg += " " + ui.ShortURL(items[0], maxURL)
	if n := len(items) - 1; n > 0 {
		msg += fmt.Sprintf(" (+%d)", n)
	}
	return msg
}

func (b *Board) refresh() {
	b.spin.Lock()
	b.spin.Suffix = b.suffix()
	b.spin.Unlock()
}
