// Package records defines harvested media records and the deduplicating
// store they are collected into.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-scripts/harvest/internal/datewindow"
)

// SourceType tells downstream consumers how to fetch a record.
type SourceType string

const (
	Video SourceType = "video"
	PDF   SourceType = "pdf"
)

// MediaRecord is one discovered video or document reference. Records are
// never mutated once added to a Store.
type MediaRecord struct {
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Date       *time.Time `json:"-"`
	SourceType SourceType `json:"source_type"`
}

type recordJSON struct {
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Date       *string    `json:"date"`
	SourceType SourceType `json:"source_type"`
}

// MarshalJSON writes the date as YYYY-MM-DD or null.
func (r MediaRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{URL: r.URL, Title: r.Title, SourceType: r.SourceType}
	if r.Date != nil {
		s := r.Date.Format(datewindow.Layout)
		out.Date = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (r *MediaRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = MediaRecord{URL: in.URL, Title: in.Title, SourceType: in.SourceType}
	if in.Date != nil && *in.Date != "" {
		t, err := time.Parse(datewindow.Layout, *in.Date)
		if err != nil {
			return fmt.Errorf("record %s: %w", in.URL, err)
		}
		r.Date = &t
	}
	return nil
}

// ErrEmptyHref is returned by Resolve for blank links.
var ErrEmptyHref = errors.New("empty href")

// Resolve makes href absolute against base. No further canonicalisation is
// applied: query order and trailing slashes are kept as found.
func Resolve(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", ErrEmptyHref
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	abs := b.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("href %q resolves to unsupported scheme %q", href, abs.Scheme)
	}
	return abs.String(), nil
}

// Store is an insertion-ordered set of records keyed by URL. It belongs to a
// single harvest and is not safe for concurrent use.
type Store struct {
	index   map[string]int
	records []MediaRecord
}

func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Add inserts rec unless its URL is already present. It reports whether the
// record was inserted.
func (s *Store) Add(rec MediaRecord) bool {
	if _, ok := s.index[rec.URL]; ok {
		return false
	}
	s.index[rec.URL] = len(s.records)
	s.records = append(s.records, rec)
	return true
}

func (s *Store) Contains(u string) bool {
	_, ok := s.index[u]
	return ok
}

// All returns a copy of the records in insertion order.
func (s *Store) All() []MediaRecord {
	out := make([]MediaRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) Size() int { return len(s.records) }
