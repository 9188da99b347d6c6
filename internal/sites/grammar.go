package sites

import (
	"regexp"
	"time"

	"github.com/go-scripts/harvest/internal/datewindow"
)

var embedded = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`\b\d{1,2}-\d{1,2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`),
	regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+\d{4}\b`),
}

// EmbeddedDate finds a date inside longer text such as a document title and
// parses it.
func EmbeddedDate(text string) (time.Time, error) {
	for _, re := range embedded {
		if m := re.FindString(text); m != "" {
			return datewindow.Parse(m)
		}
	}
	return datewindow.Parse(text)
}
