// Package output reads harvest requests and writes harvest results as JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-scripts/harvest/internal/runner"
)

// Stdio is the path that means stdin for input and stdout for output.
const Stdio = "-"

// DecodeInput parses a harvest request.
func DecodeInput(r io.Reader) (runner.Input, error) {
	var in runner.Input
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}

// ReadInput reads a request from path, or stdin for Stdio.
func ReadInput(path string) (runner.Input, error) {
	if path == Stdio {
		return DecodeInput(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return runner.Input{}, err
	}
	defer f.Close()
	return DecodeInput(f)
}

// Encode writes results as an indented JSON array.
func Encode(w io.Writer, results []runner.SiteResult) error {
	if results == nil {
		results = []runner.SiteResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(results)
}

// WriteFile writes results to path, or stdout for Stdio. The file is
// replaced only once it is completely written.
func WriteFile(path string, results []runner.SiteResult) error {
	if path == Stdio {
		return Encode(os.Stdout, results)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, results); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
