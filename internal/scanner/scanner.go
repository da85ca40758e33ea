// Package scanner discovers pipeline source files in a directory and extracts
// lightweight metadata without loading any code.
package scanner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pipehost/pipehost/internal/pipeline"
)

// Header attributes are declared in leading line comments:
//
//	// name: Echo Pipeline
//	// description: returns its input
//	// type: pipe
var (
	nameRe        = regexp.MustCompile(`(?m)^//\s*name:\s*(.+?)\s*$`)
	descriptionRe = regexp.MustCompile(`(?m)^//\s*description:\s*(.+?)\s*$`)
	typeRe        = regexp.MustCompile(`(?m)^//\s*type:\s*(.+?)\s*$`)
)

// Scanner enumerates pipeline sources in a single directory.
type Scanner struct {
	dir    string
	logger *slog.Logger
}

// New creates a scanner for the given directory.
func New(dir string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{dir: dir, logger: logger}
}

// Dir returns the scanned directory.
func (s *Scanner) Dir() string { return s.dir }

// Scan lists the directory and returns a wholesale new identifier to
// descriptor mapping. A file whose metadata cannot be read is logged and
// skipped; it never aborts the scan.
func (s *Scanner) Scan() (map[string]pipeline.Descriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &pipeline.IoError{Op: "scan", Path: s.dir, Err: err}
	}

	out := make(map[string]pipeline.Descriptor, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pipeline.SourceExt) {
			continue
		}
		desc, err := s.describe(entry.Name())
		if err != nil {
			s.logger.Warn("skipping pipeline source",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}
		out[desc.Identifier] = desc
	}
	return out, nil
}

// ScanOne refreshes the descriptor for a single identifier from disk.
// Identifiers are plain base names; anything that would resolve outside the
// pipeline directory is rejected before touching the filesystem.
func (s *Scanner) ScanOne(identifier string) (pipeline.Descriptor, error) {
	if !ValidIdentifier(identifier) {
		return pipeline.Descriptor{}, fmt.Errorf("invalid pipeline identifier %q", identifier)
	}
	desc, err := s.describe(identifier + pipeline.SourceExt)
	if err != nil {
		return pipeline.Descriptor{}, err
	}
	return desc, nil
}

// ValidIdentifier reports whether identifier is a plain file base name with
// no path separators or traversal segments.
func ValidIdentifier(identifier string) bool {
	if identifier == "" || identifier == "." || identifier == ".." {
		return false
	}
	if strings.ContainsAny(identifier, `/\`) {
		return false
	}
	return identifier == filepath.Base(identifier)
}

func (s *Scanner) describe(filename string) (pipeline.Descriptor, error) {
	path := filepath.Join(s.dir, filename)
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Descriptor{}, fmt.Errorf("read metadata: %w", err)
	}

	identifier := strings.TrimSuffix(filename, pipeline.SourceExt)
	desc := pipeline.Descriptor{
		Identifier: identifier,
		SourcePath: abs,
		Name:       identifier,
		Type:       pipeline.TypePipe,
	}

	text := string(src)
	if m := nameRe.FindStringSubmatch(text); m != nil {
		desc.Name = m[1]
	}
	if m := descriptionRe.FindStringSubmatch(text); m != nil {
		desc.Description = m[1]
	}
	if m := typeRe.FindStringSubmatch(text); m != nil {
		desc.Type = m[1]
	}
	return desc, nil
}
