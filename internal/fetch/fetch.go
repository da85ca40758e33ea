// Package fetch materializes pipeline source files from URLs into the
// pipeline directory. The lifecycle manager only ever sees the resulting
// file path.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pipehost/pipehost/internal/pipeline"
)

// maxSourceSize caps a downloaded pipeline source at 4 MiB.
const maxSourceSize = 4 << 20

// Fetcher downloads pipeline sources over HTTP.
type Fetcher struct {
	dir    string
	client *http.Client
}

// New creates a fetcher writing into dir.
func New(dir string) *Fetcher {
	return &Fetcher{
		dir: dir,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Fetch downloads rawURL and writes it into the pipeline directory under the
// URL's base filename. Returns the materialized file path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid pipeline url %q", rawURL)
	}

	name := path.Base(u.Path)
	if !strings.HasSuffix(name, pipeline.SourceExt) {
		return "", fmt.Errorf("pipeline url must end in %s, got %q", pipeline.SourceExt, name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download pipeline: status %d", resp.StatusCode)
	}

	src, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceSize+1))
	if err != nil {
		return "", fmt.Errorf("read pipeline body: %w", err)
	}
	if len(src) > maxSourceSize {
		return "", fmt.Errorf("pipeline source exceeds %d bytes", maxSourceSize)
	}

	dest := filepath.Join(f.dir, name)
	if err := os.WriteFile(dest, src, 0o644); err != nil {
		return "", &pipeline.IoError{Op: "write", Path: dest, Err: err}
	}
	return dest, nil
}
