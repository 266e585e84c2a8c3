// Package fetcher downloads remote documents (token metadata, decoded log
// exports) with per-host rate limiting and retries.
package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Open returns a reader for src: http(s) URLs go through f, anything else is
// read as a local path.
func Open(ctx context.Context, f Fetcher, src string) (io.ReadCloser, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return f.Download(ctx, src)
	}
	file, err := os.Open(src)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", src)
	}
	return file, nil
}
