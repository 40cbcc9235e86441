// Package fetcher downloads the daily bulk exports and streams the CSV they
// contain.
package fetcher

import (
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when the server answers 404. For dated bulk
// exports it means the file for that date has not been published.
var ErrNotFound = eris.New("resource not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
