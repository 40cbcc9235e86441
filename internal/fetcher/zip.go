package fetcher

import (
	"archive/zip"
	"io"

	"github.com/rotisserie/eris"
)

// OpenFirstEntry opens the ZIP archive at zipPath and returns a reader for
// its first regular file along with that file's name. Closing the reader
// closes the archive.
func OpenFirstEntry(zipPath string) (io.ReadCloser, string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, "", eris.Wrap(err, "zip: open archive")
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close() //nolint:errcheck
			return nil, "", eris.Wrapf(err, "zip: open entry %s", f.Name)
		}
		return &entryReader{ReadCloser: rc, archive: r}, f.Name, nil
	}

	r.Close() //nolint:errcheck
	return nil, "", eris.New("zip: archive contains no files")
}

type entryReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (e *entryReader) Close() error {
	entryErr := e.ReadCloser.Close()
	archiveErr := e.archive.Close()
	if entryErr != nil {
		return eris.Wrap(entryErr, "zip: close entry")
	}
	return eris.Wrap(archiveErr, "zip: close archive")
}
