package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name    string
	content string
}

func createTestZIP(t *testing.T, entries ...zipEntry) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestOpenFirstEntry(t *testing.T) {
	path := createTestZIP(t, zipEntry{"nations-2026-10-13.csv", "nation_id,nation_name\n1,Alpha\n"})

	rc, name, err := OpenFirstEntry(path)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck

	assert.Equal(t, "nations-2026-10-13.csv", name)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "nation_id,nation_name\n1,Alpha\n", string(data))
}

func TestOpenFirstEntry_SkipsDirectories(t *testing.T) {
	path := createTestZIP(t,
		zipEntry{"export/", ""},
		zipEntry{"export/cities.csv", "city_id\n7\n"},
		zipEntry{"export/other.csv", "ignored"},
	)

	rc, name, err := OpenFirstEntry(path)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck

	assert.Equal(t, "export/cities.csv", name)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "city_id\n7\n", string(data))
}

func TestOpenFirstEntry_Empty(t *testing.T) {
	path := createTestZIP(t)

	_, _, err := OpenFirstEntry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files")
}

func TestOpenFirstEntry_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, _, err := OpenFirstEntry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open archive")
}

func TestOpenFirstEntry_CloseReleasesArchive(t *testing.T) {
	path := createTestZIP(t, zipEntry{"wars.csv", "war_id\n"})

	rc, _, err := OpenFirstEntry(path)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, os.Remove(path))
}
