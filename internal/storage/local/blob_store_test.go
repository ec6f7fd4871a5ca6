package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_CreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "nested", "out")
	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPutObject_WritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "osm/region.mbtiles", "application/octet-stream",
		bytes.NewReader([]byte("archive-bytes")))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(base, "osm", "region.mbtiles"), uri)

	data, err := os.ReadFile(filepath.Join(base, "osm", "region.mbtiles"))
	require.NoError(t, err)
	require.Equal(t, []byte("archive-bytes"), data)
}

func TestPutObject_RejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.mbtiles", "", bytes.NewReader(nil))
	require.Error(t, err)
}
