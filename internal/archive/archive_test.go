package archive

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-tracker/internal/domain/parking"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(filepath.Join(t.TempDir(), "entries"), DefaultTolerance, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestSaveAndOpen(t *testing.T) {
	a := newTestArchive(t)
	at := time.Unix(1740819600, 0)

	first, err := a.Save("AB123", at, []byte("frame-1"))
	require.NoError(t, err)
	assert.Equal(t, "AB123_1740819600.jpg", first)

	second, err := a.Save("AB123", at, []byte("frame-2"))
	require.NoError(t, err)
	assert.Equal(t, "AB123_1740819600_1.jpg", second)

	r, err := a.Open(first)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "frame-1", string(data))

	require.NoError(t, a.Delete(second))
	_, err = os.Stat(filepath.Join(a.Root(), second))
	assert.True(t, os.IsNotExist(err))
}

func TestPathRejectsEscapes(t *testing.T) {
	a := newTestArchive(t)
	for _, name := range []string{"", "../etc/passwd", "a/b.jpg", `a\b.jpg`, ".."} {
		_, err := a.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestCatalogFromDisk(t *testing.T) {
	a := newTestArchive(t)
	entry := time.Unix(1740819600, 0).UTC()
	exit := entry.Add(30 * time.Minute)

	entryName, err := a.Save("AB123", entry, []byte("in"))
	require.NoError(t, err)
	exitName, err := a.Save("AB123", exit, []byte("out"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(a.Root(), "snapshot_1740819600.jpg"), []byte("x"), 0644))

	got := a.Catalog().Link(parking.Visit{Plate: "AB123", EntryTime: entry, ExitTime: &exit})
	assert.Equal(t, VisitImages{Entry: entryName, Exit: exitName}, got)
}
