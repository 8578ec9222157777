package filestore

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_WriteReadRemove(t *testing.T) {
	d := New(t.TempDir())

	require.NoError(t, d.Write("books/b1/page-1.png", bytes.NewReader([]byte("data"))))

	got, err := d.Read("books/b1/page-1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	entries, err := os.ReadDir(filepath.Join(d.Root(), "books", "b1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, d.Remove("books/b1/page-1.png"))
	require.NoError(t, d.Remove("books/b1/page-1.png"))

	_, err = d.Read("books/b1/page-1.png")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDir_WriteOverwrites(t *testing.T) {
	d := New(t.TempDir())

	require.NoError(t, d.Write("a.pdf", bytes.NewReader([]byte("one"))))
	require.NoError(t, d.Write("a.pdf", bytes.NewReader([]byte("two"))))

	got, err := d.Read("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestDir_RejectsEscapingKeys(t *testing.T) {
	d := New(t.TempDir())

	for _, key := range []string{"", ".", "..", "../x", "a/../../x", "/etc/passwd"} {
		_, err := d.Path(key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}

	p, err := d.Path("a/./b.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(d.Root(), "a", "b.png"), p)
}
