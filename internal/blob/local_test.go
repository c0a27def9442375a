package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PutOpenStat(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	l := NewLocalFs(fs)

	key := FileKey("1001", "20250314092653_report.pdf")
	n, err := l.Put(ctx, key, strings.NewReader("hello vault"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	size, err := l.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	rc, size, err := l.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello vault", string(body))
	assert.Equal(t, int64(11), size)

	// No temporary files left behind.
	entries, err := afero.ReadDir(fs, "/Files/1001")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocal_Overwrite(t *testing.T) {
	ctx := context.Background()
	l := NewLocalFs(afero.NewMemMapFs())

	_, err := l.Put(ctx, "Files/1/a.txt", strings.NewReader("first version"))
	require.NoError(t, err)
	_, err = l.Put(ctx, "Files/1/a.txt", strings.NewReader("v2"))
	require.NoError(t, err)

	size, err := l.Stat(ctx, "Files/1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestLocal_Missing(t *testing.T) {
	ctx := context.Background()
	l := NewLocalFs(afero.NewMemMapFs())

	_, err := l.Stat(ctx, "Files/1/nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = l.Open(ctx, "Files/1/nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, l.Remove(ctx, "Files/1/nope.txt"), "removing a missing blob is not an error")
}

func TestLocal_RemoveAll(t *testing.T) {
	ctx := context.Background()
	l := NewLocalFs(afero.NewMemMapFs())

	for _, k := range []string{PhotoKey("7", "photo1_x.jpg"), PhotoKey("7", "photo2_x.png"), PhotoKey("8", "photo1_x.jpg")} {
		_, err := l.Put(ctx, k, strings.NewReader("img"))
		require.NoError(t, err)
	}

	require.NoError(t, l.RemoveAll(ctx, PhotosPrefix("7")))

	_, err := l.Stat(ctx, PhotoKey("7", "photo1_x.jpg"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Stat(ctx, PhotoKey("8", "photo1_x.jpg"))
	assert.NoError(t, err, "other clients are untouched")

	assert.NoError(t, l.RemoveAll(ctx, PhotosPrefix("nobody")))
}

func TestLocal_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	l := NewLocalFs(afero.NewMemMapFs())

	for _, key := range []string{"", "/etc/passwd", "../escape", "Files/../../x", "a\\b", "Files//x"} {
		_, err := l.Put(ctx, key, strings.NewReader("x"))
		assert.Error(t, err, key)
	}
}

func TestNewLocal_OnDisk(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir() + "/storage")
	require.NoError(t, err)
	require.NoError(t, l.Ping(ctx))

	_, err = l.Put(ctx, "Files/9/z.bin", strings.NewReader("zz"))
	require.NoError(t, err)
	size, err := l.Stat(ctx, "Files/9/z.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
	assert.Equal(t, "local", l.Kind())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "Photos/123", PhotosPrefix("123"))
	assert.Equal(t, "Files/123", FilesPrefix("123"))
	assert.Equal(t, "Files/123/a.pdf", FileKey("123", "a.pdf"))
	assert.NoError(t, ValidateKey(FileKey("123", "a.pdf")))
}
