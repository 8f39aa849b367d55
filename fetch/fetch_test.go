package fetch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://example.com/a.jpg":    "https",
		"HTTP://example.com/a.jpg":     "http",
		"oci://ghcr.io/x/y@sha256:abc": "oci",
		"file:///tmp/a.png":            "file",
		"/tmp/a.png":                   "file",
		"relative/a.png":               "file",
		`C:\images\a.png`:              "file",
	}
	for key, want := range tests {
		assert.Equal(t, want, Scheme(key), key)
	}
}

func TestRouterDispatch(t *testing.T) {
	t.Parallel()

	var got string
	r := NewRouter(WithFetcher("mem", FetcherFunc(func(_ context.Context, key string) (io.ReadCloser, error) {
		got = key
		return io.NopCloser(strings.NewReader("payload")), nil
	})))

	rc, err := r.Fetch(context.Background(), "mem://thing")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(b))
	assert.Equal(t, "mem://thing", got)

	_, err = r.Fetch(context.Background(), "gopher://host/x")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestFileFetcher(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, []byte("png bytes"), 0o600))

	r := NewRouter()
	for _, key := range []string{path, "file://" + path} {
		rc, err := r.Fetch(context.Background(), key)
		require.NoError(t, err, key)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		assert.Equal(t, "png bytes", string(b))
	}

	_, err := r.Fetch(context.Background(), filepath.Join(dir, "missing.png"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileFetcherCustomFilesystem(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/img/a.gif", []byte("gif"), 0o600))

	f := NewFile(WithFilesystem(fs))
	rc, err := f.Fetch(context.Background(), "file:///img/a.gif")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "gif", string(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "/img/a.gif")
	require.ErrorIs(t, err, context.Canceled)
}
