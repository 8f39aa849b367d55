//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache"
	"github.com/meigma/imgcache/cache"
	"github.com/meigma/imgcache/codec"
	"github.com/meigma/imgcache/fetch"
	"github.com/meigma/imgcache/fetch/oci"
	"github.com/meigma/imgcache/internal/testutil"
)

func newLoader(t *testing.T, dir string) *imgcache.Loader {
	t.Helper()
	params := cache.DefaultParams(dir)
	params.DiskCacheSize = 4 << 20
	c, err := cache.New(params)
	require.NoError(t, err)
	c.InitDiskCache()
	require.True(t, c.DiskAvailable())

	router := fetch.NewRouter(fetch.WithFetcher(oci.Scheme, oci.New(oci.WithPlainHTTP(true))))
	l, err := imgcache.New(c, router, codec.New())
	require.NoError(t, err)
	return l
}

func TestFetchBlobByDigest(t *testing.T) {
	t.Parallel()

	addr := getRegistry(t)
	payload := pngBytes(t, 8, 4)
	layer := pushImage(t, addr, "test/digest", "v1", payload)

	f := oci.New(oci.WithPlainHTTP(true))
	rc, err := f.Fetch(context.Background(), fmt.Sprintf("oci://%s/test/digest@%s", addr, layer.Digest))
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLoaderCachesRegistryImages(t *testing.T) {
	t.Parallel()

	addr := getRegistry(t)
	pushImage(t, addr, "test/tagged", "v1", pngBytes(t, 5, 7))
	key := fmt.Sprintf("oci://%s/test/tagged:v1", addr)
	dir := filepath.Join(t.TempDir(), "images")

	l := newLoader(t, dir)
	s := testutil.NewSink(false)
	require.True(t, l.Request(key, s))
	d, ok := s.Next(30 * time.Second)
	require.True(t, ok)
	require.NoError(t, d.Err)
	assert.Equal(t, imgcache.SourceNetwork, d.Source)
	img, ok := d.Result.(*codec.Image)
	require.True(t, ok)
	assert.Equal(t, 5, img.Bounds().Dx())
	require.NoError(t, l.Close(context.Background()))

	// A second loader over the same directory never touches the registry.
	l = newLoader(t, dir)
	defer func() { _ = l.Close(context.Background()) }()
	s = testutil.NewSink(false)
	require.True(t, l.Request(key, s))
	d, ok = s.Next(30 * time.Second)
	require.True(t, ok)
	require.NoError(t, d.Err)
	assert.Equal(t, imgcache.SourceDisk, d.Source)
}

func TestFetchMissingBlob(t *testing.T) {
	t.Parallel()

	addr := getRegistry(t)
	pushImage(t, addr, "test/missing", "v1", pngBytes(t, 1, 1))

	f := oci.New(oci.WithPlainHTTP(true))
	_, err := f.Fetch(context.Background(),
		fmt.Sprintf("oci://%s/test/missing@%s", addr, digest.FromString("absent")))
	require.ErrorIs(t, err, oci.ErrNotFound)

	_, err = f.Fetch(context.Background(), fmt.Sprintf("oci://%s/test/missing:nope", addr))
	require.ErrorIs(t, err, oci.ErrNotFound)
}
