package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry serves blobs and manifests for a single repository.
type fakeRegistry struct {
	repo      string
	blobs     map[string][]byte
	manifests map[string][]byte
}

func (r *fakeRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	prefix := "/v2/" + r.repo + "/"
	rest, ok := strings.CutPrefix(req.URL.Path, prefix)
	if !ok {
		http.NotFound(w, req)
		return
	}
	kind, ref, _ := strings.Cut(rest, "/")
	var body []byte
	switch kind {
	case "blobs":
		body, ok = r.blobs[ref]
		w.Header().Set("Content-Type", "application/octet-stream")
	case "manifests":
		body, ok = r.manifests[ref]
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(body).String())
	}
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"code":"BLOB_UNKNOWN","message":"unknown"}]}`))
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if req.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, string) {
	t.Helper()
	reg := &fakeRegistry{
		repo:      "images/cat",
		blobs:     map[string][]byte{},
		manifests: map[string][]byte{},
	}
	server := httptest.NewServer(reg)
	t.Cleanup(server.Close)
	return reg, strings.TrimPrefix(server.URL, "http://")
}

func readAll(t *testing.T, rc io.ReadCloser) ([]byte, error) {
	t.Helper()
	defer rc.Close()
	return io.ReadAll(rc)
}

func TestFetchByDigest(t *testing.T) {
	t.Parallel()

	reg, host := newFakeRegistry(t)
	payload := []byte("\x89PNG fake image")
	d := digest.FromBytes(payload)
	reg.blobs[d.String()] = payload

	f := New(WithPlainHTTP(true), WithAnonymous())
	rc, err := f.Fetch(context.Background(), "oci://"+host+"/images/cat@"+d.String())
	require.NoError(t, err)
	got, err := readAll(t, rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchDigestMismatch(t *testing.T) {
	t.Parallel()

	reg, host := newFakeRegistry(t)
	payload := []byte("original bytes")
	d := digest.FromBytes(payload)
	reg.blobs[d.String()] = []byte("tampered bytes")

	f := New(WithPlainHTTP(true))
	rc, err := f.Fetch(context.Background(), "oci://"+host+"/images/cat@"+d.String())
	require.NoError(t, err)
	_, err = readAll(t, rc)
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestFetchByTag(t *testing.T) {
	t.Parallel()

	reg, host := newFakeRegistry(t)
	config := []byte("{}")
	payload := bytes.Repeat([]byte{0xff, 0xd8}, 64)
	layer := ocispec.Descriptor{
		MediaType: "image/jpeg",
		Digest:    digest.FromBytes(payload),
		Size:      int64(len(payload)),
	}
	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeEmptyJSON,
			Digest:    digest.FromBytes(config),
			Size:      int64(len(config)),
		},
		Layers: []ocispec.Descriptor{
			{MediaType: "text/plain", Digest: digest.FromString("x"), Size: 1},
			layer,
		},
	}
	manifest.SchemaVersion = 2
	mb, err := json.Marshal(manifest)
	require.NoError(t, err)
	reg.manifests["v1"] = mb
	reg.blobs[layer.Digest.String()] = payload

	f := New(WithPlainHTTP(true))
	rc, err := f.Fetch(context.Background(), "oci://"+host+"/images/cat:v1")
	require.NoError(t, err)
	got, err := readAll(t, rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	_, host := newFakeRegistry(t)
	f := New(WithPlainHTTP(true))
	_, err := f.Fetch(context.Background(), "oci://"+host+"/images/cat@"+digest.FromString("nope").String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	ref, err := ParseKey("oci://ghcr.io/meigma/icons:latest")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io", ref.Registry)
	assert.Equal(t, "meigma/icons", ref.Repository)
	assert.Equal(t, "latest", ref.Reference)

	for _, key := range []string{
		"https://ghcr.io/meigma/icons:latest",
		"oci://ghcr.io/meigma/icons",
		"oci://",
	} {
		_, err := ParseKey(key)
		assert.True(t, errors.Is(err, ErrInvalidReference), key)
	}
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	f := New(WithStaticCredentials("registry.example.com", "user", "pass"))
	cred, err := f.authClient.Credential(context.Background(), "registry.example.com")
	require.NoError(t, err)
	assert.Equal(t, "user", cred.Username)

	cred, err = f.authClient.Credential(context.Background(), "other.example.com")
	require.NoError(t, err)
	assert.Empty(t, cred.Username)

	anon := New(WithStaticCredentials("registry.example.com", "user", "pass"), WithAnonymous())
	cred, err = anon.authClient.Credential(context.Background(), "registry.example.com")
	require.NoError(t, err)
	assert.Empty(t, cred.Username)
}
