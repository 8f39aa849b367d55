// Package oci fetches images stored as blobs in OCI registries.
//
// Keys take the form oci://registry/repository@sha256:<hex> for a blob, or
// oci://registry/repository:tag for an artifact manifest whose first image
// layer holds the image bytes.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	_ "crypto/sha256" // registers the hash go-digest verifies with

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Scheme is the key prefix handled by Fetcher.
const Scheme = "oci"

var (
	// ErrInvalidReference is returned for keys that are not OCI references.
	ErrInvalidReference = errors.New("oci: invalid reference")
	// ErrNotFound is returned when the registry has no such blob or tag.
	ErrNotFound = errors.New("oci: not found")
	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("oci: unauthorized")
	// ErrForbidden is returned when access is denied.
	ErrForbidden = errors.New("oci: forbidden")
	// ErrDigestMismatch is returned when blob content does not hash to its digest.
	ErrDigestMismatch = errors.New("oci: digest mismatch")
	// ErrNoImageLayer is returned when a tagged manifest carries no layers.
	ErrNoImageLayer = errors.New("oci: manifest has no layers")
)

// maxManifestBytes bounds manifest reads for tag references.
const maxManifestBytes = 4 << 20

// Fetcher reads image blobs from OCI registries.
type Fetcher struct {
	plainHTTP  bool
	userAgent  string
	anonymous  bool
	credStore  credentials.Store
	authClient *auth.Client
}

// New creates a Fetcher with the given options.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{userAgent: "imgcache/1.0"}
	for _, opt := range opts {
		opt(f)
	}

	f.authClient = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if f.anonymous || f.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return f.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{f.userAgent},
		},
	}
	return f
}

// Fetch returns the blob named by key. The returned reader fails with
// ErrDigestMismatch at EOF if the content does not match its digest.
func (f *Fetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	ref, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	repo, err := f.repository(ref)
	if err != nil {
		return nil, err
	}

	var desc ocispec.Descriptor
	var rc io.ReadCloser
	if _, derr := ref.Digest(); derr == nil {
		desc, rc, err = repo.Blobs().FetchReference(ctx, ref.Reference)
	} else {
		desc, rc, err = f.fetchLayer(ctx, repo, ref.Reference)
	}
	if err != nil {
		return nil, mapError(err)
	}
	if err := desc.Digest.Validate(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	return newVerifiedReader(rc, desc), nil
}

// fetchLayer resolves tag to a manifest and opens its first image layer,
// falling back to the first layer of any type.
func (f *Fetcher) fetchLayer(ctx context.Context, repo *remote.Repository, tag string) (ocispec.Descriptor, io.ReadCloser, error) {
	mdesc, mrc, err := repo.FetchReference(ctx, tag)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	defer mrc.Close()

	if mdesc.Size > maxManifestBytes {
		return ocispec.Descriptor{}, nil, fmt.Errorf("oci: manifest %s is %d bytes", mdesc.Digest, mdesc.Size)
	}
	var manifest ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(mrc, maxManifestBytes)).Decode(&manifest); err != nil {
		return ocispec.Descriptor{}, nil, fmt.Errorf("oci: decode manifest: %w", err)
	}
	if len(manifest.Layers) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", ErrNoImageLayer, mdesc.Digest)
	}
	layer := manifest.Layers[0]
	for _, l := range manifest.Layers {
		if strings.HasPrefix(l.MediaType, "image/") {
			layer = l
			break
		}
	}
	rc, err := repo.Fetch(ctx, layer)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	return layer, rc, nil
}

func (f *Fetcher) repository(ref registry.Reference) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = f.plainHTTP
	repo.Client = f.authClient
	return repo, nil
}

// ParseKey parses an oci:// key into a registry reference. A tag or digest
// is required.
func ParseKey(key string) (registry.Reference, error) {
	rest, ok := strings.CutPrefix(key, Scheme+"://")
	if !ok {
		return registry.Reference{}, fmt.Errorf("%w: %q lacks %s:// prefix", ErrInvalidReference, key, Scheme)
	}
	ref, err := registry.ParseReference(rest)
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if ref.Reference == "" {
		return registry.Reference{}, fmt.Errorf("%w: %q has no tag or digest", ErrInvalidReference, key)
	}
	return ref, nil
}

// verifiedReader checks size and digest as the blob streams through.
type verifiedReader struct {
	rc       io.ReadCloser
	r        io.Reader
	verifier digest.Verifier
	desc     ocispec.Descriptor
	read     int64
}

func newVerifiedReader(rc io.ReadCloser, desc ocispec.Descriptor) io.ReadCloser {
	v := &verifiedReader{rc: rc, desc: desc, verifier: desc.Digest.Verifier()}
	v.r = io.TeeReader(io.LimitReader(rc, desc.Size+1), v.verifier)
	return v
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.read += int64(n)
	if v.read > v.desc.Size {
		return n, fmt.Errorf("%w: %s is larger than %d bytes", ErrDigestMismatch, v.desc.Digest, v.desc.Size)
	}
	if errors.Is(err, io.EOF) {
		if v.read != v.desc.Size || !v.verifier.Verified() {
			return n, fmt.Errorf("%w: %s", ErrDigestMismatch, v.desc.Digest)
		}
	}
	return n, err
}

func (v *verifiedReader) Close() error {
	return v.rc.Close()
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}
