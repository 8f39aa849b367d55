package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// File fetches keys that name files, either as plain paths or file:// URLs.
type File struct {
	fs billy.Filesystem
}

// FileOption configures a File fetcher.
type FileOption func(*File)

// WithFilesystem serves files from fs instead of the OS filesystem.
// Paths are then resolved against fs as given.
func WithFilesystem(fs billy.Filesystem) FileOption {
	return func(f *File) {
		f.fs = fs
	}
}

// NewFile returns a File fetcher.
func NewFile(opts ...FileOption) *File {
	f := &File{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch opens the file named by key.
func (f *File) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := filePath(key)
	if err != nil {
		return nil, err
	}
	fs := f.fs
	if fs == nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		path = abs
		fs = osfs.New("/")
	}
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fetch: open %s: %w", path, err)
	}
	return file, nil
}

func filePath(key string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(key), "file:") {
		return key, nil
	}
	u, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("fetch: parse %q: %w", key, err)
	}
	if u.Path == "" {
		return u.Opaque, nil
	}
	return u.Path, nil
}
