package disk

import (
	"errors"
	"io"

	"github.com/go-git/go-billy/v5"
)

// Snapshot is a point-in-time view of a committed entry. Its readers keep
// returning the snapshotted bytes even if the entry is later replaced or
// removed.
type Snapshot struct {
	cache   *Cache
	key     string
	seq     int64
	files   []billy.File
	lengths []int64
}

// Key returns the entry key.
func (s *Snapshot) Key() string {
	return s.key
}

// Reader returns the reader for value i.
func (s *Snapshot) Reader(i int) io.Reader {
	return s.files[i]
}

// Length returns the byte length of value i.
func (s *Snapshot) Length(i int) int64 {
	return s.lengths[i]
}

// String reads the whole of value i.
func (s *Snapshot) String(i int) (string, error) {
	b, err := io.ReadAll(s.files[i])
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Edit returns an editor for the entry, or nil if the entry has changed
// since the snapshot was taken or another edit is in progress.
func (s *Snapshot) Edit() (*Editor, error) {
	return s.cache.edit(s.key, s.seq)
}

// Close releases the snapshot's files.
func (s *Snapshot) Close() error {
	var errs []error
	for _, f := range s.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
