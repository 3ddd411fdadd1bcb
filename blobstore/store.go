// Package blobstore implements the content-addressed, filesystem-backed
// attachment store described for the storage core: every blob is written
// once under a UUID-derived, two-level hex-sharded path and never mutated
// in place.
package blobstore

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dicomstore/dicomstore/errors"
)

// Store writes and reads blobs under a root directory, sharding them two
// hex-digit-pairs deep so no single directory accumulates millions of
// entries.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "blobstore.New", "cannot create store root", err)
	}
	return &Store{root: dir}, nil
}

// Create writes data under a freshly minted UUID and returns it. Empty
// input bypasses compressor entirely and is written as a zero-length file.
func (s *Store) Create(data []byte, c Compressor) (string, error) {
	if c == nil {
		c = NoneCompressor{}
	}

	payload := data
	if len(data) > 0 {
		compressed, err := c.Compress(data)
		if err != nil {
			return "", err
		}
		payload = compressed
	}

	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := uuid.NewString()
		path := s.pathFor(id)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", errors.Wrap(errors.KindInternalError, "blobstore.Create", "cannot create shard directories", err)
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue // uuid collision, astronomically unlikely; retry with a new one
			}
			return "", errors.Wrap(errors.KindInternalError, "blobstore.Create", "cannot create blob file", err)
		}

		_, writeErr := f.Write(payload)
		closeErr := f.Close()
		if writeErr != nil {
			os.Remove(path)
			return "", errors.Wrap(errors.KindInternalError, "blobstore.Create", "cannot write blob", writeErr)
		}
		if closeErr != nil {
			os.Remove(path)
			return "", errors.Wrap(errors.KindInternalError, "blobstore.Create", "cannot close blob file", closeErr)
		}
		return id, nil
	}
	return "", errors.New(errors.KindInternalError, "blobstore.Create", "exhausted uuid collision retries")
}

// Read returns the decompressed contents of the blob identified by id.
func (s *Store) Read(id string, c Compressor) ([]byte, error) {
	if c == nil {
		c = NoneCompressor{}
	}
	path, err := s.validatedPath(id)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.KindInexistentItem, "blobstore.Read", "blob not found", err)
		}
		return nil, errors.Wrap(errors.KindInternalError, "blobstore.Read", "cannot read blob", err)
	}
	if len(raw) == 0 {
		return raw, nil
	}
	return c.Uncompress(raw)
}

// Size returns the on-disk (post-compression) size of the blob.
func (s *Store) Size(id string) (int64, error) {
	path, err := s.validatedPath(id)
	if err != nil {
		return 0, err
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, errors.Wrap(errors.KindInexistentItem, "blobstore.Size", "blob not found", statErr)
		}
		return 0, errors.Wrap(errors.KindInternalError, "blobstore.Size", "cannot stat blob", statErr)
	}
	return info.Size(), nil
}

// Remove deletes the blob and, best-effort, its now-possibly-empty shard
// directories. Non-empty directories are left in place; this is not an error.
func (s *Store) Remove(id string) error {
	path, err := s.validatedPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindInternalError, "blobstore.Remove", "cannot remove blob", err)
	}

	bucketDir := filepath.Dir(path)
	_ = os.Remove(bucketDir)              // bb
	_ = os.Remove(filepath.Dir(bucketDir)) // aa
	return nil
}

// List walks the store and returns every id whose path matches the
// expected sharding pattern. Files that don't match the <aa>/<bb>/<uuid>
// layout (stray files dropped into the root by something else) are skipped.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		aa, bb, name := parts[0], parts[1], parts[2]
		id, parseErr := uuid.Parse(name)
		if parseErr != nil {
			return nil
		}
		idStr := id.String()
		if idStr[0:2] != aa || idStr[2:4] != bb {
			return nil
		}
		ids = append(ids, idStr)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "blobstore.List", "walk failed", err)
	}
	return ids, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.root, id[0:2], id[2:4], id)
}

func (s *Store) validatedPath(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", errors.Wrap(errors.KindParameterOutOfRange, "blobstore", "malformed blob id", err)
	}
	return s.pathFor(parsed.String()), nil
}

