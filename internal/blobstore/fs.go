package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/assetstore/internal/models"
)

// FSStore implements BlobStore using the local filesystem.
// Blobs are stored per namespace in a two-level directory structure using the
// first two characters of the hash as a prefix directory:
//
//	<root>/<namespace>/ab/cdef...
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed blob store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	for _, ns := range Namespaces {
		if err := os.MkdirAll(filepath.Join(root, string(ns)), 0755); err != nil {
			return nil, fmt.Errorf("create blob root: %w", err)
		}
	}
	return &FSStore{root: root}, nil
}

// Root returns the directory the store lives in.
func (s *FSStore) Root() string {
	return s.root
}

// Store writes data under its SHA-256 hash if no such blob exists yet.
func (s *FSStore) Store(ctx context.Context, ns Namespace, data []byte) (string, bool, error) {
	hash := models.HashBytes(data)

	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(blobPath); err == nil {
		return hash, false, nil
	}

	if err := s.writeAtomic(ctx, ns, hash, bytes.NewReader(data)); err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// Put stores a blob read from r, verified against hash.
// Idempotent: if the blob exists, r is not read.
func (s *FSStore) Put(ctx context.Context, ns Namespace, hash string, r io.Reader) error {
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(blobPath); err == nil {
		return nil
	}
	return s.writeAtomic(ctx, ns, hash, r)
}

// writeAtomic streams r into a temp file next to the final location, checks
// the digest, syncs, and renames into place. Concurrent writers of the same
// content each rename their own temp file; the last rename wins and the
// content is identical either way.
func (s *FSStore) writeAtomic(ctx context.Context, ns Namespace, hash string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return err
	}

	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Hash data as we write
	hasher := sha256.New()
	writer := io.MultiWriter(tmpFile, hasher)

	if _, err := io.Copy(writer, r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write blob data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	computedHash := hex.EncodeToString(hasher.Sum(nil))
	if computedHash != hash {
		os.Remove(tmpPath)
		return fmt.Errorf("expected %s, got %s: %w", hash, computedHash, ErrHashMismatch)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}

	return nil
}

// Read returns the full content of a blob.
func (s *FSStore) Read(_ context.Context, ns Namespace, hash string) ([]byte, error) {
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return nil, ErrBlobNotFound
	}
	data, err := os.ReadFile(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Open opens a blob for reading.
// Returns ErrBlobNotFound if the blob does not exist.
func (s *FSStore) Open(_ context.Context, ns Namespace, hash string) (io.ReadCloser, error) {
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return f, nil
}

// Has checks whether a blob exists.
func (s *FSStore) Has(_ context.Context, ns Namespace, hash string) (bool, error) {
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(blobPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

// Stat returns the size and modification time of a blob.
func (s *FSStore) Stat(_ context.Context, ns Namespace, hash string) (*BlobInfo, error) {
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return nil, ErrBlobNotFound
	}
	info, err := os.Stat(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return &BlobInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Delete removes a blob. A missing blob is not an error: an earlier partial
// sweep may already have removed it.
func (s *FSStore) Delete(_ context.Context, ns Namespace, hash string) error {
	blobPath, err := s.Path(ns, hash)
	if err != nil {
		return nil
	}
	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// Path returns the filesystem path for a blob. The hash is validated first so
// no caller-supplied string ever reaches filepath.Join unchecked.
func (s *FSStore) Path(ns Namespace, hash string) (string, error) {
	if err := ns.valid(); err != nil {
		return "", err
	}
	if !models.ValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return filepath.Join(s.root, string(ns), hash[:2], hash[2:]), nil
}

// TotalCount returns the number of stored blobs by scanning the directory tree.
func (s *FSStore) TotalCount(ctx context.Context, ns Namespace) (int, error) {
	hashes, err := s.ListHashes(ctx, ns)
	return len(hashes), err
}

// ListHashes returns all blob hashes by scanning the directory tree.
// Temp files and anything that does not reassemble into a valid hash are skipped.
func (s *FSStore) ListHashes(_ context.Context, ns Namespace) ([]string, error) {
	if err := ns.valid(); err != nil {
		return nil, err
	}
	nsRoot := filepath.Join(s.root, string(ns))

	var hashes []string
	err := filepath.WalkDir(nsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		// Reconstruct hash from path: root/ns/ab/cd... -> abcd...
		rel, err := filepath.Rel(nsRoot, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) == 2 && models.ValidHash(parts[0]+parts[1]) {
			hashes = append(hashes, parts[0]+parts[1])
		}
		return nil
	})

	return hashes, err
}
