// Package blobstore provides content-addressable blob storage for asset
// originals and their derived thumbnails.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ErrHashMismatch is returned when the computed hash of blob data does not match the expected hash.
var ErrHashMismatch = errors.New("blob hash mismatch")

// ErrInvalidHash is returned when a hash is not a well-formed SHA-256 hex digest.
var ErrInvalidHash = errors.New("invalid blob hash")

// Namespace separates originals from derived thumbnails on disk.
type Namespace string

const (
	Originals  Namespace = "originals"
	Thumbnails Namespace = "thumbnails"
)

// Namespaces lists every namespace the store manages.
var Namespaces = []Namespace{Originals, Thumbnails}

func (ns Namespace) valid() error {
	switch ns {
	case Originals, Thumbnails:
		return nil
	}
	return fmt.Errorf("unknown blob namespace %q", string(ns))
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Size    int64
	ModTime time.Time
}

// BlobStore defines the contract for content-addressable binary storage.
type BlobStore interface {
	// Store hashes data and writes it under that hash unless it already
	// exists. Returns the hash and whether a new blob was written.
	Store(ctx context.Context, ns Namespace, data []byte) (hash string, created bool, err error)

	// Put streams r into the blob named hash and fails with ErrHashMismatch
	// when the content does not hash to it. A no-op if the blob exists.
	Put(ctx context.Context, ns Namespace, hash string, r io.Reader) error

	// Read returns the blob content. Returns ErrBlobNotFound if absent.
	Read(ctx context.Context, ns Namespace, hash string) ([]byte, error)

	// Open returns a reader for the blob. Returns ErrBlobNotFound if absent.
	Open(ctx context.Context, ns Namespace, hash string) (io.ReadCloser, error)

	// Has checks whether a blob with the given hash exists.
	Has(ctx context.Context, ns Namespace, hash string) (bool, error)

	// Stat returns size and modification time. Returns ErrBlobNotFound if absent.
	Stat(ctx context.Context, ns Namespace, hash string) (*BlobInfo, error)

	// Delete removes a blob. No error if it doesn't exist.
	Delete(ctx context.Context, ns Namespace, hash string) error

	// Path returns the filesystem location of a blob without touching the disk.
	Path(ns Namespace, hash string) (string, error)

	// TotalCount returns the number of stored blobs in a namespace.
	TotalCount(ctx context.Context, ns Namespace) (int, error)

	// ListHashes returns all blob hashes in a namespace.
	ListHashes(ctx context.Context, ns Namespace) ([]string, error)
}
