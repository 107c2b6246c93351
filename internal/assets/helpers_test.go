package assets

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/thumbnail"
)

// testEnv bundles a service with direct access to its stores.
type testEnv struct {
	svc     *Service
	blobs   *blobstore.FSStore
	catalog catalog.Catalog
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.StrayGracePeriod = 0
	return opts
}

func newTestEnv(t *testing.T, backend string, deriver thumbnail.Deriver, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()

	blobs, err := blobstore.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	cat, err := catalog.Open(backend, filepath.Join(dir, "catalog."+backend))
	require.NoError(t, err)

	svc := New(cat, blobs, deriver, opts, nil, NewMetrics(nil))
	t.Cleanup(func() { svc.Close() })
	return &testEnv{svc: svc, blobs: blobs, catalog: cat}
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, catalog.BackendSQLite, nil, testOptions())
}

// blobFiles counts regular files under a namespace directory.
func (e *testEnv) blobFiles(t *testing.T, ns blobstore.Namespace) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(filepath.Join(e.blobs.Root(), string(ns)), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func gradient(w, h int, seed uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x) + seed, G: uint8(y), B: uint8(x+y) ^ seed, A: 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h, seed), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h, seed)))
	return buf.Bytes()
}

// oversizedPNG returns a 1x1 grey PNG whose header claims w x h pixels.
func oversizedPNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

// constantDeriver returns the same thumbnail for every input.
type constantDeriver struct {
	out []byte
}

func (d constantDeriver) Derive([]byte, thumbnail.Constraints) ([]byte, error) {
	return d.out, nil
}

// failingDeriver always fails like a corrupt image would.
type failingDeriver struct{}

func (failingDeriver) Derive([]byte, thumbnail.Constraints) ([]byte, error) {
	return nil, thumbnail.ErrCorruptInput
}

var errDiskFull = errors.New("no space left on device")

// faultyStore fails writes to one namespace.
type faultyStore struct {
	*blobstore.FSStore
	failNS blobstore.Namespace
}

func (s *faultyStore) Store(ctx context.Context, ns blobstore.Namespace, data []byte) (string, bool, error) {
	if ns == s.failNS {
		return "", false, errDiskFull
	}
	return s.FSStore.Store(ctx, ns, data)
}

// spyStore counts every call that could touch the filesystem.
type spyStore struct {
	blobstore.BlobStore
	calls atomic.Int64
}

func (s *spyStore) Has(ctx context.Context, ns blobstore.Namespace, hash string) (bool, error) {
	s.calls.Add(1)
	return s.BlobStore.Has(ctx, ns, hash)
}

func (s *spyStore) Path(ns blobstore.Namespace, hash string) (string, error) {
	s.calls.Add(1)
	return s.BlobStore.Path(ns, hash)
}

func (s *spyStore) Open(ctx context.Context, ns blobstore.Namespace, hash string) (io.ReadCloser, error) {
	s.calls.Add(1)
	return s.BlobStore.Open(ctx, ns, hash)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}
