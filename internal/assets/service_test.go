package assets

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/models"
	"github.com/kilupskalvis/assetstore/internal/thumbnail"
)

func thumbOpts(w, h int) *UploadOptions {
	return &UploadOptions{GenerateThumbnail: true, Thumbnail: thumbnail.Constraints{MaxWidth: w, MaxHeight: h, Quality: 80}}
}

// ==================== Upload ====================

func TestUpload_PhotoWithThumbnail(t *testing.T) {
	for _, backend := range []string{catalog.BackendSQLite, catalog.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			env := newTestEnv(t, backend, nil, testOptions())
			ctx := context.Background()
			photo := jpegBytes(t, 1200, 800, 0)

			res, err := env.svc.Upload(ctx, UploadRequest{
				Data:     photo,
				Filename: "photo.jpg",
				MimeType: "image/jpeg",
				Options:  thumbOpts(200, 200),
			})
			require.NoError(t, err)

			assert.Equal(t, models.HashBytes(photo), res.Hash)
			require.NotNil(t, res.ThumbnailHash)
			assert.NotEqual(t, res.Hash, *res.ThumbnailHash)
			assert.Equal(t, "asset://"+res.Hash, res.URL)
			require.NotNil(t, res.ThumbnailURL)
			assert.Equal(t, "asset://"+res.Hash+"?thumbnail=true", *res.ThumbnailURL)
			assert.Equal(t, int64(len(photo)), res.Size)
			assert.Equal(t, 1200, res.Width)
			assert.Equal(t, 800, res.Height)
			assert.Equal(t, int64(1), res.RefCount)
			assert.False(t, res.Deduplicated)
			assert.Empty(t, res.Warnings)

			thumbPath, err := env.svc.ResolvePath(ctx, res.Hash, true)
			require.NoError(t, err)
			data, err := os.ReadFile(thumbPath)
			require.NoError(t, err)
			w, h, err := thumbnail.Dimensions(data)
			require.NoError(t, err)
			assert.LessOrEqual(t, w, 200)
			assert.LessOrEqual(t, h, 200)

			origPath, err := env.svc.ResolvePath(ctx, res.Hash, false)
			require.NoError(t, err)
			assert.NotEqual(t, origPath, thumbPath)
			assert.Contains(t, origPath, string(blobstore.Originals))
			assert.Contains(t, thumbPath, string(blobstore.Thumbnails))
		})
	}
}

func TestUpload_ReuploadDeduplicates(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	photo := jpegBytes(t, 640, 480, 1)
	req := UploadRequest{Data: photo, Filename: "photo.jpg", MimeType: "image/jpeg", Options: thumbOpts(200, 200)}

	first, err := env.svc.Upload(ctx, req)
	require.NoError(t, err)
	originals := env.blobFiles(t, blobstore.Originals)
	thumbs := env.blobFiles(t, blobstore.Thumbnails)

	second, err := env.svc.Upload(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, *first.ThumbnailHash, *second.ThumbnailHash)
	assert.Equal(t, int64(1), first.RefCount)
	assert.Equal(t, int64(2), second.RefCount)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, originals, env.blobFiles(t, blobstore.Originals))
	assert.Equal(t, thumbs, env.blobFiles(t, blobstore.Thumbnails))
}

func TestUpload_ConcurrentIdenticalContent(t *testing.T) {
	for _, backend := range []string{catalog.BackendSQLite, catalog.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			env := newTestEnv(t, backend, nil, testOptions())
			ctx := context.Background()
			data := pngBytes(t, 64, 64, 7)

			const n = 12
			var wg sync.WaitGroup
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := env.svc.Upload(ctx, UploadRequest{Data: data, Filename: "same.png", MimeType: "image/png"})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			a, err := env.svc.Get(ctx, models.HashBytes(data))
			require.NoError(t, err)
			assert.Equal(t, int64(n), a.RefCount)
			assert.Equal(t, 1, env.blobFiles(t, blobstore.Originals))
			assert.Equal(t, 1, env.blobFiles(t, blobstore.Thumbnails))
			assert.Equal(t, 0, env.svc.locks.size())
		})
	}
}

func TestUpload_Validation(t *testing.T) {
	opts := testOptions()
	opts.MaxUploadBytes = 1024
	env := newTestEnv(t, catalog.BackendSQLite, nil, opts)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   UploadRequest
		field string
	}{
		{"empty", UploadRequest{Data: nil, MimeType: "image/png"}, FieldPayload},
		{"too large", UploadRequest{Data: make([]byte, 1025), MimeType: "image/png"}, FieldSize},
		{"disallowed type", UploadRequest{Data: []byte("%PDF-1.4"), MimeType: "application/pdf"}, FieldMimeType},
		{"sniffed text", UploadRequest{Data: []byte("just some text")}, FieldMimeType},
		{"bad thumbnail box", UploadRequest{Data: pngBytes(t, 8, 8, 0), MimeType: "image/png", Options: thumbOpts(5000, 10)}, FieldThumbnail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Upload(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	// Nothing was written for rejected uploads.
	assert.Equal(t, 0, env.blobFiles(t, blobstore.Originals))
	st, err := env.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalAssets)
}

func TestUpload_MimeNormalizationAndSniffing(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: jpegBytes(t, 16, 16, 2), MimeType: "image/JPG"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.MimeType)

	res, err = env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 3), Filename: "x.png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)

	res, err = env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 4), MimeType: "image/png; charset=binary"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)
}

func TestUpload_CorruptImageStoredWithoutThumbnail(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	// PNG signature followed by garbage.
	data := append([]byte("\x89PNG\r\n\x1a\n"), []byte("definitely not an image body")...)

	res, err := env.svc.Upload(ctx, UploadRequest{Data: data, Filename: "broken.png", MimeType: "image/png"})
	require.NoError(t, err)
	assert.Nil(t, res.ThumbnailHash)
	assert.Nil(t, res.ThumbnailURL)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "thumbnail")

	_, err = env.svc.ResolvePath(ctx, res.Hash, true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.ResolvePath(ctx, res.Hash, false)
	assert.NoError(t, err)
}

func TestUpload_OversizedImageStoredWithoutThumbnail(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: oversizedPNG(t, 60000, 60000), MimeType: "image/png"})
	require.NoError(t, err)
	assert.Nil(t, res.ThumbnailHash)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "thumbnail")
	assert.Equal(t, 0, env.blobFiles(t, blobstore.Thumbnails))
}

func TestUpload_ThumbnailDisabled(t *testing.T) {
	env := newTestService(t)
	res, err := env.svc.Upload(context.Background(), UploadRequest{
		Data:     pngBytes(t, 32, 32, 5),
		MimeType: "image/png",
		Options:  &UploadOptions{GenerateThumbnail: false},
	})
	require.NoError(t, err)
	assert.Nil(t, res.ThumbnailHash)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 0, env.blobFiles(t, blobstore.Thumbnails))
}

func TestUpload_ReuploadFillsMissingThumbnail(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	data := pngBytes(t, 300, 300, 6)

	first, err := env.svc.Upload(ctx, UploadRequest{Data: data, MimeType: "image/png", Options: &UploadOptions{}})
	require.NoError(t, err)
	assert.Nil(t, first.ThumbnailHash)

	second, err := env.svc.Upload(ctx, UploadRequest{Data: data, MimeType: "image/png"})
	require.NoError(t, err)
	require.NotNil(t, second.ThumbnailHash)
	assert.Equal(t, int64(2), second.RefCount)
}

func TestUpload_StorageFailureLeavesNoRow(t *testing.T) {
	dir := t.TempDir()
	fs, err := blobstore.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	cat, err := catalog.Open(catalog.BackendSQLite, filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	svc := New(cat, &faultyStore{FSStore: fs, failNS: blobstore.Thumbnails}, nil, testOptions(), nil, nil)
	defer svc.Close()

	data := pngBytes(t, 64, 64, 8)
	_, err = svc.Upload(context.Background(), UploadRequest{Data: data, MimeType: "image/png"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, errDiskFull)

	_, err = svc.Get(context.Background(), models.HashBytes(data))
	assert.ErrorIs(t, err, ErrNotFound)
}

// ==================== Resolve ====================

func TestResolvePath_MalformedHashSkipsFilesystem(t *testing.T) {
	env := newTestService(t)
	spy := &spyStore{BlobStore: env.blobs}
	svc := New(env.catalog, spy, nil, testOptions(), nil, nil)

	for _, hash := range []string{"", "../../etc/passwd", "ABCDEF", models.HashBytes(nil)[:63], models.HashBytes(nil) + "/.."} {
		_, err := svc.ResolvePath(context.Background(), hash, false)
		assert.ErrorIs(t, err, ErrNotFound, hash)
	}
	assert.Equal(t, int64(0), spy.calls.Load())
}

func TestResolvePath_UnknownHash(t *testing.T) {
	env := newTestService(t)
	_, err := env.svc.ResolvePath(context.Background(), models.HashBytes([]byte("nope")), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePath_RecordsAccess(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 9), MimeType: "image/png"})
	require.NoError(t, err)

	before, err := env.svc.Get(ctx, res.Hash)
	require.NoError(t, err)

	path, err := env.svc.ResolvePath(ctx, res.Hash, false)
	require.NoError(t, err)
	assert.Equal(t, res.Size, fileSize(t, path))

	after, err := env.svc.Get(ctx, res.Hash)
	require.NoError(t, err)
	assert.False(t, after.LastAccessedAt.Before(before.LastAccessedAt))
}

func TestResolveLocator(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: jpegBytes(t, 400, 300, 10), MimeType: "image/jpeg"})
	require.NoError(t, err)

	orig, err := env.svc.ResolveLocator(ctx, res.URL)
	require.NoError(t, err)
	thumb, err := env.svc.ResolveLocator(ctx, *res.ThumbnailURL)
	require.NoError(t, err)
	assert.NotEqual(t, orig, thumb)

	bare, err := env.svc.ResolveLocator(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, orig, bare)

	for _, bad := range []string{"asset://zz", "http://" + res.Hash, "asset://" + res.Hash + "/x", "asset://" + res.Hash + "?thumbnail=maybe"} {
		_, err := env.svc.ResolveLocator(ctx, bad)
		assert.ErrorIs(t, err, ErrNotFound, bad)
	}
}

func TestResolvePath_MissingBlob(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 11), MimeType: "image/png"})
	require.NoError(t, err)
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Originals, res.Hash))

	_, err = env.svc.ResolvePath(ctx, res.Hash, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenContent(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	data := jpegBytes(t, 400, 300, 14)
	res, err := env.svc.Upload(ctx, UploadRequest{Data: data, MimeType: "image/jpeg", Options: thumbOpts(100, 100)})
	require.NoError(t, err)
	require.NotNil(t, res.ThumbnailHash)

	c, err := env.svc.OpenContent(ctx, res.Hash, false)
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, data, got)
	assert.Equal(t, "image/jpeg", c.ContentType)
	assert.Equal(t, res.Hash, c.ETag)

	c, err = env.svc.OpenContent(ctx, res.Hash, true)
	require.NoError(t, err)
	got, err = io.ReadAll(c)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, *res.ThumbnailHash, models.HashBytes(got))
	assert.Equal(t, thumbnail.MimeType, c.ContentType)
	assert.Equal(t, *res.ThumbnailHash, c.ETag)
}

func TestOpenContent_NotFound(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 15), MimeType: "image/png", Options: &UploadOptions{}})
	require.NoError(t, err)

	_, err = env.svc.OpenContent(ctx, res.Hash, true)
	assert.ErrorIs(t, err, ErrNotFound, "no thumbnail")

	_, err = env.svc.OpenContent(ctx, "nothex", false)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, env.blobs.Delete(ctx, blobstore.Originals, res.Hash))
	_, err = env.svc.OpenContent(ctx, res.Hash, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ==================== Statistics ====================

func TestStatistics(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	a, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 50, 50, 12), MimeType: "image/png"})
	require.NoError(t, err)
	b, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 60, 60, 13), MimeType: "image/png"})
	require.NoError(t, err)
	_, err = env.svc.Delete(ctx, b.Hash)
	require.NoError(t, err)

	rowA, err := env.svc.Get(ctx, a.Hash)
	require.NoError(t, err)
	rowB, err := env.svc.Get(ctx, b.Hash)
	require.NoError(t, err)

	st, err := env.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalAssets)
	assert.Equal(t, 1, st.OrphanCount)
	assert.Equal(t, rowA.TotalBytes()+rowB.TotalBytes(), st.TotalBytes)
	assert.Equal(t, 2, st.OriginalBlobs)
	assert.Equal(t, env.blobFiles(t, blobstore.Thumbnails), st.ThumbnailBlobs)
}
