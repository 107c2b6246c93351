package assets

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
)

func TestSweep_RemovesBothBlobsAndRow(t *testing.T) {
	for _, backend := range []string{catalog.BackendSQLite, catalog.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			env := newTestEnv(t, backend, nil, testOptions())
			ctx := context.Background()

			gone, err := env.svc.Upload(ctx, UploadRequest{Data: jpegBytes(t, 300, 200, 20), MimeType: "image/jpeg"})
			require.NoError(t, err)
			kept, err := env.svc.Upload(ctx, UploadRequest{Data: jpegBytes(t, 300, 200, 21), MimeType: "image/jpeg"})
			require.NoError(t, err)

			origPath, err := env.blobs.Path(blobstore.Originals, gone.Hash)
			require.NoError(t, err)
			thumbPath, err := env.blobs.Path(blobstore.Thumbnails, *gone.ThumbnailHash)
			require.NoError(t, err)
			want := fileSize(t, origPath) + fileSize(t, thumbPath)

			n, err := env.svc.Delete(ctx, gone.Hash)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			// Reaching zero does not delete anything by itself.
			assert.FileExists(t, origPath)
			assert.FileExists(t, thumbPath)

			res, err := env.svc.Cleanup(ctx, SweepOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Removed)
			assert.Equal(t, want, res.FreedBytes)
			assert.Equal(t, []string{gone.Hash}, res.Candidates)
			assert.Empty(t, res.Failed)

			assert.NoFileExists(t, origPath)
			assert.NoFileExists(t, thumbPath)
			_, err = env.svc.Get(ctx, gone.Hash)
			assert.ErrorIs(t, err, ErrNotFound)

			// The other asset is untouched.
			_, err = env.svc.ResolvePath(ctx, kept.Hash, false)
			assert.NoError(t, err)
			_, err = env.svc.ResolvePath(ctx, kept.Hash, true)
			assert.NoError(t, err)
		})
	}
}

func TestSweep_DryRunKeepsFiles(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: jpegBytes(t, 300, 200, 22), MimeType: "image/jpeg"})
	require.NoError(t, err)
	_, err = env.svc.Delete(ctx, res.Hash)
	require.NoError(t, err)

	row, err := env.svc.Get(ctx, res.Hash)
	require.NoError(t, err)

	dry, err := env.svc.Cleanup(ctx, SweepOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, 0, dry.Removed)
	assert.Equal(t, []string{res.Hash}, dry.Candidates)
	assert.Equal(t, row.TotalBytes(), dry.FreedBytes)

	_, err = env.svc.ResolvePath(ctx, res.Hash, false)
	assert.NoError(t, err)
	_, err = env.svc.ResolvePath(ctx, res.Hash, true)
	assert.NoError(t, err)

	swept, err := env.svc.Cleanup(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Removed)
	assert.Equal(t, 0, env.blobFiles(t, blobstore.Originals))
	assert.Equal(t, 0, env.blobFiles(t, blobstore.Thumbnails))
}

func TestSweep_OlderThanKeepsRecentOrphans(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 23), MimeType: "image/png"})
	require.NoError(t, err)
	_, err = env.svc.Delete(ctx, res.Hash)
	require.NoError(t, err)

	swept, err := env.svc.Cleanup(ctx, SweepOptions{OlderThan: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, swept.Candidates)
	assert.Equal(t, 0, swept.Removed)

	_, err = env.svc.Get(ctx, res.Hash)
	assert.NoError(t, err)
}

func TestSweep_SkipsReferencedAssets(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 24), MimeType: "image/png"})
	require.NoError(t, err)

	swept, err := env.svc.Cleanup(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Empty(t, swept.Candidates)

	_, err = env.svc.ResolvePath(ctx, res.Hash, false)
	assert.NoError(t, err)
}

func TestSweep_SharedThumbnailSurvives(t *testing.T) {
	env := newTestEnv(t, catalog.BackendSQLite, constantDeriver{out: []byte("shared thumbnail bytes")}, testOptions())
	ctx := context.Background()

	a, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 25), MimeType: "image/png"})
	require.NoError(t, err)
	b, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 26), MimeType: "image/png"})
	require.NoError(t, err)
	require.Equal(t, *a.ThumbnailHash, *b.ThumbnailHash)
	assert.Equal(t, 1, env.blobFiles(t, blobstore.Thumbnails))

	_, err = env.svc.Delete(ctx, a.Hash)
	require.NoError(t, err)
	res, err := env.svc.Cleanup(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	thumbPath, err := env.svc.ResolvePath(ctx, b.Hash, true)
	require.NoError(t, err)
	assert.FileExists(t, thumbPath)

	_, err = env.svc.Delete(ctx, b.Hash)
	require.NoError(t, err)
	res, err = env.svc.Cleanup(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.NoFileExists(t, thumbPath)
}

func TestSweep_ReassociatedAssetIsKept(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 16, 16, 27), MimeType: "image/png"})
	require.NoError(t, err)
	_, err = env.svc.Delete(ctx, res.Hash)
	require.NoError(t, err)

	// The orphan is listed, then referenced again before removal.
	orphans, err := env.catalog.ListOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	_, err = env.svc.Associate(ctx, res.Hash)
	require.NoError(t, err)

	freed, removed, err := env.svc.removeOrphan(ctx, res.Hash)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(0), freed)
	_, err = env.svc.ResolvePath(ctx, res.Hash, false)
	assert.NoError(t, err)
}

func TestSweep_ThumbnailComesFromCatalog(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 300, 300, 28), MimeType: "image/png"})
	require.NoError(t, err)
	require.NotNil(t, res.ThumbnailHash)

	// A thumbnail-namespace blob stored under the original's hash is not the
	// asset's thumbnail and must survive the sweep.
	decoy, err := env.blobs.Path(blobstore.Thumbnails, res.Hash)
	require.NoError(t, err)
	data, err := env.blobs.Read(ctx, blobstore.Originals, res.Hash)
	require.NoError(t, err)
	require.NoError(t, env.blobs.Put(ctx, blobstore.Thumbnails, res.Hash, bytes.NewReader(data)))

	_, err = env.svc.Delete(ctx, res.Hash)
	require.NoError(t, err)
	_, err = env.svc.Cleanup(ctx, SweepOptions{})
	require.NoError(t, err)

	assert.FileExists(t, decoy)
	thumbPath, err := env.blobs.Path(blobstore.Thumbnails, *res.ThumbnailHash)
	require.NoError(t, err)
	assert.NoFileExists(t, thumbPath)
}

// ==================== Verify ====================

func TestVerify_CleanStore(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	_, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 64, 64, 30), MimeType: "image/png"})
	require.NoError(t, err)

	report, err := env.svc.Verify(ctx, VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.CatalogRows)
	assert.Equal(t, 2, report.BlobsScanned)
}

func TestVerify_StraysAndRepair(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	strayOrig, _, err := env.blobs.Store(ctx, blobstore.Originals, []byte("crashed before cataloging"))
	require.NoError(t, err)
	strayThumb, _, err := env.blobs.Store(ctx, blobstore.Thumbnails, []byte("orphan thumbnail"))
	require.NoError(t, err)

	report, err := env.svc.Verify(ctx, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{strayOrig}, report.StrayOriginals)
	assert.Equal(t, []string{strayThumb}, report.StrayThumbnails)
	assert.Equal(t, 0, report.Repaired)

	has, err := env.blobs.Has(ctx, blobstore.Originals, strayOrig)
	require.NoError(t, err)
	assert.True(t, has)

	report, err = env.svc.Verify(ctx, VerifyOptions{Repair: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)

	has, err = env.blobs.Has(ctx, blobstore.Originals, strayOrig)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = env.blobs.Has(ctx, blobstore.Thumbnails, strayThumb)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestVerify_GracePeriodProtectsFreshBlobs(t *testing.T) {
	opts := testOptions()
	opts.StrayGracePeriod = time.Hour
	env := newTestEnv(t, catalog.BackendSQLite, nil, opts)
	ctx := context.Background()

	_, _, err := env.blobs.Store(ctx, blobstore.Originals, []byte("in flight"))
	require.NoError(t, err)

	report, err := env.svc.Verify(ctx, VerifyOptions{Repair: true})
	require.NoError(t, err)
	assert.Empty(t, report.StrayOriginals)
	assert.Equal(t, 0, report.Repaired)
	assert.Equal(t, 1, env.blobFiles(t, blobstore.Originals))
}

func TestVerify_DanglingAndMissing(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	dangling, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 64, 64, 31), MimeType: "image/png"})
	require.NoError(t, err)
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Thumbnails, *dangling.ThumbnailHash))

	missing, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 64, 64, 32), MimeType: "image/png"})
	require.NoError(t, err)
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Originals, missing.Hash))

	report, err := env.svc.Verify(ctx, VerifyOptions{Repair: true})
	require.NoError(t, err)
	assert.Equal(t, []string{dangling.Hash}, report.DanglingThumbnails)
	assert.Equal(t, []string{missing.Hash}, report.MissingOriginals)
	assert.Equal(t, 1, report.Repaired)

	row, err := env.svc.Get(ctx, dangling.Hash)
	require.NoError(t, err)
	assert.False(t, row.HasThumbnail())
	assert.Equal(t, int64(0), row.ThumbnailBytes)

	// Re-deriving brings the thumbnail back.
	derived, err := env.svc.DeriveMissingThumbnails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, derived.Derived)

	row, err = env.svc.Get(ctx, dangling.Hash)
	require.NoError(t, err)
	assert.Equal(t, *dangling.ThumbnailHash, row.Thumbnail())
}
