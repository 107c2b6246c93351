package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
)

func TestImportBatch_MixedResults(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	dup := pngBytes(t, 32, 32, 50)
	dir := t.TempDir()
	onDisk := filepath.Join(dir, "from-disk.jpg")
	require.NoError(t, os.WriteFile(onDisk, jpegBytes(t, 40, 30, 51), 0644))

	items := []ImportItem{
		{Filename: "a.png", Data: dup},
		{Filename: "b.png", Data: dup},
		{Filename: "notes.txt", Data: []byte("plain text is not an image")},
		{Path: onDisk},
		{Path: filepath.Join(dir, "missing.png")},
		{Filename: "empty.png", MimeType: "image/png", Data: []byte{}},
	}

	results := env.svc.ImportBatch(ctx, items)
	require.Len(t, results, len(items))

	assert.Equal(t, "a.png", results[0].Filename)
	require.NotNil(t, results[0].Result)
	require.NotNil(t, results[1].Result)
	assert.Equal(t, results[0].Result.Hash, results[1].Result.Hash)

	assert.Nil(t, results[2].Result)
	assert.ErrorIs(t, results[2].Err(), ErrValidation)
	assert.NotEmpty(t, results[2].Error)

	assert.Equal(t, "from-disk.jpg", results[3].Filename)
	require.NotNil(t, results[3].Result)
	assert.Equal(t, "image/jpeg", results[3].Result.MimeType)

	assert.Equal(t, "missing.png", results[4].Filename)
	assert.Error(t, results[4].Err())

	assert.ErrorIs(t, results[5].Err(), ErrValidation)

	row, err := env.svc.Get(ctx, results[0].Result.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.RefCount)
	assert.Equal(t, 2, env.blobFiles(t, blobstore.Originals))
}

func TestImportBatch_OversizedPathRejectedBySize(t *testing.T) {
	opts := testOptions()
	opts.MaxUploadBytes = 1024
	env := newTestEnv(t, catalog.BackendSQLite, nil, opts)

	dir := t.TempDir()
	big := filepath.Join(dir, "big.png")
	require.NoError(t, os.WriteFile(big, make([]byte, 4096), 0644))

	results := env.svc.ImportBatch(context.Background(), []ImportItem{{Path: big}})
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Result)
	assert.ErrorIs(t, results[0].Err(), ErrValidation)

	var verr *ValidationError
	require.ErrorAs(t, results[0].Err(), &verr)
	assert.Equal(t, FieldSize, verr.Field)
	assert.Equal(t, 0, env.blobFiles(t, blobstore.Originals))
}

func TestImportBatch_Empty(t *testing.T) {
	env := newTestService(t)
	assert.Empty(t, env.svc.ImportBatch(context.Background(), nil))
}

func TestImportBatch_CancelledContext(t *testing.T) {
	env := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := env.svc.ImportBatch(ctx, []ImportItem{{Filename: "a.png", Data: pngBytes(t, 8, 8, 52)}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err(), context.Canceled)
}

func TestDeriveMissingThumbnails(t *testing.T) {
	env := newTestEnv(t, catalog.BackendBolt, nil, testOptions())
	ctx := context.Background()

	noThumb := &UploadOptions{GenerateThumbnail: false}
	img, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 500, 400, 53), MimeType: "image/png", Options: noThumb})
	require.NoError(t, err)
	svg, err := env.svc.Upload(ctx, UploadRequest{
		Data:     []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"></svg>`),
		MimeType: "image/svg+xml",
		Options:  noThumb,
	})
	require.NoError(t, err)

	res, err := env.svc.DeriveMissingThumbnails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Derived)
	assert.Equal(t, 1, res.Failed)

	row, err := env.svc.Get(ctx, img.Hash)
	require.NoError(t, err)
	assert.True(t, row.HasThumbnail())
	assert.Greater(t, row.ThumbnailBytes, int64(0))

	row, err = env.svc.Get(ctx, svg.Hash)
	require.NoError(t, err)
	assert.False(t, row.HasThumbnail())

	// Nothing left to do for raster images.
	res, err = env.svc.DeriveMissingThumbnails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Derived)
}
