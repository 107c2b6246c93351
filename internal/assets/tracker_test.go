package assets

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/models"
)

// listHookCatalog runs afterList once, right after the first List returns.
type listHookCatalog struct {
	catalog.Catalog
	once      sync.Once
	afterList func()
}

func (c *listHookCatalog) List(ctx context.Context) ([]*models.Asset, error) {
	rows, err := c.Catalog.List(ctx)
	c.once.Do(c.afterList)
	return rows, err
}

func TestOnAssociate_CreatesThenIncrements(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	a := &models.Asset{Hash: models.HashBytes([]byte("x")), OriginalName: "x.png", MimeType: "image/png", SizeBytes: 1}

	stored, created, err := env.svc.OnAssociate(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.RefCount)

	stored, created, err = env.svc.OnAssociate(ctx, a)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(2), stored.RefCount)

	_, _, err = env.svc.OnAssociate(ctx, &models.Asset{Hash: "bad"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAssociate(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 40), MimeType: "image/png"})
	require.NoError(t, err)

	n, err := env.svc.Associate(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = env.svc.Associate(ctx, models.HashBytes([]byte("unknown")))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.Associate(ctx, "../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOnDissociate_FloorAndUnknown(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 41), MimeType: "image/png"})
	require.NoError(t, err)

	for range 3 {
		n, err := env.svc.OnDissociate(ctx, res.Hash)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	}

	row, err := env.svc.Get(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.RefCount)

	n, err := env.svc.OnDissociate(ctx, models.HashBytes([]byte("never stored")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = env.svc.OnDissociate(ctx, "nothex")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReferenceCounts_Concurrent(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	res, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 42), MimeType: "image/png"})
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.svc.Associate(ctx, res.Hash)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.svc.Associate(ctx, res.Hash)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Delete(ctx, res.Hash)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	row, err := env.svc.Get(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1+2*n-n), row.RefCount)
}

func TestReconcile(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	a, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 43), MimeType: "image/png"})
	require.NoError(t, err)
	b, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 44), MimeType: "image/png"})
	require.NoError(t, err)
	c, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 45), MimeType: "image/png"})
	require.NoError(t, err)
	unknown := models.HashBytes([]byte("declared but never stored"))

	declared := map[string]int64{
		a.Hash:  1, // matches
		b.Hash:  4, // undercounted
		unknown: 2,
		// c is not declared: nothing references it
	}

	dry, err := env.svc.Reconcile(ctx, declared, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Len(t, dry.Adjusted, 2)
	assert.Equal(t, []string{unknown}, dry.Unknown)

	row, err := env.svc.Get(ctx, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.RefCount)

	res, err := env.svc.Reconcile(ctx, declared, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []RefAdjustment{
		{Hash: b.Hash, Stored: 1, Declared: 4},
		{Hash: c.Hash, Stored: 1, Declared: 0},
	}, res.Adjusted)

	row, err = env.svc.Get(ctx, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(4), row.RefCount)
	row, err = env.svc.Get(ctx, c.Hash)
	require.NoError(t, err)
	assert.True(t, row.IsOrphan())

	// The orphan left by reconciliation is swept like any other.
	swept, err := env.svc.Cleanup(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{c.Hash}, swept.Candidates)

	again, err := env.svc.Reconcile(ctx, declared, false)
	require.NoError(t, err)
	assert.Empty(t, again.Adjusted)
}

func TestReconcile_SkipsCountsChangedMidRun(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	a, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 46), MimeType: "image/png"})
	require.NoError(t, err)
	b, err := env.svc.Upload(ctx, UploadRequest{Data: pngBytes(t, 8, 8, 47), MimeType: "image/png"})
	require.NoError(t, err)

	hooked := &listHookCatalog{Catalog: env.catalog}
	svc := New(hooked, env.blobs, nil, testOptions(), nil, NewMetrics(nil))
	hooked.afterList = func() {
		_, err := svc.Associate(ctx, a.Hash)
		require.NoError(t, err)
	}

	res, err := svc.Reconcile(ctx, map[string]int64{a.Hash: 5, b.Hash: 3}, false)
	require.NoError(t, err)
	assert.Equal(t, []RefAdjustment{{Hash: b.Hash, Stored: 1, Declared: 3}}, res.Adjusted)
	assert.Equal(t, []string{a.Hash}, res.Skipped)

	row, err := env.svc.Get(ctx, a.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.RefCount)
	row, err = env.svc.Get(ctx, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(3), row.RefCount)
}
