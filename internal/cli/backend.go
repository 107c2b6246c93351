package cli

import (
	"context"
	"io"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/models"
	"github.com/kilupskalvis/assetstore/internal/remote"
)

// localClient serves CLI commands from an in-process Service so every
// command works the same with or without --url.
type localClient struct {
	svc *assets.Service
}

var _ remote.AssetClient = (*localClient)(nil)

func (l *localClient) Upload(ctx context.Context, data []byte, filename, mimeType string, opts *assets.UploadOptions) (*assets.UploadResult, error) {
	return l.svc.Upload(ctx, assets.UploadRequest{
		Data:     data,
		Filename: filename,
		MimeType: mimeType,
		Options:  opts,
	})
}

func (l *localClient) ImportBatch(ctx context.Context, items []assets.ImportItem) ([]assets.ImportResult, error) {
	return l.svc.ImportBatch(ctx, items), nil
}

func (l *localClient) GetAsset(ctx context.Context, hash string) (*models.Asset, error) {
	return l.svc.Get(ctx, hash)
}

func (l *localClient) DownloadContent(ctx context.Context, hash string, thumb bool) (io.ReadCloser, string, error) {
	c, err := l.svc.OpenContent(ctx, hash, thumb)
	if err != nil {
		return nil, "", err
	}
	return c, c.ContentType, nil
}

func (l *localClient) Resolve(ctx context.Context, locator string) (string, error) {
	return l.svc.ResolveLocator(ctx, locator)
}

func (l *localClient) Associate(ctx context.Context, hash string) (int64, error) {
	return l.svc.Associate(ctx, hash)
}

func (l *localClient) Delete(ctx context.Context, hash string) (int64, error) {
	return l.svc.Delete(ctx, hash)
}

func (l *localClient) Cleanup(ctx context.Context, req *remote.CleanupRequest) (*assets.SweepResult, error) {
	if req == nil {
		req = &remote.CleanupRequest{}
	}
	opts, err := req.SweepOptions()
	if err != nil {
		return nil, err
	}
	return l.svc.Cleanup(ctx, opts)
}

func (l *localClient) Stats(ctx context.Context) (*models.CatalogStats, error) {
	return l.svc.Statistics(ctx)
}

func (l *localClient) Reconcile(ctx context.Context, req *remote.ReconcileRequest) (*assets.ReconcileResult, error) {
	return l.svc.Reconcile(ctx, req.Declared, req.DryRun)
}

func (l *localClient) Verify(ctx context.Context, repair bool) (*assets.VerifyReport, error) {
	return l.svc.Verify(ctx, assets.VerifyOptions{Repair: repair})
}

func (l *localClient) DeriveThumbnails(ctx context.Context) (*assets.DeriveResult, error) {
	return l.svc.DeriveMissingThumbnails(ctx)
}
