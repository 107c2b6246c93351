package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps an AssetClient and retries idempotent calls on transient
// errors. Calls that change reference counts go through exactly once: a
// retried upload or association after a lost response would count twice.
type RetryClient struct {
	inner  AssetClient
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps inner.
func NewRetryClient(inner AssetClient, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(rc.config.MaxBackoff))
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1)
	return max(time.Duration(base+jitter), 0)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, fails permanently, or runs out of attempts.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

// retryValue is retry for calls that return a value.
func retryValue[T any](ctx context.Context, rc *RetryClient, operation string, fn func() (T, error)) (T, error) {
	var out T
	err := rc.retry(ctx, operation, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (rc *RetryClient) Upload(ctx context.Context, data []byte, filename, mimeType string, opts *assets.UploadOptions) (*assets.UploadResult, error) {
	return rc.inner.Upload(ctx, data, filename, mimeType, opts)
}

func (rc *RetryClient) ImportBatch(ctx context.Context, items []assets.ImportItem) ([]assets.ImportResult, error) {
	return rc.inner.ImportBatch(ctx, items)
}

func (rc *RetryClient) GetAsset(ctx context.Context, hash string) (*models.Asset, error) {
	return retryValue(ctx, rc, "get asset", func() (*models.Asset, error) {
		return rc.inner.GetAsset(ctx, hash)
	})
}

func (rc *RetryClient) DownloadContent(ctx context.Context, hash string, thumb bool) (body io.ReadCloser, contentType string, err error) {
	err = rc.retry(ctx, "download content", func() error {
		var err error
		body, contentType, err = rc.inner.DownloadContent(ctx, hash, thumb)
		return err
	})
	return
}

func (rc *RetryClient) Resolve(ctx context.Context, locator string) (string, error) {
	return retryValue(ctx, rc, "resolve", func() (string, error) {
		return rc.inner.Resolve(ctx, locator)
	})
}

func (rc *RetryClient) Associate(ctx context.Context, hash string) (int64, error) {
	return rc.inner.Associate(ctx, hash)
}

func (rc *RetryClient) Delete(ctx context.Context, hash string) (int64, error) {
	return rc.inner.Delete(ctx, hash)
}

func (rc *RetryClient) Cleanup(ctx context.Context, req *CleanupRequest) (*assets.SweepResult, error) {
	return retryValue(ctx, rc, "cleanup", func() (*assets.SweepResult, error) {
		return rc.inner.Cleanup(ctx, req)
	})
}

func (rc *RetryClient) Stats(ctx context.Context) (*models.CatalogStats, error) {
	return retryValue(ctx, rc, "stats", func() (*models.CatalogStats, error) {
		return rc.inner.Stats(ctx)
	})
}

// Reconcile sets absolute counts, so repeating it is harmless.
func (rc *RetryClient) Reconcile(ctx context.Context, req *ReconcileRequest) (*assets.ReconcileResult, error) {
	return retryValue(ctx, rc, "reconcile", func() (*assets.ReconcileResult, error) {
		return rc.inner.Reconcile(ctx, req)
	})
}

func (rc *RetryClient) Verify(ctx context.Context, repair bool) (*assets.VerifyReport, error) {
	return retryValue(ctx, rc, "verify", func() (*assets.VerifyReport, error) {
		return rc.inner.Verify(ctx, repair)
	})
}

func (rc *RetryClient) DeriveThumbnails(ctx context.Context) (*assets.DeriveResult, error) {
	return retryValue(ctx, rc, "derive thumbnails", func() (*assets.DeriveResult, error) {
		return rc.inner.DeriveThumbnails(ctx)
	})
}

var (
	_ AssetClient = (*HTTPClient)(nil)
	_ AssetClient = (*RetryClient)(nil)
)
