package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/models"
)

// ImportItem is one file in a batch. When Data is nil the file at Path is
// read by the worker that imports it.
type ImportItem struct {
	Filename string
	MimeType string
	Data     []byte
	Path     string
}

// ImportResult is the outcome for one item. Exactly one of Result and Error
// is set.
type ImportResult struct {
	Filename string        `json:"filename"`
	Result   *UploadResult `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`

	err error
}

// Err returns the item's error, if any.
func (r ImportResult) Err() error {
	return r.err
}

// ImportBatch uploads items concurrently, bounded by ImportConcurrency.
// Each item succeeds or fails on its own; results keep the input order.
func (s *Service) ImportBatch(ctx context.Context, items []ImportItem) []ImportResult {
	results := make([]ImportResult, len(items))

	var g errgroup.Group
	g.SetLimit(s.opts.ImportConcurrency)

	for i, item := range items {
		g.Go(func() error {
			results[i] = s.importOne(ctx, item)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
	}
	s.logger.Info("batch import complete", "items", len(items), "failed", failed)
	return results
}

func (s *Service) importOne(ctx context.Context, item ImportItem) ImportResult {
	name := item.Filename
	if name == "" && item.Path != "" {
		name = filepath.Base(item.Path)
	}
	res := ImportResult{Filename: name}

	if err := ctx.Err(); err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}

	data := item.Data
	if data == nil && item.Path != "" {
		var err error
		data, err = s.readImportFile(item.Path)
		if err != nil {
			res.err = err
			res.Error = err.Error()
			return res
		}
	}

	up, err := s.Upload(ctx, UploadRequest{Data: data, Filename: name, MimeType: item.MimeType})
	if err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}
	res.Result = up
	return res
}

// readImportFile loads a file for import, refusing anything over the upload
// limit before reading it.
func (s *Service) readImportFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > s.opts.MaxUploadBytes {
		return nil, invalid(FieldSize, "%d bytes exceeds limit of %d", info.Size(), s.opts.MaxUploadBytes)
	}

	// The file may grow after Stat; Upload rejects the extra byte.
	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// DeriveResult counts the outcome of DeriveMissingThumbnails.
type DeriveResult struct {
	Derived int `json:"derived"`
	Failed  int `json:"failed"`
}

// DeriveMissingThumbnails derives thumbnails for every cataloged asset that
// lacks one, using the service's default constraints.
func (s *Service) DeriveMissingThumbnails(ctx context.Context) (*DeriveResult, error) {
	rows, err := s.catalog.List(ctx)
	if err != nil {
		return nil, storageError("list catalog", err)
	}

	var derived, failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ImportConcurrency)

	for _, a := range rows {
		if a.HasThumbnail() {
			continue
		}
		hash := a.Hash
		g.Go(func() error {
			ok, err := s.deriveThumbnail(ctx, hash)
			if errors.Is(err, ErrStorage) {
				return err
			}
			if err != nil {
				s.logger.Warn("thumbnail derivation failed", "hash", hash, "error", err)
				s.metrics.thumbnailFailed()
				failed.Add(1)
				return nil
			}
			if ok {
				derived.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &DeriveResult{Derived: int(derived.Load()), Failed: int(failed.Load())}
	s.logger.Info("thumbnail derivation complete", "derived", result.Derived, "failed", result.Failed)
	return result, nil
}

// deriveThumbnail fills in the thumbnail of one asset under its lock.
func (s *Service) deriveThumbnail(ctx context.Context, hash string) (bool, error) {
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	a, err := s.catalog.Get(ctx, hash)
	if err != nil || a.HasThumbnail() {
		// Removed or filled in since listing.
		return false, nil
	}

	original, err := s.blobs.Read(ctx, blobstore.Originals, hash)
	if err != nil {
		return false, fmt.Errorf("read original: %w", err)
	}

	thumbBytes, err := s.deriver.Derive(original, s.opts.Thumbnail)
	if err != nil {
		return false, err
	}

	thumbHash := models.HashBytes(thumbBytes)
	unlockThumb := s.locks.lock(lockKey(blobstore.Thumbnails, thumbHash))
	defer unlockThumb()

	if _, _, err := s.blobs.Store(ctx, blobstore.Thumbnails, thumbBytes); err != nil {
		return false, storageError("store thumbnail", err)
	}
	if err := s.catalog.SetThumbnail(ctx, hash, &thumbHash, int64(len(thumbBytes))); err != nil {
		return false, storageError("record thumbnail", err)
	}
	return true, nil
}
