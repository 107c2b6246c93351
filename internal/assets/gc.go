package assets

import (
	"context"
	"errors"
	"time"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/models"
)

// SweepOptions selects which orphans a sweep removes.
type SweepOptions struct {
	// OlderThan keeps orphans whose reference count changed more recently.
	// Zero sweeps every orphan.
	OlderThan time.Duration
	DryRun    bool
}

// SweepResult contains the outcome of a sweep.
type SweepResult struct {
	Removed    int      `json:"removed"`
	FreedBytes int64    `json:"freed_bytes"`
	Candidates []string `json:"candidates"`
	Failed     []string `json:"failed"`
	DryRun     bool     `json:"dry_run"`
}

// Sweep physically removes orphaned assets: the original blob, the thumbnail
// blob recorded in the catalog row (unless another asset shares it), and
// then the row. A failed removal leaves the row for the next sweep.
func (s *Service) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	orphans, err := s.catalog.ListOrphans(ctx)
	if err != nil {
		return nil, storageError("list orphans", err)
	}

	result := &SweepResult{Candidates: []string{}, Failed: []string{}, DryRun: opts.DryRun}
	var cutoff time.Time
	if opts.OlderThan > 0 {
		cutoff = time.Now().UTC().Add(-opts.OlderThan)
	}

	for _, a := range orphans {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !cutoff.IsZero() && a.UpdatedAt.After(cutoff) {
			continue
		}
		result.Candidates = append(result.Candidates, a.Hash)

		if opts.DryRun {
			result.FreedBytes += s.reclaimable(ctx, a)
			continue
		}

		freed, removed, err := s.removeOrphan(ctx, a.Hash)
		if err != nil {
			s.logger.Warn("sweep: failed to remove asset", "hash", a.Hash, "error", err)
			result.Failed = append(result.Failed, a.Hash)
			continue
		}
		if removed {
			result.Removed++
			result.FreedBytes += freed
		}
	}

	if !opts.DryRun {
		s.metrics.swept(result.Removed, result.FreedBytes, len(result.Failed))
	}
	s.logger.Info("sweep complete",
		"orphans", len(orphans),
		"candidates", len(result.Candidates),
		"removed", result.Removed,
		"failed", len(result.Failed),
		"freed_bytes", result.FreedBytes,
		"dry_run", opts.DryRun,
	)
	return result, nil
}

// reclaimable estimates what removing a would free.
func (s *Service) reclaimable(ctx context.Context, a *models.Asset) int64 {
	freed := a.SizeBytes
	if a.HasThumbnail() {
		shared, err := s.catalog.ThumbnailInUse(ctx, a.Thumbnail(), a.Hash)
		if err == nil && !shared {
			freed += a.ThumbnailBytes
		}
	}
	return freed
}

// removeOrphan deletes one orphan under its lock after re-checking that it
// is still unreferenced.
func (s *Service) removeOrphan(ctx context.Context, hash string) (int64, bool, error) {
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	a, err := s.catalog.Get(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageError("read catalog", err)
	}
	if a.RefCount > 0 {
		s.logger.Debug("sweep: asset referenced again, skipping", "hash", hash, "ref_count", a.RefCount)
		return 0, false, nil
	}

	if err := s.blobs.Delete(ctx, blobstore.Originals, hash); err != nil {
		return 0, false, storageError("delete original", err)
	}
	freed := a.SizeBytes

	if a.HasThumbnail() {
		thumb := a.Thumbnail()
		unlockThumb := s.locks.lock(lockKey(blobstore.Thumbnails, thumb))
		shared, err := s.catalog.ThumbnailInUse(ctx, thumb, hash)
		if err == nil && !shared {
			err = s.blobs.Delete(ctx, blobstore.Thumbnails, thumb)
			if err == nil {
				freed += a.ThumbnailBytes
			}
		}
		unlockThumb()
		if err != nil {
			return 0, false, storageError("delete thumbnail", err)
		}
	}

	if err := s.catalog.Remove(ctx, hash); err != nil {
		return 0, false, storageError("remove catalog row", err)
	}

	s.logger.Debug("sweep: asset removed", "hash", hash, "freed_bytes", freed)
	return freed, true, nil
}

// VerifyOptions controls a consistency check.
type VerifyOptions struct {
	// Repair deletes stray blobs and clears dangling thumbnail references.
	Repair bool
}

// VerifyReport lists inconsistencies between the catalog and disk.
type VerifyReport struct {
	CatalogRows        int      `json:"catalog_rows"`
	BlobsScanned       int      `json:"blobs_scanned"`
	StrayOriginals     []string `json:"stray_originals"`
	StrayThumbnails    []string `json:"stray_thumbnails"`
	MissingOriginals   []string `json:"missing_originals"`
	DanglingThumbnails []string `json:"dangling_thumbnails"` // asset hashes
	Repaired           int      `json:"repaired"`
}

// Clean reports whether nothing inconsistent was found.
func (r *VerifyReport) Clean() bool {
	return len(r.StrayOriginals) == 0 && len(r.StrayThumbnails) == 0 &&
		len(r.MissingOriginals) == 0 && len(r.DanglingThumbnails) == 0
}

// Verify marks every blob referenced by the catalog and reports the rest as
// strays, plus rows whose blobs are missing. Strays younger than the grace
// period are left alone since an upload may still be cataloging them.
func (s *Service) Verify(ctx context.Context, opts VerifyOptions) (*VerifyReport, error) {
	rows, err := s.catalog.List(ctx)
	if err != nil {
		return nil, storageError("list catalog", err)
	}

	report := &VerifyReport{
		CatalogRows:        len(rows),
		StrayOriginals:     []string{},
		StrayThumbnails:    []string{},
		MissingOriginals:   []string{},
		DanglingThumbnails: []string{},
	}

	// Mark
	referenced := map[blobstore.Namespace]map[string]bool{
		blobstore.Originals:  make(map[string]bool, len(rows)),
		blobstore.Thumbnails: make(map[string]bool, len(rows)),
	}
	for _, a := range rows {
		referenced[blobstore.Originals][a.Hash] = true

		ok, err := s.blobs.Has(ctx, blobstore.Originals, a.Hash)
		if err != nil {
			return nil, storageError("stat original", err)
		}
		if !ok {
			report.MissingOriginals = append(report.MissingOriginals, a.Hash)
		}

		if !a.HasThumbnail() {
			continue
		}
		referenced[blobstore.Thumbnails][a.Thumbnail()] = true
		ok, err = s.blobs.Has(ctx, blobstore.Thumbnails, a.Thumbnail())
		if err != nil {
			return nil, storageError("stat thumbnail", err)
		}
		if !ok {
			report.DanglingThumbnails = append(report.DanglingThumbnails, a.Hash)
		}
	}

	// Sweep
	cutoff := time.Now().Add(-s.opts.StrayGracePeriod)
	for _, ns := range blobstore.Namespaces {
		hashes, err := s.blobs.ListHashes(ctx, ns)
		if err != nil {
			return nil, storageError("list blobs", err)
		}
		report.BlobsScanned += len(hashes)

		for _, hash := range hashes {
			if referenced[ns][hash] {
				continue
			}
			info, err := s.blobs.Stat(ctx, ns, hash)
			if err != nil {
				continue
			}
			if s.opts.StrayGracePeriod > 0 && info.ModTime.After(cutoff) {
				continue
			}
			if ns == blobstore.Originals {
				report.StrayOriginals = append(report.StrayOriginals, hash)
			} else {
				report.StrayThumbnails = append(report.StrayThumbnails, hash)
			}
			if opts.Repair && s.removeStray(ctx, ns, hash) {
				report.Repaired++
			}
		}
	}

	if opts.Repair {
		for _, hash := range report.DanglingThumbnails {
			if s.clearDanglingThumbnail(ctx, hash) {
				report.Repaired++
			}
		}
	}

	s.logger.Info("verify complete",
		"rows", report.CatalogRows,
		"scanned", report.BlobsScanned,
		"stray_originals", len(report.StrayOriginals),
		"stray_thumbnails", len(report.StrayThumbnails),
		"missing_originals", len(report.MissingOriginals),
		"dangling_thumbnails", len(report.DanglingThumbnails),
		"repaired", report.Repaired,
	)
	return report, nil
}

// removeStray deletes an unreferenced blob after re-checking the catalog
// under the blob's lock.
func (s *Service) removeStray(ctx context.Context, ns blobstore.Namespace, hash string) bool {
	unlock := s.locks.lock(lockKey(ns, hash))
	defer unlock()

	var referenced bool
	switch ns {
	case blobstore.Originals:
		_, err := s.catalog.Get(ctx, hash)
		referenced = err == nil || !errors.Is(err, catalog.ErrNotFound)
	case blobstore.Thumbnails:
		inUse, err := s.catalog.ThumbnailInUse(ctx, hash, "")
		referenced = err != nil || inUse
	}
	if referenced {
		return false
	}

	if err := s.blobs.Delete(ctx, ns, hash); err != nil {
		s.logger.Warn("verify: failed to delete stray blob", "namespace", ns, "hash", hash, "error", err)
		return false
	}
	s.metrics.strayRemoved(string(ns))
	s.logger.Info("verify: stray blob removed", "namespace", ns, "hash", hash)
	return true
}

// clearDanglingThumbnail drops a thumbnail reference whose blob is gone.
func (s *Service) clearDanglingThumbnail(ctx context.Context, hash string) bool {
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	a, err := s.catalog.Get(ctx, hash)
	if err != nil || !a.HasThumbnail() {
		return false
	}
	if ok, err := s.blobs.Has(ctx, blobstore.Thumbnails, a.Thumbnail()); err != nil || ok {
		return false
	}
	if err := s.catalog.SetThumbnail(ctx, hash, nil, 0); err != nil {
		s.logger.Warn("verify: failed to clear thumbnail", "hash", hash, "error", err)
		return false
	}
	s.logger.Info("verify: dangling thumbnail cleared", "hash", hash)
	return true
}
