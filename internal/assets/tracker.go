package assets

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/models"
)

// OnAssociate records a consumer reference to a stored asset: a new row
// starts at one reference, an existing row gains one. Returns the stored
// row and whether it was created.
func (s *Service) OnAssociate(ctx context.Context, a *models.Asset) (*models.Asset, bool, error) {
	if !models.ValidHash(a.Hash) {
		return nil, false, invalid(FieldHash, "malformed hash %q", a.Hash)
	}
	unlock := s.locks.lock(lockKey(blobstore.Originals, a.Hash))
	defer unlock()
	return s.associateLocked(ctx, a)
}

// associateLocked expects the caller to hold the lock for a.Hash.
func (s *Service) associateLocked(ctx context.Context, a *models.Asset) (*models.Asset, bool, error) {
	stored, created, err := s.catalog.Upsert(ctx, a)
	if err != nil {
		return nil, false, storageError("catalog upsert", err)
	}
	if created {
		return stored, true, nil
	}

	count, err := s.catalog.Increment(ctx, a.Hash)
	if err != nil {
		return nil, false, storageError("increment ref count", err)
	}
	stored.RefCount = count
	return stored, false, nil
}

// Associate adds a reference to an asset that is already stored.
func (s *Service) Associate(ctx context.Context, hash string) (int64, error) {
	if !models.ValidHash(hash) {
		return 0, fmt.Errorf("%w: malformed hash", ErrNotFound)
	}
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	count, err := s.catalog.Increment(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storageError("increment ref count", err)
	}
	s.logger.Debug("reference added", "hash", hash, "ref_count", count)
	return count, nil
}

// OnDissociate drops a consumer reference. The count never goes below zero
// and an unknown hash is a no-op. Reaching zero only marks the asset for the
// next sweep.
func (s *Service) OnDissociate(ctx context.Context, hash string) (int64, error) {
	if !models.ValidHash(hash) {
		return 0, invalid(FieldHash, "malformed hash %q", hash)
	}
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	count, err := s.catalog.Decrement(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		s.logger.Debug("dissociate of unknown asset ignored", "hash", hash)
		return 0, nil
	}
	if err != nil {
		return 0, storageError("decrement ref count", err)
	}
	if count == 0 {
		s.logger.Info("asset orphaned", "hash", hash)
	}
	return count, nil
}

// RefAdjustment is one count changed by Reconcile.
type RefAdjustment struct {
	Hash     string `json:"hash"`
	Stored   int64  `json:"stored"`
	Declared int64  `json:"declared"`
}

// ReconcileResult lists the counts that differed from the declared ones.
type ReconcileResult struct {
	Adjusted []RefAdjustment `json:"adjusted"`
	Unknown  []string        `json:"unknown,omitempty"` // declared but not cataloged
	// Skipped counts changed by an associate or dissociate while reconcile
	// ran. They are left as they are.
	Skipped []string `json:"skipped,omitempty"`
	DryRun   bool            `json:"dry_run"`
}

// Reconcile overwrites stored reference counts with the counts consumers
// declare. Cataloged hashes missing from declared are treated as
// unreferenced. A count that moves after it was read is skipped, never
// overwritten. With dryRun nothing is written.
func (s *Service) Reconcile(ctx context.Context, declared map[string]int64, dryRun bool) (*ReconcileResult, error) {
	rows, err := s.catalog.List(ctx)
	if err != nil {
		return nil, storageError("list catalog", err)
	}

	result := &ReconcileResult{Adjusted: []RefAdjustment{}, DryRun: dryRun}
	seen := make(map[string]bool, len(rows))

	for _, row := range rows {
		seen[row.Hash] = true
		want := declared[row.Hash]
		if want < 0 {
			want = 0
		}
		if row.RefCount == want {
			continue
		}
		adj := RefAdjustment{Hash: row.Hash, Stored: row.RefCount, Declared: want}
		if dryRun {
			result.Adjusted = append(result.Adjusted, adj)
			continue
		}
		applied, err := s.setRefCount(ctx, row.Hash, row.RefCount, want)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Adjusted = append(result.Adjusted, adj)
		} else {
			result.Skipped = append(result.Skipped, row.Hash)
		}
	}

	for hash := range declared {
		if !seen[hash] {
			result.Unknown = append(result.Unknown, hash)
		}
	}
	slices.Sort(result.Unknown)

	s.logger.Info("reconcile complete",
		"checked", len(rows),
		"adjusted", len(result.Adjusted),
		"unknown", len(result.Unknown),
		"skipped", len(result.Skipped),
		"dry_run", dryRun,
	)
	return result, nil
}

// setRefCount writes count only if the stored count still equals listed.
func (s *Service) setRefCount(ctx context.Context, hash string, listed, count int64) (bool, error) {
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	row, err := s.catalog.Get(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("read catalog", err)
	}
	if row.RefCount != listed {
		s.logger.Info("reconcile: ref count changed concurrently, skipped",
			"hash", hash, "listed", listed, "current", row.RefCount)
		return false, nil
	}

	err = s.catalog.SetRefCount(ctx, hash, count)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("set ref count", err)
	}
	return true, nil
}
