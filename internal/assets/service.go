// Package assets implements the asset store gateway: validated uploads with
// deduplication and thumbnail derivation, locator resolution, reference
// tracking, and garbage collection of orphaned content.
//
// A Service owns one blob store and one catalog. Work on a single hash is
// serialized in-process so an upload or associate can never race a sweep of
// the same asset.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/models"
	"github.com/kilupskalvis/assetstore/internal/thumbnail"
)

// Options holds the service limits and defaults.
type Options struct {
	MaxUploadBytes    int64
	AllowedMimeTypes  []string
	LocatorScheme     string
	ImportConcurrency int
	StrayGracePeriod  time.Duration

	GenerateThumbnails bool
	Thumbnail          thumbnail.Constraints
}

// DefaultOptions returns the limits used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxUploadBytes: 50 << 20,
		AllowedMimeTypes: []string{
			"image/jpeg", "image/png", "image/gif", "image/webp",
			"image/bmp", "image/tiff", "image/svg+xml",
		},
		LocatorScheme:      models.DefaultLocatorScheme,
		ImportConcurrency:  4,
		StrayGracePeriod:   time.Hour,
		GenerateThumbnails: true,
		Thumbnail:          thumbnail.DefaultConstraints(),
	}
}

// Service is the asset store gateway.
type Service struct {
	catalog catalog.Catalog
	blobs   blobstore.BlobStore
	deriver thumbnail.Deriver
	opts    Options
	allowed map[string]bool
	logger  *slog.Logger
	metrics *Metrics
	locks   *hashLocks
}

// New creates a Service. A nil deriver uses thumbnail.ImageDeriver, a nil
// logger uses slog.Default, and a nil metrics records nothing.
func New(cat catalog.Catalog, blobs blobstore.BlobStore, deriver thumbnail.Deriver, opts Options, logger *slog.Logger, metrics *Metrics) *Service {
	if deriver == nil {
		deriver = thumbnail.NewImageDeriver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if len(opts.AllowedMimeTypes) == 0 {
		opts.AllowedMimeTypes = defaults.AllowedMimeTypes
	}
	if opts.LocatorScheme == "" {
		opts.LocatorScheme = defaults.LocatorScheme
	}
	if opts.ImportConcurrency <= 0 {
		opts.ImportConcurrency = defaults.ImportConcurrency
	}
	opts.Thumbnail = opts.Thumbnail.WithDefaults(defaults.Thumbnail)

	allowed := make(map[string]bool, len(opts.AllowedMimeTypes))
	for _, mt := range opts.AllowedMimeTypes {
		allowed[normalizeMimeType(mt)] = true
	}

	return &Service{
		catalog: cat,
		blobs:   blobs,
		deriver: deriver,
		opts:    opts,
		allowed: allowed,
		logger:  logger,
		metrics: metrics,
		locks:   newHashLocks(),
	}
}

// Close releases the catalog.
func (s *Service) Close() error {
	return s.catalog.Close()
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

// UploadOptions controls thumbnail derivation for one upload.
type UploadOptions struct {
	GenerateThumbnail bool
	Thumbnail         thumbnail.Constraints // zero fields use the service defaults
}

// UploadRequest is one asset to store. An empty MimeType is sniffed from
// the content. A nil Options uses the service defaults.
type UploadRequest struct {
	Data     []byte
	Filename string
	MimeType string
	Options  *UploadOptions
}

// UploadResult describes the stored asset.
type UploadResult struct {
	Hash          string   `json:"hash"`
	ThumbnailHash *string  `json:"thumbnail_hash,omitempty"`
	URL           string   `json:"url"`
	ThumbnailURL  *string  `json:"thumbnail_url,omitempty"`
	Size          int64    `json:"size"`
	MimeType      string   `json:"mime_type"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	RefCount      int64    `json:"ref_count"`
	Deduplicated  bool     `json:"deduplicated"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Upload validates, stores, and catalogs an asset, deriving a thumbnail when
// requested. Uploading content that is already stored adds a reference.
//
// Validation happens before any hashing or I/O. Storage failures abort the
// upload without cataloging it. A thumbnail that cannot be derived is
// reported in Warnings and the asset is stored without one.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	mimeType, err := s.validateUpload(req)
	if err != nil {
		s.metrics.upload(outcomeRejected, len(req.Data))
		return nil, err
	}

	generate := s.opts.GenerateThumbnails
	constraints := s.opts.Thumbnail
	if req.Options != nil {
		generate = req.Options.GenerateThumbnail
		constraints = req.Options.Thumbnail.WithDefaults(s.opts.Thumbnail)
	}
	if generate {
		if err := constraints.Validate(); err != nil {
			s.metrics.upload(outcomeRejected, len(req.Data))
			return nil, invalid(FieldThumbnail, "%v", err)
		}
	}

	hash := models.HashBytes(req.Data)
	unlock := s.locks.lock(lockKey(blobstore.Originals, hash))
	defer unlock()

	res, err := s.uploadLocked(ctx, req, hash, mimeType, generate, constraints)
	if err != nil {
		s.metrics.upload(outcomeFailed, len(req.Data))
		s.logger.Error("upload failed", "hash", hash, "filename", req.Filename, "error", err)
		return nil, err
	}

	if res.Deduplicated {
		s.metrics.upload(outcomeDeduplicated, len(req.Data))
	} else {
		s.metrics.upload(outcomeCreated, len(req.Data))
	}
	s.logger.Info("asset uploaded",
		"hash", hash,
		"filename", req.Filename,
		"size", res.Size,
		"ref_count", res.RefCount,
		"deduplicated", res.Deduplicated,
	)
	return res, nil
}

func (s *Service) uploadLocked(ctx context.Context, req UploadRequest, hash, mimeType string, generate bool, c thumbnail.Constraints) (*UploadResult, error) {
	existing, err := s.catalog.Get(ctx, hash)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nil, storageError("read catalog", err)
	}

	// Store even when cataloged so a missing original is restored.
	if _, _, err := s.blobs.Store(ctx, blobstore.Originals, req.Data); err != nil {
		return nil, storageError("store original", err)
	}

	record := &models.Asset{
		Hash:         hash,
		OriginalName: req.Filename,
		MimeType:     mimeType,
		SizeBytes:    int64(len(req.Data)),
	}
	if w, h, err := thumbnail.Dimensions(req.Data); err == nil {
		record.Width, record.Height = w, h
	}

	var warnings []string
	if generate && (existing == nil || !existing.HasThumbnail()) {
		thumbBytes, err := s.deriver.Derive(req.Data, c)
		if err != nil {
			s.metrics.thumbnailFailed()
			s.logger.Warn("thumbnail derivation failed", "hash", hash, "error", err)
			warnings = append(warnings, fmt.Sprintf("thumbnail not generated: %v", err))
		} else {
			thumbHash := models.HashBytes(thumbBytes)
			unlockThumb := s.locks.lock(lockKey(blobstore.Thumbnails, thumbHash))
			defer unlockThumb()
			if _, _, err := s.blobs.Store(ctx, blobstore.Thumbnails, thumbBytes); err != nil {
				return nil, storageError("store thumbnail", err)
			}
			record.ThumbnailHash = &thumbHash
			record.ThumbnailBytes = int64(len(thumbBytes))
		}
	}

	stored, created, err := s.associateLocked(ctx, record)
	if err != nil {
		return nil, err
	}

	return s.uploadResult(stored, !created, warnings), nil
}

func (s *Service) uploadResult(a *models.Asset, deduplicated bool, warnings []string) *UploadResult {
	res := &UploadResult{
		Hash:          a.Hash,
		ThumbnailHash: a.ThumbnailHash,
		URL:           models.NewLocator(s.opts.LocatorScheme, a.Hash, false).String(),
		Size:          a.SizeBytes,
		MimeType:      a.MimeType,
		Width:         a.Width,
		Height:        a.Height,
		RefCount:      a.RefCount,
		Deduplicated:  deduplicated,
		Warnings:      warnings,
	}
	if a.HasThumbnail() {
		u := models.NewLocator(s.opts.LocatorScheme, a.Hash, true).String()
		res.ThumbnailURL = &u
	}
	return res
}

// validateUpload checks size and type, returning the normalized MIME type.
func (s *Service) validateUpload(req UploadRequest) (string, error) {
	if len(req.Data) == 0 {
		return "", invalid(FieldPayload, "empty payload")
	}
	if int64(len(req.Data)) > s.opts.MaxUploadBytes {
		return "", invalid(FieldSize, "%d bytes exceeds limit of %d", len(req.Data), s.opts.MaxUploadBytes)
	}

	mimeType := normalizeMimeType(req.MimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMimeType(mimetype.Detect(req.Data).String())
	}
	if !s.allowed[mimeType] {
		return "", invalid(FieldMimeType, "%q is not an allowed type", mimeType)
	}
	return mimeType, nil
}

// normalizeMimeType lowercases, strips parameters, and maps aliases.
func normalizeMimeType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mt, _, _ = strings.Cut(raw, ";")
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	switch mt {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-ms-bmp":
		return "image/bmp"
	}
	return mt
}

func lockKey(ns blobstore.Namespace, hash string) string {
	return string(ns) + "/" + hash
}

// Get returns the catalog record for hash.
func (s *Service) Get(ctx context.Context, hash string) (*models.Asset, error) {
	if !models.ValidHash(hash) {
		return nil, fmt.Errorf("%w: malformed hash", ErrNotFound)
	}
	a, err := s.catalog.Get(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("read catalog", err)
	}
	return a, nil
}

// ResolvePath returns the filesystem path of an asset or its thumbnail and
// records the access. A malformed hash returns ErrNotFound without touching
// the filesystem.
func (s *Service) ResolvePath(ctx context.Context, hash string, thumb bool) (string, error) {
	_, ns, target, err := s.locate(ctx, hash, thumb)
	if err != nil {
		return "", err
	}

	ok, err := s.blobs.Has(ctx, ns, target)
	if err != nil {
		return "", storageError("stat blob", err)
	}
	if !ok {
		s.logger.Warn("cataloged blob missing", "namespace", ns, "hash", target)
		return "", fmt.Errorf("%w: %s blob missing", ErrNotFound, ns)
	}

	path, err := s.blobs.Path(ns, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	s.touch(ctx, hash)
	return path, nil
}

// Content is an open original or thumbnail blob.
type Content struct {
	io.ReadCloser
	ContentType string
	// ETag is the hash of the bytes being served.
	ETag string
}

// OpenContent opens an asset or its thumbnail for reading and records the
// access. The caller must close the returned Content.
func (s *Service) OpenContent(ctx context.Context, hash string, thumb bool) (*Content, error) {
	a, ns, target, err := s.locate(ctx, hash, thumb)
	if err != nil {
		return nil, err
	}

	rc, err := s.blobs.Open(ctx, ns, target)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn("cataloged blob missing", "namespace", ns, "hash", target)
		return nil, fmt.Errorf("%w: %s blob missing", ErrNotFound, ns)
	}
	if err != nil {
		return nil, storageError("open blob", err)
	}

	s.touch(ctx, hash)
	c := &Content{ReadCloser: rc, ContentType: a.MimeType, ETag: a.Hash}
	if thumb {
		c.ContentType = thumbnail.MimeType
		c.ETag = target
	}
	return c, nil
}

// locate picks the namespace and blob hash serving an asset or its thumbnail.
func (s *Service) locate(ctx context.Context, hash string, thumb bool) (*models.Asset, blobstore.Namespace, string, error) {
	a, err := s.Get(ctx, hash)
	if err != nil {
		return nil, "", "", err
	}
	if !thumb {
		return a, blobstore.Originals, a.Hash, nil
	}
	if !a.HasThumbnail() {
		return nil, "", "", fmt.Errorf("%w: no thumbnail for %s", ErrNotFound, models.ShortHash(hash))
	}
	return a, blobstore.Thumbnails, a.Thumbnail(), nil
}

func (s *Service) touch(ctx context.Context, hash string) {
	if err := s.catalog.Touch(ctx, hash, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to record access", "hash", hash, "error", err)
	}
}

// ResolveLocator resolves an asset:// locator to a filesystem path.
func (s *Service) ResolveLocator(ctx context.Context, raw string) (string, error) {
	loc, err := models.ParseLocator(s.opts.LocatorScheme, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return s.ResolvePath(ctx, loc.Hash, loc.Thumbnail)
}

// Delete removes one reference to hash. Unknown hashes are a no-op. Storage
// is reclaimed later by Cleanup.
func (s *Service) Delete(ctx context.Context, hash string) (int64, error) {
	return s.OnDissociate(ctx, hash)
}

// Cleanup sweeps orphaned assets.
func (s *Service) Cleanup(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	return s.Sweep(ctx, opts)
}

// Statistics summarizes the catalog.
func (s *Service) Statistics(ctx context.Context) (*models.CatalogStats, error) {
	st, err := s.catalog.Stats(ctx)
	if err != nil {
		return nil, storageError("compute stats", err)
	}
	if st.OriginalBlobs, err = s.blobs.TotalCount(ctx, blobstore.Originals); err != nil {
		return nil, storageError("count blobs", err)
	}
	if st.ThumbnailBlobs, err = s.blobs.TotalCount(ctx, blobstore.Thumbnails); err != nil {
		return nil, storageError("count blobs", err)
	}
	return st, nil
}
