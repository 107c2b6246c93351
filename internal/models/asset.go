// Package models defines the core data structures shared by the asset store:
// content hashes, asset locators, and the cataloged asset record.
package models

import "time"

// Asset is the catalog record for one stored original. Its identity is the
// content hash of the original bytes.
type Asset struct {
	Hash         string `json:"hash"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`

	// ThumbnailHash is nil when derivation failed or was skipped. It is never
	// reconstructed from Hash.
	ThumbnailHash  *string `json:"thumbnail_hash"`
	ThumbnailBytes int64   `json:"thumbnail_bytes"`

	RefCount int64 `json:"ref_count"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	UpdatedAt      time.Time `json:"updated_at"` // last reference-count change
}

// HasThumbnail reports whether a derived thumbnail is recorded.
func (a *Asset) HasThumbnail() bool {
	return a.ThumbnailHash != nil && *a.ThumbnailHash != ""
}

// Thumbnail returns the thumbnail hash or "" when there is none.
func (a *Asset) Thumbnail() string {
	if !a.HasThumbnail() {
		return ""
	}
	return *a.ThumbnailHash
}

// IsOrphan reports whether no consumer references the asset any more.
func (a *Asset) IsOrphan() bool {
	return a.RefCount <= 0
}

// TotalBytes is the on-disk footprint of the original plus its thumbnail.
func (a *Asset) TotalBytes() int64 {
	return a.SizeBytes + a.ThumbnailBytes
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CatalogStats summarizes the catalog.
type CatalogStats struct {
	TotalAssets int   `json:"total_assets"`
	TotalBytes  int64 `json:"total_bytes"`
	OrphanCount int   `json:"orphan_count"`

	// Blob counts come from the store, not the catalog. They exceed the
	// catalog figures only while strays are waiting for verify.
	OriginalBlobs  int `json:"original_blobs"`
	ThumbnailBlobs int `json:"thumbnail_blobs"`
}
