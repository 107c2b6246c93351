// Package remote defines the protocol types and client for the asset gateway.
package remote

import (
	"fmt"
	"time"

	"github.com/kilupskalvis/assetstore/internal/assets"
)

// RefCountResponse reports an asset's reference count after an association
// change.
type RefCountResponse struct {
	Hash     string `json:"hash"`
	RefCount int64  `json:"ref_count"`
}

// ResolveResponse carries the local path a locator resolved to.
type ResolveResponse struct {
	Path string `json:"path"`
}

// CleanupRequest asks the gateway to sweep orphaned assets. OlderThan is a
// Go duration string; empty sweeps every orphan.
type CleanupRequest struct {
	OlderThan string `json:"older_than,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// SweepOptions converts the request into service sweep options.
func (r *CleanupRequest) SweepOptions() (assets.SweepOptions, error) {
	opts := assets.SweepOptions{DryRun: r.DryRun}
	if r.OlderThan == "" {
		return opts, nil
	}
	d, err := time.ParseDuration(r.OlderThan)
	if err != nil || d < 0 {
		return opts, fmt.Errorf("invalid older_than %q", r.OlderThan)
	}
	opts.OlderThan = d
	return opts, nil
}

// ReconcileRequest declares the true reference count for every live hash.
type ReconcileRequest struct {
	Declared map[string]int64 `json:"declared"`
	DryRun   bool             `json:"dry_run,omitempty"`
}

// VerifyRequest asks the gateway to cross-check catalog and blob storage.
type VerifyRequest struct {
	Repair bool `json:"repair,omitempty"`
}

// BatchResponse holds per-file outcomes of a batch import, in upload order.
type BatchResponse struct {
	Results []assets.ImportResult `json:"results"`
}

// ErrorResponse is the structured error format returned by the gateway.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}
