// Package item defines the work-item model shared by discovery, filtering,
// claiming, and submission.
package item

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// WorkItem is a candidate file discovered from an item source. It is
// immutable within a single discovery pass.
type WorkItem struct {
	// SourcePath is the path of the item within its source.
	SourcePath string `json:"source_path"`

	// ProviderID is the content hash or provider-assigned identity of the
	// item's content. The same content at two different paths is two
	// distinct items; identity is always the (ProviderID, SourcePath) pair.
	ProviderID string `json:"provider_id"`

	// Size is the item size in bytes.
	Size int64 `json:"size"`

	// MimeType is the detected MIME type, if known.
	MimeType string `json:"mime_type,omitempty"`

	// Sequence is the zero-based discovery order within the pass. Used for
	// deterministic truncation when a micro-batch overshoots the hard limit.
	Sequence int `json:"sequence"`

	// DestinationHint suggests where the processed output should land.
	DestinationHint string `json:"destination_hint,omitempty"`
}

// Identity returns the composite identity of the item. Two items collide
// only when both provider identity and path match.
func (w *WorkItem) Identity() Identity {
	return Identity{ProviderID: w.ProviderID, Path: w.SourcePath}
}

// Identity is the composite (provider identity, path) key for an item.
type Identity struct {
	ProviderID string `json:"provider_id"`
	Path       string `json:"path"`
}

// Key returns a stable string form usable as a map key or wire key.
func (id Identity) Key() string {
	return id.ProviderID + "::" + id.Path
}

// NormalizePath canonicalizes a source path for hashing and comparison:
// forward slashes, no leading "./", no duplicate separators.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// PathHash returns the first 12 hex characters of the SHA-256 of the
// normalized path. Used in cache claim keys to disambiguate identical
// content at different paths.
func PathHash(p string) string {
	sum := sha256.Sum256([]byte(NormalizePath(p)))
	return hex.EncodeToString(sum[:])[:12]
}
