// Package assets implements the Asset Registry (C3): content-addressed
// dedup, deterministic sidecars, an append-only provenance ledger, and
// hook emission on every register/meta-update/sidecar-write/remove.
//
// The store is content-addressed: hash the bytes (BLAKE2s-256, §3),
// write-temp-then-rename for sidecars, and always durable write before
// hook publish (§5).
package assets

import "time"

// Type is the coarse media classification kept on every Asset (§3).
type Type string

const (
	TypeImage Type = "image"
	TypeAudio Type = "audio"
	TypeText  Type = "text"
	TypeOther Type = "other"
)

// Reserved meta keys (§3): always present in the serialized meta map even
// when empty, so sidecar JSON has a stable key set across assets.
const (
	MetaLicense = "license"
	MetaTags    = "tags"
	MetaNSFW    = "nsfw"
	MetaOrigin  = "origin"
)

// Asset is the content-addressed registry row (§3).
type Asset struct {
	UID            string         `json:"uid"`
	Type           Type           `json:"type"`
	Path           string         `json:"path"`
	SidecarPath    string         `json:"sidecar_path"`
	ThumbnailPath  string         `json:"thumbnail_path,omitempty"`
	SizeBytes      int64          `json:"size_bytes"`
	CreatedAt      time.Time      `json:"created_at"`
	Meta           map[string]any `json:"meta"`
	ProvenanceID   string         `json:"provenance_id"`
	// Aliases records paths beyond the canonical one that registered
	// identical bytes; the first registered path stays canonical. Aliases
	// are kept on the record itself, not inside Meta.
	Aliases []string `json:"aliases,omitempty"`
}

// Provenance is the append-only ledger row linking an asset to the tool,
// workflow, seed, and inputs that produced it (§3, GLOSSARY).
type Provenance struct {
	ID              string         `json:"id"`
	AssetUID        string         `json:"asset_uid"`
	Source          string         `json:"source"`
	WorkflowHash    string         `json:"workflow_hash,omitempty"`
	Seed            *int64         `json:"seed,omitempty"`
	InputsJSON      map[string]any `json:"inputs_json"`
	Tool            string         `json:"tool"`
	Version         string         `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
}

// RegisterInput is the argument bundle for register_file (§4.3).
type RegisterInput struct {
	Path             string
	Type             Type
	Meta             map[string]any
	ProvenanceInputs map[string]any
	Source           string
	Tool             string
	Version          string
	WorkflowHash     string
	Seed             *int64
}

// ListFilter narrows list() (§4.3).
type ListFilter struct {
	Hash   string
	Tags   []string
	Text   string
	Type   Type
	Limit  int
	Offset int
}

// ListResult is list()'s {items, total} shape.
type ListResult struct {
	Items []Asset `json:"items"`
	Total int     `json:"total"`
}

// RebuildOptions configures rebuild() (§4.3).
type RebuildOptions struct {
	EnforceSidecars   bool
	OverwriteSidecars bool
	FixMetadata       bool
	MetadataReport    bool
}

// RebuildSummary is rebuild()'s return value.
type RebuildSummary struct {
	Scanned        int      `json:"scanned"`
	Rehashed       int      `json:"rehashed"`
	SidecarsWritten int     `json:"sidecars_written"`
	Pruned         int      `json:"pruned"`
	MetadataFixed  int      `json:"metadata_fixed"`
	Errors         []string `json:"errors,omitempty"`
}
