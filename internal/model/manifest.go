package model

import (
	"time"
)

// FormatVersion is the snapshot container format written by this build.
const FormatVersion = "0.1"

// Logical names and default paths of the snapshot record files.
const (
	FileManifest  = "manifest.json"
	FileEntities  = "entities.jsonl"
	FileEdges     = "edges.jsonl"
	FileSources   = "sources.jsonl"
	FileChangelog = "changelog.jsonl"
	DirSignatures = "signatures/"
)

// Counts records how many lines each record file holds.
// Changelog is nil when the snapshot carries no changelog file.
type Counts struct {
	Entities  int  `json:"entities"`
	Edges     int  `json:"edges"`
	Sources   int  `json:"sources"`
	Changelog *int `json:"changelog,omitempty"`
}

// Manifest describes one snapshot.
type Manifest struct {
	Version       string            `json:"version"`
	AuthorityID   string            `json:"authority_id"`
	AuthorityName string            `json:"authority_name"`
	CreatedAt     time.Time         `json:"created_at"`
	SchemaVersion string            `json:"schema_version"`
	Jurisdiction  string            `json:"jurisdiction,omitempty"`
	Counts        *Counts           `json:"counts,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	Checksums     map[string]string `json:"checksums,omitempty"`
	Signature     string            `json:"signature,omitempty"`
}

// Path returns the relative path of a logical file, falling back to the
// default name when the manifest does not map it.
func (m *Manifest) Path(logical string) string {
	if p, ok := m.Files[logical]; ok && p != "" {
		return p
	}
	switch logical {
	case "entities":
		return FileEntities
	case "edges":
		return FileEdges
	case "sources":
		return FileSources
	case "changelog":
		return FileChangelog
	}
	return logical
}
