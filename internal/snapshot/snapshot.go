// Package snapshot encodes and decodes the portable snapshot container:
// a manifest plus line-delimited entity, edge, source and changelog files,
// each protected by a SHA-256 checksum recorded in the manifest.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/fkg/internal/canonical"
	"github.com/roach88/fkg/internal/model"
)

// ChecksumPrefix is the algorithm tag of every manifest checksum.
const ChecksumPrefix = "sha256:"

// Snapshot is the decoded content of one snapshot container.
type Snapshot struct {
	Manifest  model.Manifest
	Entities  []model.Entity
	Edges     []model.Edge
	Sources   []model.Source
	Changelog []model.Event

	// HasChangelog distinguishes an absent changelog file from an empty one.
	HasChangelog bool

	// Warnings are non-fatal observations made while decoding.
	Warnings []string
}

// FileSet maps relative paths inside a snapshot to their exact bytes.
type FileSet map[string][]byte

// Paths returns the paths in f with manifest.json first and the rest sorted.
func (f FileSet) Paths() []string {
	paths := slices.Sorted(maps.Keys(f))
	if i := slices.Index(paths, model.FileManifest); i > 0 {
		paths = append([]string{model.FileManifest}, slices.Delete(paths, i, i+1)...)
	}
	return paths
}

// Encoded is a serialized snapshot ready to be written to a container.
type Encoded struct {
	Manifest model.Manifest
	Files    FileSet
}

// Checksum returns the manifest checksum string for data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}

// Encode serializes s. Each record becomes one canonical JSON line, and the
// manifest's counts, files and checksums are computed from the produced
// bytes. The changelog file is written only when s.HasChangelog is set.
func Encode(s *Snapshot) (*Encoded, error) {
	m := s.Manifest
	if m.Version == "" {
		m.Version = model.FormatVersion
	}
	if m.SchemaVersion == "" {
		m.SchemaVersion = model.SchemaVersion
	}
	m.CreatedAt = m.CreatedAt.UTC()

	files := make(FileSet, 5)
	m.Files = make(map[string]string, 4)
	m.Checksums = make(map[string]string, 4)
	m.Counts = &model.Counts{
		Entities: len(s.Entities),
		Edges:    len(s.Edges),
		Sources:  len(s.Sources),
	}

	add := func(logical, path string, data []byte) {
		files[path] = data
		m.Files[logical] = path
		m.Checksums[path] = Checksum(data)
	}

	entities, err := encodeLines(s.Entities)
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}
	add("entities", model.FileEntities, entities)

	edges, err := encodeLines(s.Edges)
	if err != nil {
		return nil, fmt.Errorf("encode edges: %w", err)
	}
	add("edges", model.FileEdges, edges)

	sources, err := encodeLines(s.Sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	add("sources", model.FileSources, sources)

	if s.HasChangelog {
		changelog, err := encodeLines(s.Changelog)
		if err != nil {
			return nil, fmt.Errorf("encode changelog: %w", err)
		}
		add("changelog", model.FileChangelog, changelog)
		n := len(s.Changelog)
		m.Counts.Changelog = &n
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	files[model.FileManifest] = append(manifest, '\n')

	return &Encoded{Manifest: m, Files: files}, nil
}

// encodeLines writes one canonical JSON object per line.
func encodeLines[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	for i, r := range records {
		line, err := canonical.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
