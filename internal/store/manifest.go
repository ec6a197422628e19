package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFile is the generation manifest name inside the data directory.
const ManifestFile = "generations.json"

// Manifest records the active generation of each index family. Builders
// rewrite it after publishing; servers watch it to reload.
type Manifest struct {
	Vector  *Generation `json:"vector,omitempty"`
	Lexical *Generation `json:"lexical,omitempty"`
}

// Get returns the active generation of kind, or nil.
func (m *Manifest) Get(kind GenerationKind) *Generation {
	switch kind {
	case KindVector:
		return m.Vector
	case KindLexical:
		return m.Lexical
	}
	return nil
}

// Set records gen as the active generation of its kind.
func (m *Manifest) Set(gen Generation) {
	g := gen
	switch gen.Kind {
	case KindVector:
		m.Vector = &g
	case KindLexical:
		m.Lexical = &g
	}
}

// ReadManifest loads the manifest from dataDir. A missing file yields an
// empty manifest.
func ReadManifest(dataDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, ManifestFile))
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest saves the manifest atomically (temp file + rename).
func WriteManifest(dataDir string, m *Manifest) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(dataDir, ManifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
