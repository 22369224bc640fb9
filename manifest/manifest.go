// Package manifest persists the heap's small metadata: attached
// sources, registered slab classes, lattice merge names, the root
// table and the epoch watermark. The manifest is rewritten atomically
// on every checkpoint and at clean close; recovery reads it before
// replaying the log.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion guards against decoding a future layout.
const FormatVersion = 1

// ErrNotFound is returned when no manifest exists yet.
var ErrNotFound = errors.New("manifest: not found")

// SourceInfo describes one attached source.
type SourceInfo struct {
	ID         uint16 `msgpack:"id"`
	Kind       uint8  `msgpack:"kind"`
	Persistent bool   `msgpack:"persistent"`
	Capacity   int64  `msgpack:"capacity"`
	Path       string `msgpack:"path,omitempty"`
}

// SlabClassInfo describes one registered slab class.
type SlabClassInfo struct {
	ID        uint8 `msgpack:"id"`
	CellSize  int   `msgpack:"cell_size"`
	Align     int   `msgpack:"align"`
	CellCount int   `msgpack:"cell_count"`
}

// RootInfo pins one root table entry: the stored pointer word plus the
// layout signature the typed root enforces.
type RootInfo struct {
	Ptr  uint64 `msgpack:"ptr"` // swizzled word in storage form
	Size int    `msgpack:"size"`
	Ptrs int    `msgpack:"ptrs"`
}

// Manifest is the full metadata document.
type Manifest struct {
	Format      int                 `msgpack:"format"`
	PageSize    int                 `msgpack:"page_size"`
	ExtentPages int                 `msgpack:"extent_pages"`
	Epoch       uint64              `msgpack:"epoch"`
	Sources     []SourceInfo        `msgpack:"sources"`
	SlabClasses []SlabClassInfo     `msgpack:"slab_classes"`
	Merges      []string            `msgpack:"merges"`
	Roots       map[string]RootInfo `msgpack:"roots"`
}

// New returns an empty manifest for a fresh heap.
func New(pageSize, extentPages int) *Manifest {
	return &Manifest{
		Format:      FormatVersion,
		PageSize:    pageSize,
		ExtentPages: extentPages,
		Roots:       make(map[string]RootInfo),
	}
}

// Path returns the manifest location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "MANIFEST")
}

// Save writes the manifest atomically into dir.
func Save(dir string, m *Manifest) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	path := Path(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	// Make the rename itself durable.
	d, err := os.Open(dir) //nolint:gosec // G304: configured directory
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// Load reads the manifest from dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(dir)) //nolint:gosec // G304: configured directory
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Format != FormatVersion {
		return nil, fmt.Errorf("manifest: unsupported format %d", m.Format)
	}
	if m.Roots == nil {
		m.Roots = make(map[string]RootInfo)
	}
	return &m, nil
}
