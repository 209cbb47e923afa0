// Package workspace implements filesystem access for workspace modules.
//
// The workspace layer provides path-safe reads and writes under the
// workspace root, module manifest handling, and tar.gz backup archives
// used by the reset strategy. All destructive operations stay inside the
// workspace and backup roots; paths that would escape them are rejected.
package workspace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// Manifest is the module manifest (module.json): the module's name and its
// declared dependency list.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Dependencies []string `json:"dependencies"`
}

// ParseManifest decodes a module manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("workspace: parse manifest: %w", err)
	}
	return &m, nil
}

// Encode serializes the manifest with stable, sorted dependencies.
func (m *Manifest) Encode() ([]byte, error) {
	sort.Strings(m.Dependencies)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("workspace: encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// MergeDependencies unions other into the manifest's dependency list.
// Existing entries are never dropped.
func (m *Manifest) MergeDependencies(other []string) {
	seen := make(map[string]bool, len(m.Dependencies))
	for _, d := range m.Dependencies {
		seen[d] = true
	}
	for _, d := range other {
		if !seen[d] {
			m.Dependencies = append(m.Dependencies, d)
			seen[d] = true
		}
	}
	sort.Strings(m.Dependencies)
}

// Workspace provides rooted filesystem access to module directories plus a
// separate transient backup root for reset snapshots.
type Workspace struct {
	root       string
	backupRoot string
	mu         sync.RWMutex
}

// New creates a Workspace rooted at root with reset backups under
// backupRoot. Both directories are created if absent.
func New(root, backupRoot string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root %q: %w", root, err)
	}
	absBackup, err := filepath.Abs(backupRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve backup root %q: %w", backupRoot, err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("workspace: create root %q: %w", absRoot, err)
	}
	if err := os.MkdirAll(absBackup, 0755); err != nil {
		return nil, fmt.Errorf("workspace: create backup root %q: %w", absBackup, err)
	}
	return &Workspace{root: absRoot, backupRoot: absBackup}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// ModuleDir returns the absolute directory of a module.
func (w *Workspace) ModuleDir(id models.ModuleID) string {
	return filepath.Join(w.root, string(id))
}

// resolve joins the module dir with rel and rejects paths escaping it.
func (w *Workspace) resolve(id models.ModuleID, rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("workspace: invalid path %q: must be relative and not escape the module", rel)
	}
	full := filepath.Join(w.ModuleDir(id), cleaned)
	if !strings.HasPrefix(full, w.ModuleDir(id)+string(os.PathSeparator)) {
		return "", fmt.Errorf("workspace: path %q resolves outside module %q", rel, id)
	}
	return full, nil
}

// ModuleExists reports whether the module directory is present.
func (w *Workspace) ModuleExists(id models.ModuleID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	info, err := os.Stat(w.ModuleDir(id))
	return err == nil && info.IsDir()
}

// FileExists reports whether a file exists inside the module.
func (w *Workspace) FileExists(id models.ModuleID, rel string) bool {
	full, err := w.resolve(id, rel)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// ReadFile reads a file from the module directory.
func (w *Workspace) ReadFile(id models.ModuleID, rel string) ([]byte, error) {
	full, err := w.resolve(id, rel)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workspace: file %q not found in module %q", rel, id)
		}
		return nil, fmt.Errorf("workspace: read %q: %w", rel, err)
	}
	return data, nil
}

// WriteFile writes a file inside the module directory, creating parents as
// needed. Writes go to a temp file first and are renamed into place.
func (w *Workspace) WriteFile(id models.ModuleID, rel string, data []byte) error {
	full, err := w.resolve(id, rel)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("workspace: create directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".medic-tmp-*")
	if err != nil {
		return fmt.Errorf("workspace: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := io.Copy(tmpFile, bytes.NewReader(data))
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workspace: write %q: %w", rel, writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workspace: close temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workspace: rename temp file: %w", err)
	}
	return nil
}

// RemovePath removes a file or subtree inside the module directory.
func (w *Workspace) RemovePath(id models.ModuleID, rel string) error {
	full, err := w.resolve(id, rel)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("workspace: remove %q: %w", rel, err)
	}
	return nil
}

// RemoveModule deletes the entire module directory.
func (w *Workspace) RemoveModule(id models.ModuleID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.RemoveAll(w.ModuleDir(id)); err != nil {
		return fmt.Errorf("workspace: remove module %q: %w", id, err)
	}
	return nil
}

// ListFiles returns all file paths in the module, relative to its dir,
// sorted alphabetically.
func (w *Workspace) ListFiles(id models.ModuleID) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	dir := w.ModuleDir(id)
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if !info.IsDir() {
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				return relErr
			}
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: list module %q: %w", id, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadManifest reads and parses the module manifest.
func (w *Workspace) ReadManifest(id models.ModuleID) (*Manifest, error) {
	data, err := w.ReadFile(id, "module.json")
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// WriteManifest serializes and writes the module manifest.
func (w *Workspace) WriteManifest(id models.ModuleID, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return w.WriteFile(id, "module.json", data)
}

// Snapshot is an in-memory backup of selected module files.
type Snapshot struct {
	ModuleID  models.ModuleID   `json:"module_id"`
	Files     map[string][]byte `json:"files"`
	Checksum  string            `json:"checksum"`
	CreatedAt time.Time         `json:"created_at"`
}

// backupPath is the archive location for a module's reset snapshot.
func (w *Workspace) backupPath(id models.ModuleID) string {
	return filepath.Join(w.backupRoot, string(id)+".tar.gz")
}

// BackupModule archives the given module files (those that exist) into the
// transient backup location and returns the snapshot. A module with none of
// the requested files present yields an empty snapshot, not an error.
func (w *Workspace) BackupModule(ctx context.Context, id models.ModuleID, rels []string) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	snap := &Snapshot{
		ModuleID:  id,
		Files:     make(map[string][]byte),
		CreatedAt: time.Now().UTC(),
	}
	for _, rel := range rels {
		if !w.FileExists(id, rel) {
			continue
		}
		data, err := w.ReadFile(id, rel)
		if err != nil {
			return nil, err
		}
		snap.Files[rel] = data
	}

	archive, checksum, err := createArchive(snap)
	if err != nil {
		return nil, err
	}
	snap.Checksum = checksum

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.WriteFile(w.backupPath(id), archive, 0644); err != nil {
		return nil, fmt.Errorf("workspace: write backup for %q: %w", id, err)
	}
	return snap, nil
}

// LoadBackup reads a module's backup archive back into a snapshot.
// Returns nil without error when no backup exists.
func (w *Workspace) LoadBackup(ctx context.Context, id models.ModuleID) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	w.mu.RLock()
	archive, err := os.ReadFile(w.backupPath(id))
	w.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: read backup for %q: %w", id, err)
	}
	return extractArchive(id, archive)
}

// DeleteBackup removes a module's backup archive. Missing archives are not
// an error; reset always attempts this cleanup.
func (w *Workspace) DeleteBackup(id models.ModuleID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.backupPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: delete backup for %q: %w", id, err)
	}
	return nil
}

// createArchive builds a tar.gz archive of the snapshot files and returns
// the archive bytes and their SHA-256 checksum.
func createArchive(snap *Snapshot) ([]byte, string, error) {
	var buf bytes.Buffer

	gzWriter := gzip.NewWriter(&buf)
	gzWriter.Comment = fmt.Sprintf("Medic reset backup %s", snap.ModuleID)
	gzWriter.ModTime = snap.CreatedAt

	tarWriter := tar.NewWriter(gzWriter)

	paths := make([]string, 0, len(snap.Files))
	for p := range snap.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		data := snap.Files[p]
		header := &tar.Header{
			Name:    p,
			Size:    int64(len(data)),
			Mode:    0644,
			ModTime: snap.CreatedAt,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, "", fmt.Errorf("workspace: write tar header: %w", err)
		}
		if _, err := tarWriter.Write(data); err != nil {
			return nil, "", fmt.Errorf("workspace: write tar data: %w", err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, "", fmt.Errorf("workspace: close tar writer: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, "", fmt.Errorf("workspace: close gzip writer: %w", err)
	}

	archive := buf.Bytes()
	hash := sha256.Sum256(archive)
	return archive, hex.EncodeToString(hash[:]), nil
}

// extractArchive reads a tar.gz backup archive back into a snapshot.
func extractArchive(id models.ModuleID, archive []byte) (*Snapshot, error) {
	hash := sha256.Sum256(archive)
	snap := &Snapshot{
		ModuleID: id,
		Files:    make(map[string][]byte),
		Checksum: hex.EncodeToString(hash[:]),
	}

	gzReader, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("workspace: open backup archive for %q: %w", id, err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("workspace: read backup archive for %q: %w", id, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("workspace: read backup entry %q: %w", header.Name, err)
		}
		snap.Files[header.Name] = data
	}
	if !snap.CreatedAt.IsZero() {
		snap.CreatedAt = snap.CreatedAt.UTC()
	}
	return snap, nil
}
