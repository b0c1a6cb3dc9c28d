package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/okian/maestro/pkg/metrics"
)

const (
	defaultDirPerm  os.FileMode = 0o750
	defaultFilePerm os.FileMode = 0o600
)

// FSStore keeps checkpoints as directories below a root directory.
type FSStore struct {
	root     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem store rooted at root.
func NewFSStore(root string, opts ...Option) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root %s: %w", root, err)
	}
	s := &FSStore{
		root:     abs,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *FSStore) Root() string { return s.root }

// CheckpointPath returns the location of an epoch's checkpoint.
func (s *FSStore) CheckpointPath(epoch int) string {
	return filepath.Join(s.root, CheckpointsDir, strconv.Itoa(epoch))
}

// BestModelPath returns the location of the exported best model.
func (s *FSStore) BestModelPath() string {
	return filepath.Join(s.root, BestModelDir)
}

// resolve confines path to the store root.
func (s *FSStore) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return path, nil
}

// Save writes every artifact file and the manifest under path.
func (s *FSStore) Save(ctx context.Context, path string, a Artifact) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordStorageOperation("save", float64(time.Since(start).Milliseconds()), err != nil)
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	dir, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	for name, data := range a.Files {
		if name == "" || name == ManifestFile || filepath.Base(name) != name {
			return fmt.Errorf("%q: %w", name, ErrInvalidName)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, s.filePerm); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	manifest, err := json.MarshalIndent(a.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	// The manifest goes last so Exists never reports a partial checkpoint.
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), manifest, s.filePerm); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Remove deletes the checkpoint directory at path.
func (s *FSStore) Remove(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordStorageOperation("remove", float64(time.Since(start).Milliseconds()), err != nil)
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	dir, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether a manifest is present at path.
func (s *FSStore) Exists(_ context.Context, path string) bool {
	dir, err := s.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, ManifestFile))
	return err == nil
}

// Load reads the manifest stored at path.
func (s *FSStore) Load(_ context.Context, path string) (Manifest, error) {
	dir, err := s.resolve(path)
	if err != nil {
		return Manifest{}, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

// EstablishRunDir creates and returns <trainingDir>/<n>, where n is one more
// than the number of subdirectories already present.
func EstablishRunDir(trainingDir string) (string, error) {
	abs, err := filepath.Abs(trainingDir)
	if err != nil {
		return "", fmt.Errorf("resolve training dir %s: %w", trainingDir, err)
	}
	if err := os.MkdirAll(abs, defaultDirPerm); err != nil {
		return "", fmt.Errorf("create training dir %s: %w", abs, err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list training dir %s: %w", abs, err)
	}
	subdirs := 0
	for _, e := range entries {
		if e.IsDir() {
			subdirs++
		}
	}
	runDir := filepath.Join(abs, strconv.Itoa(subdirs+1))
	if err := os.MkdirAll(runDir, defaultDirPerm); err != nil {
		return "", fmt.Errorf("create run dir %s: %w", runDir, err)
	}
	return runDir, nil
}
