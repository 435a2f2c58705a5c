// Package metricsstorage implements per-runner scratch directories for
// metric files, with corruption quarantine.
package metricsstorage

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/thpham/fleetd/internal/models"
)

// MaxFileSize is the per-file byte cap; anything above it is treated as
// corrupt. Defends against a malicious or misbehaving runner filling
// storage.
const MaxFileSize = 1024

var (
	// ErrExists is returned by Create when a storage directory for the
	// InstanceID already exists.
	ErrExists = errors.New("metrics storage already exists")
	// ErrNotExist is returned by Get when no storage directory exists.
	ErrNotExist = errors.New("metrics storage does not exist")
)

// Manager owns the base and quarantine directories for runner metric
// storage.
type Manager struct {
	baseDir       string
	quarantineDir string
}

// NewManager constructs a Manager rooted at baseDir, with a sibling
// quarantine directory, creating both if necessary.
func NewManager(baseDir string) (*Manager, error) {
	quarantineDir := baseDir + "-quarantine"
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating metrics storage base dir: %w", err)
	}
	if err := os.MkdirAll(quarantineDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating metrics storage quarantine dir: %w", err)
	}
	return &Manager{baseDir: baseDir, quarantineDir: quarantineDir}, nil
}

func (m *Manager) path(id models.InstanceID) string {
	return filepath.Join(m.baseDir, id.Name())
}

// Create creates a fresh scratch directory for id. It fails if one already
// exists; callers must Delete or MoveToQuarantine before reusing an
// InstanceID.
func (m *Manager) Create(id models.InstanceID) (string, error) {
	path := m.path(id)
	if err := os.Mkdir(path, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, id.Name())
		}
		return "", fmt.Errorf("creating metrics storage for %s: %w", id.Name(), err)
	}
	return path, nil
}

// Get returns the path of an existing storage directory for id.
func (m *Manager) Get(id models.InstanceID) (string, error) {
	path := m.path(id)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotExist, id.Name())
		}
		return "", fmt.Errorf("statting metrics storage for %s: %w", id.Name(), err)
	}
	return path, nil
}

// ListAll returns the InstanceIDs of every storage directory under baseDir
// that parses as a valid instance name under prefix.
func (m *Manager) ListAll(prefix string) ([]models.InstanceID, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("listing metrics storage: %w", err)
	}

	var out []models.InstanceID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := models.ParseInstanceID(prefix, e.Name())
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Delete removes a runner's storage directory entirely.
func (m *Manager) Delete(id models.InstanceID) error {
	if err := os.RemoveAll(m.path(id)); err != nil {
		return fmt.Errorf("deleting metrics storage for %s: %w", id.Name(), err)
	}
	return nil
}

// MoveToQuarantine archives a runner's storage directory into a tarball
// under the quarantine directory, then deletes the live directory, so a
// human can inspect corrupt data after the fact.
func (m *Manager) MoveToQuarantine(id models.InstanceID) error {
	src := m.path(id)
	tarPath := filepath.Join(m.quarantineDir, id.Name()+".tar.gz")

	f, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("creating quarantine archive for %s: %w", id.Name(), err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(src), path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})

	closeErr := tw.Close()
	gzCloseErr := gz.Close()

	if walkErr != nil {
		return fmt.Errorf("archiving metrics storage for %s: %w", id.Name(), walkErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finalizing tar for %s: %w", id.Name(), closeErr)
	}
	if gzCloseErr != nil {
		return fmt.Errorf("finalizing gzip for %s: %w", id.Name(), gzCloseErr)
	}

	return m.Delete(id)
}

// IsOversized reports whether a file exceeds MaxFileSize and should be
// treated as corrupt.
func IsOversized(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Size() > MaxFileSize, nil
}
