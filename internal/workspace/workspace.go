// Package workspace owns the on-disk layout of deployments:
//
//	<root>/<serverID>/<deploymentID>/archive/<upload>
//	<root>/<serverID>/<deploymentID>/app/
//
// The stored archive survives restarts; the app directory is recreated for
// every run.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/bothost/internal/domain"
)

const (
	archiveDir = "archive"
	appDir     = "app"
)

// ErrNoArchive is returned when a deployment has no stored archive.
var ErrNoArchive = errors.New("workspace: no stored archive")

// Manager owns deployment-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// StoreArchive saves the uploaded archive for key, replacing any earlier one,
// and returns its path.
func (m *Manager) StoreArchive(key domain.Key, filename string, data []byte) (string, error) {
	dir, err := m.deploymentDir(key)
	if err != nil {
		return "", err
	}
	name := sanitizeFilename(filename)
	target := filepath.Join(dir, archiveDir)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("reset archive dir: %w", err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(target, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}

// Archive returns the path of the stored archive for key.
func (m *Manager) Archive(key domain.Key) (string, error) {
	dir, err := m.deploymentDir(key)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(filepath.Join(dir, archiveDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoArchive
		}
		return "", fmt.Errorf("read archive dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return filepath.Join(dir, archiveDir, entry.Name()), nil
		}
	}
	return "", ErrNoArchive
}

// PrepareApp creates an empty application directory for key, discarding the
// files and installed dependencies of a previous run.
func (m *Manager) PrepareApp(key domain.Key) (string, error) {
	dir, err := m.deploymentDir(key)
	if err != nil {
		return "", err
	}
	app := filepath.Join(dir, appDir)
	if err := os.RemoveAll(app); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(app, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return app, nil
}

// Release removes everything stored for key.
func (m *Manager) Release(key domain.Key) error {
	dir, err := m.deploymentDir(key)
	if err != nil {
		return err
	}
	if err := m.Cleanup(dir); err != nil {
		return err
	}
	// drop the server directory once its last deployment is gone
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// ReleaseOthers removes the workspaces of every deployment of serverID other
// than keep.
func (m *Manager) ReleaseOthers(serverID, keep string) error {
	if err := validateSegment(serverID); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(m.root, serverID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list server workspaces: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == keep {
			continue
		}
		if err := m.Cleanup(filepath.Join(m.root, serverID, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes path, which must lie strictly inside the workspace root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

func (m *Manager) deploymentDir(key domain.Key) (string, error) {
	if err := validateSegment(key.ServerID); err != nil {
		return "", err
	}
	if err := validateSegment(key.DeploymentID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, key.ServerID, key.DeploymentID), nil
}

func validateSegment(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid workspace identifier %q", id)
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload.zip"
	}
	return name
}
