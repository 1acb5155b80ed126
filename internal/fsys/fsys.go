// Package fsys implements ports.FileSystemPort on the local filesystem.
package fsys

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/randalmurphal/workrun/internal/ports"
)

// OS is the operating-system filesystem.
type OS struct{}

var _ ports.FileSystemPort = OS{}

// New returns the OS filesystem.
func New() OS { return OS{} }

// CreateDirectory creates path and any missing parents.
func (OS) CreateDirectory(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// DeleteDirectory removes path recursively. Missing paths are ignored.
func (OS) DeleteDirectory(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete directory %s: %w", path, err)
	}
	return nil
}

// CreateSymlink creates link pointing at target, creating link's parent
// directory. An existing link to the same target is left in place.
func (OS) CreateSymlink(target, link string) error {
	if cur, err := os.Readlink(link); err == nil && cur == target {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("create link parent %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
	}
	return nil
}

// DeleteFile removes a regular file. Missing files are ignored.
func (OS) DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return nil
}

// DeleteSymlink removes the link itself, never its target.
func (fs OS) DeleteSymlink(path string) error {
	isLink, err := fs.IsSymlink(path)
	if err != nil {
		return err
	}
	if !isLink {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete symlink %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists. Dangling symlinks count as existing.
func (OS) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// IsSymlink reports whether path is a symbolic link.
func (OS) IsSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}
