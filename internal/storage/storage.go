// Package storage abstracts the filesystem operations used by the variation
// pipeline so tests can run against temporary directories.
package storage

import (
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fpang/gemini-variations/internal/imaging"
)

// Storage is the filesystem capability consumed by the orchestrator and cache.
type Storage interface {
	ReadImage(path string) (image.Image, error)
	ReadFile(path string) ([]byte, error)
	WriteImage(img image.Image, path string) error
	WriteFile(path string, data []byte) error
	Delete(path string) error
	List(dir string) ([]string, error)
	Move(src, dst string) error
	Copy(src, dst string) error
	Exists(path string) bool
	Size(path string) (int64, error)
}

// Local implements Storage on the host filesystem.
type Local struct{}

var _ Storage = Local{}

func (Local) ReadImage(path string) (image.Image, error) {
	return imaging.Load(path)
}

func (Local) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteImage encodes img in the format implied by path's extension.
func (l Local) WriteImage(img image.Image, path string) error {
	data, err := imaging.EncodeBytes(img, filepath.Ext(path))
	if err != nil {
		return err
	}
	return l.WriteFile(path, data)
}

// WriteFile creates parent directories as needed.
func (Local) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Delete removes path. A missing file is not an error.
func (Local) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// List returns the regular files directly inside dir, sorted by name.
func (Local) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Move renames src to dst, falling back to copy and delete across devices.
func (l Local) Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := l.Copy(src, dst); err != nil {
		return err
	}
	return l.Delete(src)
}

// Copy duplicates src to dst, creating parent directories.
func (Local) Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return nil
}

func (Local) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (Local) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// DirSize sums the sizes of all regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", dir, err)
	}
	return total, nil
}
