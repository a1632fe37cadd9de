package filehandler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScanOptions configures directory scanning behavior.
type ScanOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// Limit caps the number of images returned. 0 = unlimited.
	Limit int

	// IncludeOutputs keeps files whose names carry VariationMarker.
	IncludeOutputs bool

	// SkipDirs lists absolute directories that are not descended into,
	// typically the output and cache directories.
	SkipDirs []string
}

// ScanDirectory scans a directory recursively for source images.
// This is a convenience wrapper that calls ScanDirectoryWithOptions with default options.
func ScanDirectory(dirPath string) ([]*SourceFile, error) {
	return ScanDirectoryWithOptions(dirPath, ScanOptions{})
}

// ScanDirectoryWithOptions scans a directory for supported image files with configurable options.
// Recursive scanning is enabled by default (MaxDepth=0 means unlimited).
// Hidden files and directories are skipped.
// Symlinks to files are followed; symlinks to directories are skipped to prevent infinite loops.
// Files are sorted alphabetically by path for consistent ordering.
func ScanDirectoryWithOptions(dirPath string, opts ScanOptions) ([]*SourceFile, error) {
	log.Info().
		Str("path", dirPath).
		Int("max_depth", opts.MaxDepth).
		Int("limit", opts.Limit).
		Msg("Scanning directory for images")

	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dirPath)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dirPath)
	}

	// Absolute path for consistent depth calculation
	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		if abs, err := filepath.Abs(d); err == nil && abs != absPath {
			skip[abs] = true
		}
	}

	var sources []*SourceFile
	limitReached := false
	skippedOutputs := 0

	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil // Continue walking despite errors
		}

		if path != absPath && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if skip[path] {
				return fs.SkipDir
			}
			if opts.MaxDepth > 0 {
				currentDepth := strings.Count(path, string(os.PathSeparator)) - baseDepth
				if currentDepth >= opts.MaxDepth {
					return fs.SkipDir
				}
			}
			return nil
		}

		// Handle symlinks: follow file symlinks, skip directory symlinks
		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := filepath.EvalSymlinks(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to resolve symlink, skipping")
				return nil
			}

			targetInfo, err := os.Stat(linkTarget)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to stat symlink target, skipping")
				return nil
			}

			if targetInfo.IsDir() {
				log.Debug().Str("path", path).Msg("Skipping symlink to directory")
				return nil
			}
		}

		if !IsImage(filepath.Ext(d.Name())) {
			return nil
		}

		if !opts.IncludeOutputs && IsVariationOutput(d.Name()) {
			skippedOutputs++
			return nil
		}

		if opts.Limit > 0 && len(sources) >= opts.Limit {
			limitReached = true
			return fs.SkipAll
		}

		src, err := LoadSourceFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", d.Name()).Msg("Failed to load source file, skipping")
			return nil
		}

		sources = append(sources, src)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Path < sources[j].Path
	})

	logEvent := log.Info().
		Int("total_images", len(sources)).
		Int("skipped_outputs", skippedOutputs).
		Str("directory", dirPath)

	if limitReached {
		logEvent.Bool("limit_reached", true)
	}

	logEvent.Msg("Directory scan complete")

	return sources, nil
}
