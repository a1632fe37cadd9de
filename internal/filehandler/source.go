package filehandler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fpang/gemini-variations/internal/imaging"
	"github.com/rs/zerolog/log"
)

// VariationMarker appears in every generated output file name. Scans skip
// such files so a rerun never treats its own outputs as sources.
const VariationMarker = "_variation_"

// SourceFile is an image on disk that variations are generated from.
type SourceFile struct {
	Path     string
	MIMEType string
	Size     int64
	Metadata *ImageMetadata
}

// Stem returns the file name without directory or extension.
func (f *SourceFile) Stem() string {
	base := filepath.Base(f.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadSourceFile stats an image file and extracts its EXIF metadata.
// The pixel data is not read.
func LoadSourceFile(filePath string) (*SourceFile, error) {
	log.Debug().Str("path", filePath).Msg("Loading source file")

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", filePath)
	}

	if !IsImage(filepath.Ext(filePath)) {
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(filePath))
	}

	src := &SourceFile{
		Path:     filePath,
		MIMEType: imaging.MIMEType(filePath),
		Size:     info.Size(),
	}

	meta, err := ExtractImageMetadata(filePath)
	if err != nil {
		log.Debug().Err(err).Str("path", filePath).Msg("No EXIF metadata, continuing without it")
	} else {
		src.Metadata = meta
	}

	return src, nil
}

// IsImage returns true if the file extension corresponds to a decodable image.
func IsImage(ext string) bool {
	_, ok := imaging.SupportedExtensions[strings.ToLower(ext)]
	return ok
}

// IsVariationOutput reports whether name looks like a generated variation.
func IsVariationOutput(name string) bool {
	return strings.Contains(filepath.Base(name), VariationMarker)
}
