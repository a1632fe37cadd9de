// Package export bundles accepted variations into zstd-compressed ZIP archives.
package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// MethodZstd is the ZIP compression method ID for Zstandard (APPNOTE 6.3.7).
const MethodZstd uint16 = 93

// ManifestName is the archive entry holding the JSON manifest.
const ManifestName = "manifest.json"

// encoderLevel is zstd level 12, SpeedBestCompression in klauspost/compress.
var encoderLevel = zstd.EncoderLevelFromZstd(12)

// BundleInfo describes a written archive.
type BundleInfo struct {
	Path    string
	Entries []string
	Size    int64
}

// NewWriter returns a zip.Writer with the zstd compressor registered.
func NewWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(MethodZstd, func(out io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(out, zstd.WithEncoderLevel(encoderLevel))
	})
	return zw
}

// OpenBundle opens an archive written by CreateBundle with the zstd
// decompressor registered.
func OpenBundle(path string) (*zip.ReadCloser, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	rc.RegisterDecompressor(MethodZstd, func(r io.Reader) io.ReadCloser {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return dec.IOReadCloser()
	})
	return rc, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// CreateBundle writes files and an optional JSON manifest to zipPath. Entry
// names are the files' base names; a repeated name gets a numeric prefix.
// The archive is written to a temporary file and renamed into place.
func CreateBundle(zipPath string, files []string, manifest interface{}) (*BundleInfo, error) {
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(zipPath), ".bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create temp ZIP: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	zw := NewWriter(tmpFile)
	info := &BundleInfo{Path: zipPath}
	seen := make(map[string]int, len(files))
	now := time.Now()

	for _, file := range files {
		name := filepath.Base(file)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = strconv.Itoa(n) + "_" + name
		}
		if err := addFile(zw, file, name, now); err != nil {
			tmpFile.Close()
			return nil, err
		}
		info.Entries = append(info.Entries, name)
	}

	if manifest != nil {
		header := &zip.FileHeader{Name: ManifestName, Method: MethodZstd}
		header.SetModTime(now)
		w, err := zw.CreateHeader(header)
		if err != nil {
			tmpFile.Close()
			return nil, fmt.Errorf("create ZIP entry for %s: %w", ManifestName, err)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(manifest); err != nil {
			tmpFile.Close()
			return nil, fmt.Errorf("write manifest: %w", err)
		}
		info.Entries = append(info.Entries, ManifestName)
	}

	if err := zw.Close(); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("finalize ZIP: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("close ZIP: %w", err)
	}
	if err := os.Rename(tmpPath, zipPath); err != nil {
		return nil, fmt.Errorf("move ZIP into place: %w", err)
	}

	if st, err := os.Stat(zipPath); err == nil {
		info.Size = st.Size()
	}
	log.Info().
		Str("path", zipPath).
		Int("entries", len(info.Entries)).
		Int64("zipSize", info.Size).
		Msg("ZIP bundle created")
	return info, nil
}

func addFile(zw *zip.Writer, path, name string, modTime time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := &zip.FileHeader{Name: name, Method: MethodZstd}
	header.SetModTime(modTime)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create ZIP entry for %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write to ZIP for %s: %w", name, err)
	}
	return nil
}
