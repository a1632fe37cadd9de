package filehandler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// ImageMetadata contains EXIF metadata extracted from a source image.
//
// Extraction uses evanoberholster/imagemeta, which reads only the metadata
// block through an io.ReadSeeker and handles JPEG, HEIC and TIFF containers.
// PNG and WebP usually carry no EXIF and yield an error, which callers treat
// as "no metadata".
type ImageMetadata struct {
	Latitude  float64
	Longitude float64
	HasGPS    bool

	DateTaken time.Time
	HasDate   bool

	CameraMake  string
	CameraModel string

	// Raw fields for debugging
	RawFields map[string]string
}

// ExtractImageMetadata extracts EXIF metadata from an image file.
// Date priority: DateTimeOriginal > CreateDate > ModifyDate.
func ExtractImageMetadata(filePath string) (*ImageMetadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	exifData, err := imagemeta.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	metadata := &ImageMetadata{
		RawFields: make(map[string]string),
	}

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		metadata.Latitude = gps.Latitude()
		metadata.Longitude = gps.Longitude()
		metadata.HasGPS = true
		metadata.RawFields["GPSLatitude"] = fmt.Sprintf("%f", gps.Latitude())
		metadata.RawFields["GPSLongitude"] = fmt.Sprintf("%f", gps.Longitude())
	}

	if !exifData.DateTimeOriginal().IsZero() {
		metadata.DateTaken = exifData.DateTimeOriginal()
		metadata.HasDate = true
		metadata.RawFields["DateTimeOriginal"] = exifData.DateTimeOriginal().String()
	} else if !exifData.CreateDate().IsZero() {
		metadata.DateTaken = exifData.CreateDate()
		metadata.HasDate = true
		metadata.RawFields["CreateDate"] = exifData.CreateDate().String()
	} else if !exifData.ModifyDate().IsZero() {
		metadata.DateTaken = exifData.ModifyDate()
		metadata.HasDate = true
		metadata.RawFields["ModifyDate"] = exifData.ModifyDate().String()
	}

	metadata.CameraMake = strings.TrimSpace(exifData.Make)
	metadata.CameraModel = strings.TrimSpace(exifData.Model)
	if metadata.CameraMake != "" {
		metadata.RawFields["Make"] = metadata.CameraMake
	}
	if metadata.CameraModel != "" {
		metadata.RawFields["Model"] = metadata.CameraModel
	}

	log.Debug().
		Str("path", filePath).
		Bool("has_gps", metadata.HasGPS).
		Bool("has_date", metadata.HasDate).
		Msg("Image metadata extraction complete")

	return metadata, nil
}

// Snapshot flattens the metadata into string pairs for cache entries and run
// records. GPS coordinates are left out. A nil receiver yields nil.
func (m *ImageMetadata) Snapshot() map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, 3)
	if m.HasDate {
		out["date_taken"] = m.DateTaken.UTC().Format(time.RFC3339)
	}
	if camera := strings.TrimSpace(m.CameraMake + " " + m.CameraModel); camera != "" {
		out["camera"] = camera
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
