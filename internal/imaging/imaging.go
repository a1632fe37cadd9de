// Package imaging holds the pixel-level helpers shared by fingerprinting,
// scoring and source downsizing.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality is used when re-encoding downsized JPEG sources.
const DefaultJPEGQuality = 90

// SupportedExtensions lists the lower-case file extensions Decode understands.
var SupportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// IsSupported reports whether path has an image extension Decode understands.
func IsSupported(path string) bool {
	_, ok := SupportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// MIMEType returns the MIME type for path's extension, defaulting to image/png.
func MIMEType(path string) string {
	if m, ok := SupportedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	return "image/png"
}

// ExtensionForMIME returns the conventional extension for an image MIME type.
func ExtensionForMIME(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".png"
	}
}

// Decode decodes any registered image format from r.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := Decode(bytes.NewReader(data))
	return img, err
}

// Load opens and decodes the image at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	img, _, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Encode writes img in the format implied by ext (".jpg", ".png", ...).
// Formats without an encoder fall back to PNG.
func Encode(w io.Writer, img image.Image, ext string) error {
	var err error
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: DefaultJPEGQuality})
	case ".gif":
		err = gif.Encode(w, img, nil)
	case ".bmp":
		err = bmp.Encode(w, img)
	case ".tif", ".tiff":
		err = tiff.Encode(w, img, nil)
	default:
		err = png.Encode(w, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// EncodeBytes encodes img into memory using Encode.
func EncodeBytes(img image.Image, ext string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, ext); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FitDimensions scales width and height down so neither exceeds maxDim,
// keeping the aspect ratio. Dimensions already within bounds are unchanged.
func FitDimensions(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	if width > height {
		return maxDim, max(1, int(float64(height)*float64(maxDim)/float64(width)))
	}
	return max(1, int(float64(width)*float64(maxDim)/float64(height))), maxDim
}

// FitWithin returns img scaled so its longest side is at most maxDim. The
// second result is false when no resize was needed and img is returned as is.
func FitWithin(img image.Image, maxDim int) (image.Image, bool) {
	b := img.Bounds()
	w, h := FitDimensions(b.Dx(), b.Dy(), maxDim)
	if w == b.Dx() && h == b.Dy() {
		return img, false
	}
	return Resize(img, w, h), true
}

// Resize scales img to exactly w×h with Catmull-Rom resampling.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// ResizeFast scales img with approximate bilinear sampling. Used where many
// small thumbnails are compared and exact resampling does not matter.
func ResizeFast(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Gray is a row-major luminance plane with values in [0,255].
type Gray struct {
	W, H int
	Pix  []float64
}

// At returns the luminance at (x, y).
func (g *Gray) At(x, y int) float64 { return g.Pix[y*g.W+x] }

// Luminance converts img to a Rec. 601 luma plane.
func Luminance(img image.Image) *Gray {
	b := img.Bounds()
	g := &Gray{W: b.Dx(), H: b.Dy(), Pix: make([]float64, b.Dx()*b.Dy())}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gg, bb, _ := img.At(x, y).RGBA()
			g.Pix[i] = (0.299*float64(r) + 0.587*float64(gg) + 0.114*float64(bb)) / 257
			i++
		}
	}
	return g
}

// CommonSize returns the dimensions two images are scaled to before pairwise
// comparison: the smaller of each side, capped at maxDim.
func CommonSize(a, b image.Image, maxDim int) (int, int) {
	ab, bb := a.Bounds(), b.Bounds()
	w := min(ab.Dx(), bb.Dx())
	h := min(ab.Dy(), bb.Dy())
	return FitDimensions(w, h, maxDim)
}
