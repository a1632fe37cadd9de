// Package fingerprint computes compact content keys for images.
//
// Two families exist. Hashers produce perceptual keys that tolerate
// re-encoding and are used for duplicate detection. Digests are byte-exact
// content hashes used when deriving cache keys.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/corona10/goimagehash"

	"github.com/fpang/gemini-variations/internal/imaging"
)

// Strategy names accepted by Select.
const (
	StrategyPerceptual = "perceptual"
	StrategyGrid       = "grid"
)

// GridSize is the side of the grayscale grid hashed by GridHasher.
const GridSize = 8

// Hasher computes a perceptual fingerprint. Identical images always produce
// identical keys. Keys from different hashers are not comparable, so a process
// picks one hasher at startup and shares it.
type Hasher interface {
	Name() string
	Hash(img image.Image) (string, error)
}

// Select returns the hasher registered under name. An empty name selects the
// perceptual hasher.
func Select(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyPerceptual:
		return PerceptualHasher{}, nil
	case StrategyGrid:
		return GridHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hash strategy %q (want %s or %s)", name, StrategyPerceptual, StrategyGrid)
	}
}

// PerceptualHasher combines average, difference and perception hashes.
type PerceptualHasher struct{}

func (PerceptualHasher) Name() string { return StrategyPerceptual }

func (PerceptualHasher) Hash(img image.Image) (string, error) {
	avg, err := goimagehash.AverageHash(img)
	if err != nil {
		return "", fmt.Errorf("average hash: %w", err)
	}
	diff, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", fmt.Errorf("difference hash: %w", err)
	}
	phash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("perception hash: %w", err)
	}
	return avg.ToString() + "|" + diff.ToString() + "|" + phash.ToString(), nil
}

// GridHasher downsamples to an 8×8 grayscale grid and hashes the pixel bytes.
type GridHasher struct{}

func (GridHasher) Name() string { return StrategyGrid }

func (GridHasher) Hash(img image.Image) (string, error) {
	b := img.Bounds()
	if b.Empty() {
		return "", fmt.Errorf("cannot hash empty image")
	}
	small := imaging.ResizeFast(img, GridSize, GridSize)
	gray := imaging.Luminance(small)
	buf := make([]byte, len(gray.Pix))
	for i, v := range gray.Pix {
		buf[i] = byte(v + 0.5)
	}
	sum := md5.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}

// ContentDigest returns the hex sha256 of everything read from r.
func ContentDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest returns the hex sha256 of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ContentDigest(f)
}
