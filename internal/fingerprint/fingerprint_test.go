package fingerprint

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func gradient(w, h int, invert bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: uint8(y * 255 / (h - 1)), B: 128, A: 255})
		}
	}
	return img
}

func TestHashers_IdenticalImagesIdenticalKeys(t *testing.T) {
	for _, name := range []string{StrategyPerceptual, StrategyGrid} {
		t.Run(name, func(t *testing.T) {
			h, err := Select(name)
			if err != nil {
				t.Fatal(err)
			}
			a, err := h.Hash(gradient(64, 48, false))
			if err != nil {
				t.Fatal(err)
			}
			b, err := h.Hash(gradient(64, 48, false))
			if err != nil {
				t.Fatal(err)
			}
			if a != b {
				t.Errorf("keys differ: %s vs %s", a, b)
			}
			c, err := h.Hash(gradient(64, 48, true))
			if err != nil {
				t.Fatal(err)
			}
			if a == c {
				t.Error("mirrored gradient produced the same key")
			}
		})
	}
}

func TestPerceptualHasher_Format(t *testing.T) {
	key, err := PerceptualHasher{}.Hash(gradient(32, 32, false))
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.Split(key, "|"); len(parts) != 3 {
		t.Errorf("expected three hash parts, got %q", key)
	}
}

func TestGridHasher_EmptyImage(t *testing.T) {
	if _, err := (GridHasher{}).Hash(image.NewRGBA(image.Rect(0, 0, 0, 0))); err == nil {
		t.Error("expected error for empty image")
	}
}

func TestSelect(t *testing.T) {
	h, err := Select("")
	if err != nil || h.Name() != StrategyPerceptual {
		t.Errorf("default = %v, %v", h, err)
	}
	h, err = Select("GRID")
	if err != nil || h.Name() != StrategyGrid {
		t.Errorf("grid = %v, %v", h, err)
	}
	if _, err := Select("md5"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestFileDigest(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	os.WriteFile(a, []byte("hello"), 0o644)
	os.WriteFile(b, []byte("hello!"), 0o644)

	da, err := FileDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	if da != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("digest = %s", da)
	}
	db, _ := FileDigest(b)
	if da == db {
		t.Error("different content, same digest")
	}
	if _, err := FileDigest(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
