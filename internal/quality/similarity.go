package quality

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/fpang/gemini-variations/internal/imaging"
)

// Similarity strategy names accepted by SelectSimilarity.
const (
	StrategySSIM      = "ssim"
	StrategyHistogram = "histogram"
)

// compareMaxDim caps the side length images are scaled to before comparison.
const compareMaxDim = 256

// ssimWindow is the side of the square SSIM window.
const ssimWindow = 8

var errEmptyImage = errors.New("empty image")

// SimilarityStrategy scores how alike two images are, in [0,1].
type SimilarityStrategy interface {
	Name() string
	Similarity(a, b image.Image) (float64, error)
}

// SelectSimilarity returns the strategy registered under name. An empty name
// selects SSIM.
func SelectSimilarity(name string) (SimilarityStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategySSIM:
		return SSIMSimilarity{}, nil
	case StrategyHistogram:
		return HistogramSimilarity{}, nil
	default:
		return nil, fmt.Errorf("unknown similarity strategy %q (want %s or %s)", name, StrategySSIM, StrategyHistogram)
	}
}

// SSIMSimilarity computes mean structural similarity over non-overlapping
// windows of the luminance planes, after scaling both images to a common size.
// Negative SSIM is clamped to 0.
type SSIMSimilarity struct{}

func (SSIMSimilarity) Name() string { return StrategySSIM }

func (SSIMSimilarity) Similarity(a, b image.Image) (float64, error) {
	if a == nil || b == nil || a.Bounds().Empty() || b.Bounds().Empty() {
		return 0, errEmptyImage
	}
	w, h := imaging.CommonSize(a, b, compareMaxDim)
	ga := imaging.Luminance(imaging.ResizeFast(a, w, h))
	gb := imaging.Luminance(imaging.ResizeFast(b, w, h))
	return clamp01(meanSSIM(ga, gb)), nil
}

const (
	ssimC1 = (0.01 * 255) * (0.01 * 255)
	ssimC2 = (0.03 * 255) * (0.03 * 255)
)

func meanSSIM(a, b *imaging.Gray) float64 {
	win := min(ssimWindow, a.W, a.H)
	var total float64
	var n int
	for y0 := 0; y0+win <= a.H; y0 += win {
		for x0 := 0; x0+win <= a.W; x0 += win {
			total += windowSSIM(a, b, x0, y0, win)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func windowSSIM(a, b *imaging.Gray, x0, y0, win int) float64 {
	var sumA, sumB float64
	for y := y0; y < y0+win; y++ {
		for x := x0; x < x0+win; x++ {
			sumA += a.At(x, y)
			sumB += b.At(x, y)
		}
	}
	count := float64(win * win)
	muA, muB := sumA/count, sumB/count

	var varA, varB, cov float64
	for y := y0; y < y0+win; y++ {
		for x := x0; x < x0+win; x++ {
			da := a.At(x, y) - muA
			db := b.At(x, y) - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= count
	varB /= count
	cov /= count

	num := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	den := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	return num / den
}

// HistogramSimilarity is the cosine similarity of the concatenated 256-bin
// red, green and blue histograms.
type HistogramSimilarity struct{}

func (HistogramSimilarity) Name() string { return StrategyHistogram }

func (HistogramSimilarity) Similarity(a, b image.Image) (float64, error) {
	if a == nil || b == nil || a.Bounds().Empty() || b.Bounds().Empty() {
		return 0, errEmptyImage
	}
	w, h := imaging.CommonSize(a, b, compareMaxDim)
	ha := rgbHistogram(imaging.ResizeFast(a, w, h))
	hb := rgbHistogram(imaging.ResizeFast(b, w, h))

	var dot, sqA, sqB float64
	for i := range ha {
		dot += ha[i] * hb[i]
		sqA += ha[i] * ha[i]
		sqB += hb[i] * hb[i]
	}
	if sqA == 0 || sqB == 0 {
		return 0, nil
	}
	return clamp01(dot / math.Sqrt(sqA*sqB)), nil
}

func rgbHistogram(img *image.RGBA) []float64 {
	hist := make([]float64, 3*256)
	for i := 0; i+3 < len(img.Pix); i += 4 {
		hist[img.Pix[i]]++
		hist[256+int(img.Pix[i+1])]++
		hist[512+int(img.Pix[i+2])]++
	}
	return hist
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
