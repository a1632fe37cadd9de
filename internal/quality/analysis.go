package quality

import (
	"image"
	"math"

	"github.com/fpang/gemini-variations/internal/imaging"
)

// Edge thresholds on the L1 Sobel magnitude, mirroring a Canny low/high pair.
const (
	edgeLow  = 50
	edgeHigh = 150
)

// regionMinFraction is the share of the image area an edge region must exceed
// to count as a distinct structure.
const regionMinFraction = 0.01

func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	var sq float64
	for _, x := range v {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(v)))
}

// colorSpread is the variance of the three per-channel variances, scaled so
// 10000 maps to 1. Grey images score 0.
func colorSpread(img image.Image) float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	var sum, sumSq [3]float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			c := [3]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8)}
			for i := range c {
				sum[i] += c[i]
				sumSq[i] += c[i] * c[i]
			}
		}
	}
	vars := make([]float64, 3)
	for i := range vars {
		mean := sum[i] / n
		vars[i] = sumSq[i]/n - mean*mean
	}
	_, std := meanStd(vars)
	return math.Min(std*std/10000, 1)
}

// sharpness is the variance of a Laplacian edge response, scaled and capped
// at 1.
func sharpness(g *imaging.Gray) float64 {
	if g.W < 3 || g.H < 3 {
		return 0
	}
	resp := make([]float64, 0, (g.W-2)*(g.H-2))
	for y := 1; y < g.H-1; y++ {
		for x := 1; x < g.W-1; x++ {
			v := 8*g.At(x, y) -
				g.At(x-1, y-1) - g.At(x, y-1) - g.At(x+1, y-1) -
				g.At(x-1, y) - g.At(x+1, y) -
				g.At(x-1, y+1) - g.At(x, y+1) - g.At(x+1, y+1)
			resp = append(resp, math.Max(0, math.Min(255, v)))
		}
	}
	_, std := meanStd(resp)
	return math.Min(std*std/(255*255)*10, 1)
}

// sobelL1 returns |gx|+|gy| for every interior pixel; the border is zero.
func sobelL1(g *imaging.Gray) []float64 {
	out := make([]float64, g.W*g.H)
	for y := 1; y < g.H-1; y++ {
		for x := 1; x < g.W-1; x++ {
			gx := g.At(x+1, y-1) + 2*g.At(x+1, y) + g.At(x+1, y+1) -
				g.At(x-1, y-1) - 2*g.At(x-1, y) - g.At(x-1, y+1)
			gy := g.At(x-1, y+1) + 2*g.At(x, y+1) + g.At(x+1, y+1) -
				g.At(x-1, y-1) - 2*g.At(x, y-1) - g.At(x+1, y-1)
			out[y*g.W+x] = math.Abs(gx) + math.Abs(gy)
		}
	}
	return out
}

// largeEdgeRegions counts 8-connected regions of edge pixels (magnitude at
// least edgeLow) that contain a strong pixel and cover more than
// regionMinFraction of the image.
func largeEdgeRegions(g *imaging.Gray) int {
	mag := sobelL1(g)
	minArea := float64(g.W*g.H) * regionMinFraction
	seen := make([]bool, len(mag))
	stack := make([]int, 0, 64)
	count := 0

	for start := range mag {
		if seen[start] || mag[start] < edgeLow {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		area, strong := 0, false
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++
			if mag[p] >= edgeHigh {
				strong = true
			}
			px, py := p%g.W, p/g.W
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := px+dx, py+dy
					if nx < 0 || ny < 0 || nx >= g.W || ny >= g.H {
						continue
					}
					q := ny*g.W + nx
					if !seen[q] && mag[q] >= edgeLow {
						seen[q] = true
						stack = append(stack, q)
					}
				}
			}
		}
		if strong && float64(area) > minArea {
			count++
		}
	}
	return count
}
