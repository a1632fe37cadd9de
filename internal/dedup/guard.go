// Package dedup rejects near-duplicate variations within a single run.
package dedup

import (
	"image"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/fingerprint"
)

// DefaultThreshold is the similarity above which two images count as duplicates.
const DefaultThreshold = 0.95

// Similarity scores two images in [0,1].
type Similarity interface {
	Similarity(a, b image.Image) float64
}

// Guard tracks the accepted images of one run. Lookups first test the exact
// fingerprint set, then compare pixel similarity against every accepted image.
// A Guard belongs to one orchestrator and must be cleared between runs.
type Guard struct {
	hasher     fingerprint.Hasher
	similarity Similarity
	threshold  float64

	mu       sync.Mutex
	accepted []image.Image
	hashes   map[string]struct{}
}

// New returns an empty guard. A threshold outside (0,1] selects DefaultThreshold.
func New(hasher fingerprint.Hasher, similarity Similarity, threshold float64) *Guard {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Guard{
		hasher:     hasher,
		similarity: similarity,
		threshold:  threshold,
		hashes:     make(map[string]struct{}),
	}
}

// Threshold returns the similarity limit in use.
func (g *Guard) Threshold() float64 { return g.threshold }

// IsDuplicate reports whether candidate matches an accepted image. Hashing
// errors are logged and treated as not duplicate.
func (g *Guard) IsDuplicate(candidate image.Image) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	dup, _ := g.check(candidate)
	return dup
}

// TryAdd registers candidate unless it duplicates an accepted image. It
// returns true when the image was accepted.
func (g *Guard) TryAdd(candidate image.Image) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	dup, key := g.check(candidate)
	if dup {
		return false
	}
	g.accepted = append(g.accepted, candidate)
	if key != "" {
		g.hashes[key] = struct{}{}
	}
	return true
}

// Accepted returns the images registered so far, oldest first.
func (g *Guard) Accepted() []image.Image {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]image.Image, len(g.accepted))
	copy(out, g.accepted)
	return out
}

// Len returns the number of accepted images.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.accepted)
}

// Clear forgets every accepted image and fingerprint.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accepted = nil
	g.hashes = make(map[string]struct{})
}

// check must be called with mu held. It returns the candidate's fingerprint so
// TryAdd does not hash twice; the key is empty when hashing failed.
func (g *Guard) check(candidate image.Image) (bool, string) {
	if candidate == nil || candidate.Bounds().Empty() {
		log.Warn().Msg("Duplicate check received an empty image, treating as not duplicate")
		return false, ""
	}

	key, err := g.hasher.Hash(candidate)
	if err != nil {
		log.Warn().Err(err).Str("hasher", g.hasher.Name()).Msg("Fingerprint failed, skipping exact duplicate check")
		key = ""
	} else if _, ok := g.hashes[key]; ok {
		return true, key
	}

	for _, existing := range g.accepted {
		if g.similarity.Similarity(candidate, existing) > g.threshold {
			return true, key
		}
	}
	return false, key
}
