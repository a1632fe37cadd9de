// Package cache persists the outputs of completed variation runs, keyed by the
// source image content and the generation parameters.
//
// The index is a JSON document inside the cache directory. Every operation is
// a read-modify-write of that document under both an in-process mutex and a
// file lock, so several processes can share one cache directory.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/fingerprint"
	"github.com/fpang/gemini-variations/internal/storage"
)

const (
	// IndexFile is the name of the index document inside the cache directory.
	IndexFile = "cache_index.json"
	// LockFile guards IndexFile across processes.
	LockFile = ".index.lock"

	indexVersion = 1
)

// EvictionTarget is the fraction of the budget eviction shrinks the cache to.
const EvictionTarget = 0.8

// Entry describes one cached result set.
type Entry struct {
	Key       string         `json:"key"`
	Locations []string       `json:"locations"`
	Source    string         `json:"source"`
	Params    map[string]any `json:"params,omitempty"`
	// SourceMeta is descriptive metadata of the source image, such as EXIF
	// camera and capture time.
	SourceMeta map[string]string `json:"source_metadata,omitempty"`
	SizeBytes  int64             `json:"size_bytes"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsed   time.Time         `json:"last_used"`
	Seq        uint64            `json:"seq"`
}

// Metadata accompanies a Put.
type Metadata struct {
	Source     string
	Params     map[string]any
	SourceMeta map[string]string
}

// Stats summarizes cache activity for this process and the shared index size.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Evictions     int64 `json:"evictions"`
	Entries       int   `json:"entries"`
	TotalBytes    int64 `json:"total_bytes"`
	BudgetBytes   int64 `json:"budget_bytes"`
}

type index struct {
	Version int               `json:"version"`
	NextSeq uint64            `json:"next_seq"`
	Entries map[string]*Entry `json:"entries"`
}

func (idx *index) totalBytes() int64 {
	var total int64
	for _, e := range idx.Entries {
		total += e.SizeBytes
	}
	return total
}

// ResultCache is safe for concurrent use by multiple goroutines and processes.
type ResultCache struct {
	dir    string
	budget int64
	fs     storage.Storage
	now    func() time.Time

	mu   sync.Mutex
	lock *flock.Flock

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// WithStorage replaces the local filesystem.
func WithStorage(s storage.Storage) Option {
	return func(c *ResultCache) { c.fs = s }
}

// New opens or creates a cache in dir limited to budgetBytes. A budget of zero
// or less disables eviction.
func New(dir string, budgetBytes int64, opts ...Option) (*ResultCache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	c := &ResultCache{
		dir:    abs,
		budget: budgetBytes,
		fs:     storage.Local{},
		now:    time.Now,
		lock:   flock.New(filepath.Join(abs, LockFile)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the absolute cache directory.
func (c *ResultCache) Dir() string { return c.dir }

// Key derives the cache key for a source file, prompt and parameters. The
// parameters are serialized with sorted keys, so insertion order never changes
// the key.
func Key(sourcePath, prompt string, params map[string]any) (string, error) {
	digest, err := fingerprint.FileDigest(sourcePath)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	canonical, err := json.Marshal(struct {
		Source string         `json:"source"`
		Prompt string         `json:"prompt"`
		Params map[string]any `json:"params"`
	}{digest, prompt, params})
	if err != nil {
		return "", fmt.Errorf("cache key: failed to serialize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the stored locations for key. An entry whose files are not all
// present is removed and reported as a miss.
func (c *ResultCache) Get(key string) ([]string, bool) {
	var out []string
	err := c.withIndex(func(idx *index) (bool, error) {
		e, ok := idx.Entries[key]
		if !ok {
			return false, nil
		}
		for _, loc := range e.Locations {
			if !c.fs.Exists(loc) {
				log.Warn().
					Str("key", key).
					Str("missing", loc).
					Msg("Cached file missing, invalidating entry")
				c.removeEntry(idx, key)
				c.invalidations.Add(1)
				return true, nil
			}
		}
		now := c.now().UTC()
		if !now.After(e.LastUsed) {
			now = e.LastUsed.Add(time.Nanosecond)
		}
		e.LastUsed = now
		out = append([]string(nil), e.Locations...)
		return true, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, treating as miss")
		out = nil
	}
	if out == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return out, true
}

// Put copies locations into the cache, records the entry and evicts least
// recently used entries if the budget is exceeded. It returns the cache-owned
// copies. Copy failures are returned. An entry larger than the whole budget is
// not stored and Put returns no locations.
func (c *ResultCache) Put(key string, locations []string, meta Metadata) ([]string, error) {
	if len(locations) == 0 {
		return nil, errors.New("cache put: no locations")
	}
	var stored []string
	err := c.withIndex(func(idx *index) (bool, error) {
		entryDir := filepath.Join(c.dir, key)
		if old, ok := idx.Entries[key]; ok {
			c.removeEntry(idx, old.Key)
		}

		var size int64
		for i, src := range locations {
			dst := filepath.Join(entryDir, fmt.Sprintf("variation_%d%s", i, filepath.Ext(src)))
			if err := c.fs.Copy(src, dst); err != nil {
				os.RemoveAll(entryDir)
				return false, fmt.Errorf("failed to cache %s: %w", src, err)
			}
			n, err := c.fs.Size(dst)
			if err != nil {
				os.RemoveAll(entryDir)
				return false, err
			}
			size += n
			stored = append(stored, dst)
		}

		if c.budget > 0 && size > c.budget {
			log.Warn().
				Str("key", key).
				Int64("size_bytes", size).
				Int64("budget_bytes", c.budget).
				Msg("Cache entry exceeds the whole budget, not caching")
			if err := os.RemoveAll(entryDir); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to delete cached files")
			}
			stored = nil
			return true, nil
		}

		now := c.now().UTC()
		idx.Entries[key] = &Entry{
			Key:        key,
			Locations:  stored,
			Source:     meta.Source,
			Params:     meta.Params,
			SourceMeta: meta.SourceMeta,
			SizeBytes:  size,
			CreatedAt:  now,
			LastUsed:   now,
			Seq:        idx.NextSeq,
		}
		idx.NextSeq++

		c.evict(idx, key)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	log.Debug().Str("key", key).Int("files", len(stored)).Msg("Cached variation results")
	return stored, nil
}

// Remove deletes key and its files. Removing an unknown key is a no-op.
func (c *ResultCache) Remove(key string) error {
	return c.withIndex(func(idx *index) (bool, error) {
		if _, ok := idx.Entries[key]; !ok {
			return false, nil
		}
		c.removeEntry(idx, key)
		return true, nil
	})
}

// Entry returns a copy of the index entry for key without touching last-used.
func (c *ResultCache) Entry(key string) (Entry, bool) {
	var out Entry
	var found bool
	err := c.withIndex(func(idx *index) (bool, error) {
		if e, ok := idx.Entries[key]; ok {
			out = *e
			out.Locations = append([]string(nil), e.Locations...)
			found = true
		}
		return false, nil
	})
	if err != nil {
		return Entry{}, false
	}
	return out, found
}

// Stats returns hit and miss counters together with the index size.
func (c *ResultCache) Stats() Stats {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Evictions:     c.evictions.Load(),
		BudgetBytes:   c.budget,
	}
	err := c.withIndex(func(idx *index) (bool, error) {
		s.Entries = len(idx.Entries)
		s.TotalBytes = idx.totalBytes()
		return false, nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cache index for stats")
	}
	return s
}

// evict removes entries in least-recently-used order, ties broken by insertion
// order, until the total is at or below EvictionTarget of the budget. The entry
// under keep is never evicted.
func (c *ResultCache) evict(idx *index, keep string) {
	if c.budget <= 0 {
		return
	}
	total := idx.totalBytes()
	if total <= c.budget {
		return
	}
	target := int64(float64(c.budget) * EvictionTarget)

	entries := make([]*Entry, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastUsed.Equal(entries[j].LastUsed) {
			return entries[i].LastUsed.Before(entries[j].LastUsed)
		}
		return entries[i].Seq < entries[j].Seq
	})

	for _, e := range entries {
		if total <= target {
			break
		}
		if e.Key == keep {
			continue
		}
		total -= e.SizeBytes
		c.removeEntry(idx, e.Key)
		c.evictions.Add(1)
		log.Info().
			Str("key", e.Key).
			Int64("freed_bytes", e.SizeBytes).
			Int64("total_bytes", total).
			Msg("Evicted cache entry")
	}
}

func (c *ResultCache) removeEntry(idx *index, key string) {
	delete(idx.Entries, key)
	if err := os.RemoveAll(filepath.Join(c.dir, key)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to delete cached files")
	}
}

// withIndex loads the index under both locks, runs fn and saves the index
// when fn reports a change.
func (c *ResultCache) withIndex(fn func(idx *index) (bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock cache index: %w", err)
	}
	defer c.lock.Unlock()

	idx := c.load()
	dirty, err := fn(idx)
	if err != nil {
		return err
	}
	if dirty {
		return c.save(idx)
	}
	return nil
}

func (c *ResultCache) load() *index {
	empty := &index{Version: indexVersion, Entries: make(map[string]*Entry)}
	data, err := os.ReadFile(filepath.Join(c.dir, IndexFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Msg("Failed to read cache index, starting empty")
		}
		return empty
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		log.Warn().Err(err).Msg("Corrupt cache index, starting empty")
		return empty
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*Entry)
	}
	return &idx
}

func (c *ResultCache) save(idx *index) error {
	idx.Version = indexVersion
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache index: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, IndexFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(c.dir, IndexFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cache index: %w", err)
	}
	return nil
}
