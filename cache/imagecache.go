// Package cache holds preprocessed guide images in a bounded LRU with TTL,
// so reconnecting the same image to the same ControlNet kind does not hit
// the preprocessing API again.
package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hako/durafmt"
	"github.com/zeebo/blake3"

	"github.com/synthflow/synthflow/graphapi"
)

// Options configures an ImageCache.  All limits are hard limits.
type Options struct {
	MaxEntries      int           `validate:"gt=0"`
	MaxMemoryMB     float64       `validate:"gt=0"`
	TTL             time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gte=0"`
}

// DefaultOptions mirror what the editor ships with.
func DefaultOptions() Options {
	return Options{
		MaxEntries:      50,
		MaxMemoryMB:     100,
		TTL:             30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// entrySizeOverhead accounts for the entry bookkeeping beyond the strings.
const entrySizeOverhead = 160

type cacheEntry struct {
	key          string
	data         *graphapi.PreprocessedImage
	size         int64
	accessCount  int64
	lastAccessed time.Time
	storedAt     time.Time
}

// Stats is a snapshot of cache effectiveness and occupancy.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Entries  int
	MemoryMB float64
}

// ImageCache is a bounded LRU+TTL store of preprocessed images keyed by
// (source image URL, preprocessor kind).  All methods are safe for
// concurrent use.  Construct with NewImageCache and release the background
// sweeper with Stop.
type ImageCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = least recently used
	memBytes int64
	hits     uint64
	misses   uint64
	opts     Options

	now  func() time.Time
	done chan struct{}
	stop sync.Once
}

// NewImageCache creates a cache and, if CleanupInterval is non-zero, starts
// the periodic expiry sweep.
func NewImageCache(opts Options) (*ImageCache, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid cache options: %w", err)
	}

	c := &ImageCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		opts:    opts,
		now:     time.Now,
		done:    make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go c.runCleanup()
	}
	return c, nil
}

// Stop ends the background sweep.  The cache remains usable.
func (c *ImageCache) Stop() {
	c.stop.Do(func() { close(c.done) })
}

func (c *ImageCache) runCleanup() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.removeExpired()
			c.enforceCapacity(0)
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Key derives the cache key for a source image and preprocessor pair.
func Key(imageURL string, preprocessor graphapi.PreprocessorKind) string {
	sum := blake3.Sum256([]byte(imageURL + "\x00" + string(preprocessor)))
	return fmt.Sprintf("%x", sum[:16])
}

// Get returns the cached result for (imageURL, preprocessor), or nil on a
// miss.  An entry past its TTL is deleted on access and counts as a miss.
// A hit refreshes the entry's recency and access bookkeeping.
func (c *ImageCache) Get(imageURL string, preprocessor graphapi.PreprocessorKind) *graphapi.PreprocessedImage {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[Key(imageURL, preprocessor)]
	if !ok {
		c.misses++
		return nil
	}

	entry := elem.Value.(*cacheEntry)
	if c.expired(entry) {
		c.remove(elem)
		c.misses++
		return nil
	}

	entry.lastAccessed = c.now()
	entry.accessCount++
	c.order.MoveToBack(elem)
	c.hits++
	return entry.data
}

// Has reports whether a live entry exists for the pair.  Expired entries
// are deleted like in Get, but neither counter moves and recency is not
// refreshed.
func (c *ImageCache) Has(imageURL string, preprocessor graphapi.PreprocessorKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[Key(imageURL, preprocessor)]
	if !ok {
		return false
	}
	if c.expired(elem.Value.(*cacheEntry)) {
		c.remove(elem)
		return false
	}
	return true
}

// Set stores a preprocessing result, evicting expired and least recently
// used entries first so the count and memory budgets hold.
func (c *ImageCache) Set(imageURL string, preprocessor graphapi.PreprocessorKind, data *graphapi.PreprocessedImage) {
	if data == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(data)
	c.removeExpired()
	c.enforceCapacity(size)

	key := Key(imageURL, preprocessor)
	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
	}

	entry := &cacheEntry{
		key:          key,
		data:         data,
		size:         size,
		accessCount:  0,
		lastAccessed: c.now(),
		storedAt:     c.now(),
	}
	c.entries[key] = c.order.PushBack(entry)
	c.memBytes += size
}

// Stats returns the current hit/miss counters and occupancy.
func (c *ImageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Entries:  len(c.entries),
		MemoryMB: float64(c.memBytes) / (1024 * 1024),
	}
}

// DebugInfo renders a human readable per-entry dump, most recently used
// first.
func (c *ImageCache) DebugInfo() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "image cache: %d entries, %.2f MB, %d hits, %d misses\n",
		len(c.entries), float64(c.memBytes)/(1024*1024), c.hits, c.misses)
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		age := durafmt.Parse(c.now().Sub(entry.storedAt).Round(time.Second)).LimitFirstN(2)
		fmt.Fprintf(&b, "  %s %-8s %6d B  age %-16s accessed %d times\n",
			entry.key[:8], entry.data.Preprocessor, entry.size, age, entry.accessCount)
	}
	return b.String()
}

func (c *ImageCache) expired(entry *cacheEntry) bool {
	return c.now().Sub(entry.storedAt) > c.opts.TTL
}

func (c *ImageCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.memBytes -= entry.size
}

func (c *ImageCache) removeExpired() {
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		if c.expired(elem.Value.(*cacheEntry)) {
			c.remove(elem)
		}
	}
}

// enforceCapacity evicts least recently used entries until incoming bytes
// fit both the entry and memory budgets.
func (c *ImageCache) enforceCapacity(incoming int64) {
	budget := int64(c.opts.MaxMemoryMB * 1024 * 1024)
	for c.order.Len() > 0 &&
		(len(c.entries) >= c.opts.MaxEntries || c.memBytes+incoming > budget) {
		c.remove(c.order.Front())
	}
}

// estimateSize approximates the resident byte size of an entry.  String
// payloads count at two bytes per character, matching the editor's UTF-16
// accounting, plus a fixed overhead for the bookkeeping fields.
func estimateSize(data *graphapi.PreprocessedImage) int64 {
	chars := len(data.GuideImageURL) + len(data.Preprocessor) + len(data.SourceImageUUID)
	return int64(chars)*2 + entrySizeOverhead
}
