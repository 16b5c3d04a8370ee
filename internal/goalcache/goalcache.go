// Package goalcache caches planning responses by goal text, with a fuzzy
// word-overlap fallback for near-duplicate goals.
package goalcache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ananta888/ananta/internal/logging"
)

// Defaults used when Config fields are zero.
const (
	DefaultMaxSize             = 100
	DefaultTTL                 = time.Hour
	DefaultSimilarityThreshold = 0.85
)

// Config tunes a Cache.
type Config struct {
	MaxSize             int           `mapstructure:"max_size" yaml:"max_size"`
	TTL                 time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// Observer is notified of every lookup. result is "hit", "similar" or "miss".
type Observer interface {
	ObserveGoalCacheLookup(result string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrDiscard(l).With("component", "goalcache") }
}

// WithObserver attaches a lookup observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

type entry struct {
	response       map[string]any
	storedAt       time.Time
	normalizedGoal string
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits              int     `json:"hits"`
	Misses            int     `json:"misses"`
	Evictions         int     `json:"evictions"`
	SimilarityMatches int     `json:"similarity_matches"`
	Size              int     `json:"size"`
	MaxSize           int     `json:"max_size"`
	HitRate           float64 `json:"hit_rate"`
}

// Cache is a size-bounded, TTL-aware goal cache. Entries are ordered by the
// time they were stored; lookups never refresh that order.
type Cache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, *entry]
	maxSize   int
	ttl       time.Duration
	threshold float64
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer

	hits, misses, evictions, similar int
}

// New creates a cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}

	c := &Cache{
		maxSize:   cfg.MaxSize,
		ttl:       cfg.TTL,
		threshold: cfg.SimilarityThreshold,
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// NewLRU only fails on a non-positive size.
	c.lru, _ = simplelru.NewLRU[string, *entry](cfg.MaxSize, nil)
	return c
}

// Normalize lowercases text, collapses whitespace and drops everything that
// is not a letter, digit or space.
func Normalize(s string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	var b strings.Builder
	b.Grow(len(collapsed))
	for _, r := range collapsed {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Key returns the 16 hex character cache key for a goal and optional context.
func Key(goal, context string) string {
	combined := Normalize(goal)
	if context != "" {
		combined += "|" + Normalize(context)
	}
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])[:16]
}

// Jaccard returns the word-set similarity of two normalized strings.
func Jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

func (c *Cache) fresh(e *entry, now time.Time) bool {
	return now.Sub(e.storedAt) <= c.ttl
}

// Get returns the cached response for goal, or for the most similar live
// entry when no exact key matches.
func (c *Cache) Get(goal, context string) (map[string]any, bool) {
	key := Key(goal, context)

	c.mu.Lock()
	resp, result := c.lookup(key, goal)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObserveGoalCacheLookup(result)
	}
	if result == "miss" {
		return nil, false
	}
	c.logger.Debug("goal cache hit", "key", key, "match", result)
	return resp, true
}

func (c *Cache) lookup(key, goal string) (map[string]any, string) {
	now := c.now()
	if e, ok := c.lru.Peek(key); ok && c.fresh(e, now) {
		c.hits++
		return e.response, "hit"
	}

	normalized := Normalize(goal)
	var (
		best      *entry
		bestScore float64
	)
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok || !c.fresh(e, now) {
			continue
		}
		score := Jaccard(normalized, e.normalizedGoal)
		if score >= c.threshold && score > bestScore {
			best, bestScore = e, score
		}
	}
	if best != nil {
		c.hits++
		c.similar++
		return best.response, "similar"
	}
	c.misses++
	return nil, "miss"
}

// Set stores response under goal and context. When the cache is full and
// the key is new the entry stored longest ago is evicted.
func (c *Cache) Set(goal string, response map[string]any, context string) {
	key := Key(goal, context)

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := c.lru.Add(key, &entry{
		response:       response,
		storedAt:       c.now(),
		normalizedGoal: Normalize(goal),
	})
	if evicted {
		c.evictions++
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.evictions,
		SimilarityMatches: c.similar,
		Size:              c.lru.Len(),
		MaxSize:           c.maxSize,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = math.Round(float64(c.hits)/float64(total)*1000) / 1000
	}
	return s
}
