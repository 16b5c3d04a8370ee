package goalcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

type recorder struct{ results []string }

func (r *recorder) ObserveGoalCacheLookup(result string) { r.results = append(r.results, result) }

func newCache(cfg Config) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.now)), clock
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "fix the bug", Normalize("  Fix   THE\tbug!! "))
	assert.Equal(t, "deploy v2 now", Normalize("Deploy v2, now."))
	assert.Equal(t, "", Normalize("?!"))
}

func TestKey(t *testing.T) {
	k := Key("Fix the bug", "")
	assert.Len(t, k, 16)
	assert.Equal(t, k, Key("fix   the BUG", ""))
	assert.NotEqual(t, k, Key("Fix the bug", "team-a"))
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("a b c", "c b a"), 1e-9)
	assert.InDelta(t, 0.5, Jaccard("a b", "a c b d"), 1e-9)
	assert.Zero(t, Jaccard("", "a"))
}

func TestGetAfterSet(t *testing.T) {
	c, _ := newCache(Config{})
	resp := map[string]any{"summary": "plan"}
	c.Set("Fix the login bug", resp, "")

	got, ok := c.Get("Fix the login bug", "")
	require.True(t, ok)
	assert.Equal(t, resp, got)

	_, ok = c.Get("Fix the login bug", "other context")
	// Same goal words match through similarity even under another context.
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, 2, s.Hits)
	assert.Equal(t, 1, s.SimilarityMatches)
}

func TestSimilarityThreshold(t *testing.T) {
	c, _ := newCache(Config{})
	c.Set("alpha beta gamma delta epsilon zeta", map[string]any{"v": 1}, "")

	// 6 shared of 7 total words: 0.857.
	_, ok := c.Get("alpha beta gamma delta epsilon zeta eta", "")
	assert.True(t, ok)

	c.Set("one two three four five", map[string]any{"v": 2}, "")
	// 5 shared of 6 total words: 0.833.
	_, ok = c.Get("one two three four five six", "")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, 1, s.Hits)
	assert.Equal(t, 1, s.Misses)
	assert.Equal(t, 1, s.SimilarityMatches)
	assert.Equal(t, 0.5, s.HitRate)
}

func TestBestSimilarMatchWins(t *testing.T) {
	c, _ := newCache(Config{SimilarityThreshold: 0.5})
	c.Set("a b c d", map[string]any{"v": "far"}, "")
	c.Set("a b c d e f", map[string]any{"v": "near"}, "")

	got, ok := c.Get("a b c d e", "")
	require.True(t, ok)
	assert.Equal(t, "near", got["v"])
}

func TestTTL(t *testing.T) {
	c, clock := newCache(Config{TTL: time.Minute})
	c.Set("refactor the parser", map[string]any{"v": 1}, "")

	clock.advance(time.Minute)
	_, ok := c.Get("refactor the parser", "")
	assert.True(t, ok, "entry is live at exactly the TTL")

	clock.advance(time.Second)
	_, ok = c.Get("refactor the parser", "")
	assert.False(t, ok)
}

func TestEvictsOldestBySetTime(t *testing.T) {
	c, clock := newCache(Config{MaxSize: 3})
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("goal number %d", i), map[string]any{"i": i}, "")
		clock.advance(time.Second)
	}

	// Reads do not refresh the order.
	_, ok := c.Get("goal number 0", "")
	require.True(t, ok)

	c.Set("a completely different goal", map[string]any{"i": 3}, "")

	s := c.Stats()
	assert.Equal(t, 3, s.Size)
	assert.Equal(t, 1, s.Evictions)

	assert.False(t, c.lru.Contains(Key("goal number 0", "")))
	assert.True(t, c.lru.Contains(Key("goal number 1", "")))
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c, _ := newCache(Config{MaxSize: 2})
	c.Set("first goal", map[string]any{"v": 1}, "")
	c.Set("second goal", map[string]any{"v": 2}, "")
	c.Set("first goal", map[string]any{"v": 3}, "")

	got, ok := c.Get("first goal", "")
	require.True(t, ok)
	assert.Equal(t, 3, got["v"])
	assert.Zero(t, c.Stats().Evictions)
}

func TestObserverAndClear(t *testing.T) {
	rec := &recorder{}
	c := New(Config{SimilarityThreshold: 0.6}, WithObserver(rec))
	c.Set("write tests", map[string]any{}, "")
	c.Get("write tests", "")
	c.Get("write more tests", "")
	c.Get("unrelated", "")
	assert.Equal(t, []string{"hit", "similar", "miss"}, rec.results)

	c.Clear()
	assert.Zero(t, c.Stats().Size)
}

func TestStatsEmpty(t *testing.T) {
	c, _ := newCache(Config{MaxSize: 7})
	s := c.Stats()
	assert.Equal(t, 7, s.MaxSize)
	assert.Zero(t, s.HitRate)
}
