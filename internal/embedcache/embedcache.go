// Package embedcache implements EmbeddingCache (C9): a per-project LRU of
// embedding vectors keyed by the full SHA-256 of the source text, with
// idle per-project maps evicted after inactivity. The LRU cache itself is
// grounded on the pack's Factory.newLLMCache usage of
// github.com/hashicorp/golang-lru/v2; the per-project idle-eviction shape
// reuses internal/projectreg.
package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sidecarhost/hostd/internal/projectreg"
)

// DefaultCapacity is the per-project entry cap from §4.9.
const DefaultCapacity = 500

// Key hashes text to the cache key. The full digest is kept — never
// truncated — so distinct texts never collide into the same entry.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// projectCache wraps one project's LRU so it satisfies
// projectreg.Shutdownable; the LRU itself needs no teardown, so Shutdown
// is a no-op beyond making the type eligible for the registry.
type projectCache struct {
	lru *lru.Cache[string, []float64]
}

func (p *projectCache) Shutdown() {}

func newProjectCache(capacity int) *projectCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[string, []float64](capacity)
	if err != nil {
		// Only returned by golang-lru for a non-positive size, already
		// guarded above.
		panic(err)
	}
	return &projectCache{lru: c}
}

// Cache is the per-project embedding LRU, keyed first by project key and
// then by the full SHA-256 of the embedded text.
type Cache struct {
	capacity int
	projects *projectreg.Registry[*projectCache]
}

// New constructs a Cache. idleTimeout governs how long an inactive
// project's embeddings are retained before eviction; zero uses
// projectreg's default (30 minutes, per §4.9).
func New(capacity int, idleTimeout time.Duration, log *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		projects: projectreg.New[*projectCache](projectreg.DefaultSweepInterval, idleTimeout, log),
	}
	c.projects.Start()
	return c
}

// Close stops the idle-eviction sweeper.
func (c *Cache) Close() {
	c.projects.Stop()
}

func (c *Cache) projectCacheFor(projectKey string) *projectCache {
	return c.projects.GetOrCreate(projectKey, func() *projectCache {
		return newProjectCache(c.capacity)
	})
}

// Get looks up a single cached embedding for text under projectKey.
func (c *Cache) Get(projectKey, text string) ([]float64, bool) {
	pc := c.projectCacheFor(projectKey)
	return pc.lru.Get(Key(text))
}

// Put stores a single embedding.
func (c *Cache) Put(projectKey, text string, vector []float64) {
	pc := c.projectCacheFor(projectKey)
	pc.lru.Add(Key(text), vector)
}

// BatchResult is one text's outcome from BatchGet.
type BatchResult struct {
	Text   string
	Vector []float64
	Hit    bool
}

// BatchGet consults the cache for every text under projectKey, preserving
// input order. Callers embed only the texts reported as misses and then
// call Put (or BatchPut) to populate the cache before returning results.
func (c *Cache) BatchGet(projectKey string, texts []string) []BatchResult {
	pc := c.projectCacheFor(projectKey)
	results := make([]BatchResult, len(texts))
	for i, text := range texts {
		vec, ok := pc.lru.Get(Key(text))
		results[i] = BatchResult{Text: text, Vector: vec, Hit: ok}
	}
	return results
}

// BatchPut stores the embeddings computed for a batch of cache misses.
func (c *Cache) BatchPut(projectKey string, texts []string, vectors [][]float64) {
	pc := c.projectCacheFor(projectKey)
	n := len(texts)
	if len(vectors) < n {
		n = len(vectors)
	}
	for i := 0; i < n; i++ {
		pc.lru.Add(Key(texts[i]), vectors[i])
	}
}

// Len reports the number of cached entries for one project, for tests
// and diagnostics.
func (c *Cache) Len(projectKey string) int {
	pc := c.projectCacheFor(projectKey)
	return pc.lru.Len()
}

// ProjectCount reports how many projects currently hold a live cache.
func (c *Cache) ProjectCount() int {
	return c.projects.Len()
}

// Evict drops a single project's cache immediately, used when a project
// is explicitly closed rather than left to idle out.
func (c *Cache) Evict(projectKey string) {
	c.projects.Remove(projectKey)
}
