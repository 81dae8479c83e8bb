package ml

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cvalentine99/honeyclass/internal/integrity"
	"github.com/cvalentine99/honeyclass/internal/models"
)

// cacheKeyRunes bounds how much of the command and path feed the cache key.
const cacheKeyRunes = 100

type cacheEntry struct {
	prediction Prediction
	insertedAt time.Time
}

// PredictionCache is a bounded LRU of predictions with lazy TTL expiry.
// An entry older than the TTL is treated as absent and dropped on access.
// Safe for concurrent use; concurrent writes to one key are last-write-wins.
//
// Every Clear starts a new generation. PutIf refuses writes from a caller
// that read the generation before the most recent Clear, so a prediction
// made by a replaced model set never outlives the reload.
type PredictionCache struct {
	ttl     time.Duration
	entries *lru.Cache[string, cacheEntry]
	now     func() time.Time

	mu  sync.Mutex // orders PutIf against Clear
	gen atomic.Uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewPredictionCache creates a cache holding at most size entries. A size
// of zero or less disables caching; a ttl of zero or less never expires.
func NewPredictionCache(size int, ttl time.Duration) (*PredictionCache, error) {
	c := &PredictionCache{ttl: ttl, now: time.Now}
	if size <= 0 {
		return c, nil
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// CacheKey digests the fields that identify a repeated attack. Fields are
// length-prefixed, so text moving between the command and the path changes
// the key.
func CacheKey(r models.AttackRecord) string {
	return integrity.SumFields(
		r.SourceIP,
		r.ServiceType,
		truncateRunes(r.Command, cacheKeyRunes),
		truncateRunes(r.Path, cacheKeyRunes),
	)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Get returns a live entry for key.
func (c *PredictionCache) Get(key string) (Prediction, bool) {
	if c.entries == nil {
		c.misses.Add(1)
		return Prediction{}, false
	}
	e, ok := c.entries.Get(key)
	if ok && c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl {
		c.entries.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return Prediction{}, false
	}
	c.hits.Add(1)
	return e.prediction, true
}

// Generation returns the current generation.
func (c *PredictionCache) Generation() uint64 {
	return c.gen.Load()
}

// PutIf stores p under key unless the cache was cleared after gen was
// read. It reports whether p was stored.
func (c *PredictionCache) PutIf(gen uint64, key string, p Prediction) bool {
	if c.entries == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return false
	}
	c.entries.Add(key, cacheEntry{prediction: p, insertedAt: c.now()})
	return true
}

// Clear empties the cache and starts a new generation.
func (c *PredictionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	if c.entries != nil {
		c.entries.Purge()
	}
}

// Len returns the number of stored entries, including expired ones not yet
// accessed.
func (c *PredictionCache) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// Stats returns hit and miss counts since creation.
func (c *PredictionCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
