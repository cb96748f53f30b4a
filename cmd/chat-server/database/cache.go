package database

import (
	"encoding/binary"
	"time"

	"github.com/coocood/freecache"
	"github.com/secure-chat-hub/secure-chat-hub/internal"
)

// queryCache holds hot lookup results off the read pool. Keys are XXH3
// digests of the query name plus its arguments, values are whatever the
// store serialized.
type queryCache struct {
	c   *freecache.Cache
	ttl int // seconds
}

func newQueryCache(sizeMiB int, ttl time.Duration) *queryCache {
	if sizeMiB <= 0 {
		sizeMiB = 32
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &queryCache{
		c:   freecache.NewCache(sizeMiB * 1024 * 1024),
		ttl: int(ttl.Seconds()),
	}
}

func cacheKey(query string, args ...[]byte) []byte {
	parts := make([][]byte, 0, len(args)+1)
	parts = append(parts, []byte(query))
	parts = append(parts, args...)
	return internal.Hash128(parts...)
}

func (q *queryCache) get(key []byte) ([]byte, bool) {
	val, err := q.c.Get(key)
	if err != nil {
		return nil, false
	}
	return val, true
}

func (q *queryCache) set(key []byte, value []byte) {
	// an over-large entry is simply not cached
	_ = q.c.Set(key, value, q.ttl)
}

func (q *queryCache) del(key []byte) {
	q.c.Del(key)
}

func (q *queryCache) setUint64(key []byte, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	q.set(key, b)
}

func (q *queryCache) getUint64(key []byte) (uint64, bool) {
	b, ok := q.get(key)
	if !ok || len(b) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
