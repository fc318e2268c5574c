package embed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/ristretto"
	"github.com/minio/highwayhash"
	"golang.org/x/sync/singleflight"

	"github.com/crmkit/crmcache/internal/storage"
)

// hashKey seeds the content hash. Fixed so hashes stay stable across
// restarts; the memo is keyed by content, not protected by it.
var hashKey = []byte("crmcache-embedding-content-hash!")

// cacheKeyPrefix namespaces memo entries inside the shared key-value store,
// out of the way of entity records and bookkeeping keys.
const cacheKeyPrefix = "emb_"

// PersistentStore is the slice of the key-value store the cache persists
// memo entries through.
type PersistentStore interface {
	RawGet(ctx context.Context, key string) ([]byte, error)
	RawSet(ctx context.Context, key string, value []byte) error
}

// Cache memoizes a Generator by content hash. Identical text is embedded by
// the model at most once for the lifetime of the storage root: hits are
// served from a bounded in-memory layer or from the persistent store, and
// concurrent misses for the same text collapse into a single in-flight
// model call. Text-to-vector is a pure function of the model version, which
// is fixed for the process lifetime, so entries are never invalidated.
type Cache struct {
	gen      Generator
	store    PersistentStore
	hot      *ristretto.Cache
	inflight singleflight.Group
}

// NewCache creates an embedding cache over gen, persisting through store.
func NewCache(gen Generator, store PersistentStore) (*Cache, error) {
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,  // keys tracked for admission
		MaxCost:     64 << 20, // bytes of vectors held hot
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: create hot cache: %w", err)
	}
	return &Cache{gen: gen, store: store, hot: hot}, nil
}

// Embed returns the embedding for text, computing it through the underlying
// generator only on a cold miss. Safe for concurrent use; calls for
// different texts never contend with each other.
func (c *Cache) Embed(ctx context.Context, text string) ([]float64, error) {
	key, err := c.contentKey(text)
	if err != nil {
		return nil, err
	}

	if v, ok := c.hot.Get(key); ok {
		return v.([]float64), nil
	}

	if vec, err := c.lookupPersisted(ctx, key); err == nil {
		return vec, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Single-flight is scoped to the content hash: N concurrent callers
	// with identical text share one model invocation, unrelated texts
	// proceed in parallel.
	result, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		// A loser of an earlier race may have persisted the vector
		// between our lookup and this closure.
		if vec, err := c.lookupPersisted(ctx, key); err == nil {
			return vec, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		raw, err := c.gen.Embed(ctx, text)
		if err != nil {
			if errors.Is(err, ErrEmbedding) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
		}

		vec := make([]float64, len(raw))
		for i, v := range raw {
			vec[i] = float64(v)
		}

		if err := c.store.RawSet(ctx, key, packVector(vec)); err != nil {
			return nil, err
		}
		c.hot.Set(key, vec, int64(len(vec)*8))
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}

// Model returns the underlying generator's model name.
func (c *Cache) Model() string {
	return c.gen.Model()
}

// Close releases the in-memory layer. The persistent store is owned by the
// caller and stays open.
func (c *Cache) Close() {
	c.hot.Close()
}

// lookupPersisted reads and unpacks a memo entry, promoting it to the hot
// layer on success.
func (c *Cache) lookupPersisted(ctx context.Context, key string) ([]float64, error) {
	raw, err := c.store.RawGet(ctx, key)
	if err != nil {
		return nil, err
	}
	vec, err := unpackVector(raw)
	if err != nil {
		return nil, fmt.Errorf("embed: corrupt memo entry %s: %w", key, err)
	}
	c.hot.Set(key, vec, int64(len(vec)*8))
	return vec, nil
}

// contentKey hashes text into the memo key. The model name is part of the
// key so mirrors that change models start from a clean namespace instead of
// serving vectors from the wrong space.
func (c *Cache) contentKey(text string) (string, error) {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		return "", fmt.Errorf("embed: content hash: %w", err)
	}
	if _, err := h.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("embed: content hash: %w", err)
	}
	return fmt.Sprintf("%s%s_%016x", cacheKeyPrefix, c.gen.Model(), h.Sum64()), nil
}

// packVector serializes a vector as little-endian IEEE 754 float64 bytes.
func packVector(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// unpackVector deserializes a little-endian float64 blob.
func unpackVector(buf []byte) ([]float64, error) {
	if len(buf) == 0 || len(buf)%8 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 8", len(buf))
	}
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}
