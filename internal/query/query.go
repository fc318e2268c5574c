// Package query is the read side of the cache: exact lookups and type
// listings answered from the key-value store, semantic search answered from
// the vector index and resolved back through the key-value store.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/crmkit/crmcache/internal/index"
	"github.com/crmkit/crmcache/internal/storage"
	"github.com/crmkit/crmcache/pkg/types"
)

// Embedder embeds query text with the same model used at refresh time.
// Mixing models between write and read makes similarities meaningless, so
// the service must be built with the refresh path's embedding cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Service answers read requests. All methods are safe for concurrent use.
type Service struct {
	store storage.EntityStore
	idx   *index.Index
	embed Embedder
}

// New creates a query service over the shared stores.
func New(store storage.EntityStore, idx *index.Index, embed Embedder) *Service {
	return &Service{store: store, idx: idx, embed: embed}
}

// Lookup returns one entity by type and identifier. A miss is
// storage.ErrNotFound; the service never falls through to the remote CRM.
func (s *Service) Lookup(ctx context.Context, objectType types.ObjectType, objectID string) (*types.EntityRecord, error) {
	return s.store.Get(ctx, objectType, objectID)
}

// ListByType returns cached entities of one type, most recently refreshed
// first, identifier ascending on ties. limit <= 0 means no limit.
func (s *Service) ListByType(ctx context.Context, objectType types.ObjectType, limit int) ([]*types.EntityRecord, error) {
	var records []*types.EntityRecord
	for record, err := range s.store.ScanType(ctx, objectType) {
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", objectType, err)
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].RefreshedAt.Equal(records[j].RefreshedAt) {
			return records[i].RefreshedAt.After(records[j].RefreshedAt)
		}
		return records[i].ObjectID < records[j].ObjectID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// LastRefreshed reports when a type was last fully refreshed, so callers
// can judge staleness. Zero time means the type has never been refreshed.
func (s *Service) LastRefreshed(ctx context.Context, objectType types.ObjectType) (time.Time, error) {
	return s.store.LastRefreshed(ctx, objectType)
}

// overFetchFactor widens the index query when a type filter will discard
// part of the candidate list.
const overFetchFactor = 3

// SemanticSearch embeds the query text and returns up to k entities ranked
// by cosine similarity, optionally restricted to one object type (empty
// typeFilter searches all types). Index entries whose key-value record has
// since been deleted are dropped, not surfaced.
func (s *Service) SemanticSearch(ctx context.Context, text string, k int, typeFilter types.ObjectType) ([]types.SearchResult, error) {
	if text == "" {
		return nil, fmt.Errorf("semantic search: empty query: %w", storage.ErrInvalidInput)
	}
	if k <= 0 {
		k = 10
	}

	vec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	fetch := k
	if typeFilter != "" {
		fetch = k * overFetchFactor
	}
	hits, err := s.idx.Query(ctx, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	results := make([]types.SearchResult, 0, k)
	for _, hit := range hits {
		if typeFilter != "" && hit.Entry.ObjectType != typeFilter {
			continue
		}
		record, err := s.store.Get(ctx, hit.Entry.ObjectType, hit.Entry.ObjectID)
		if errors.Is(err, storage.ErrNotFound) {
			// Index orphan, deleted since the last refresh.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("semantic search: resolve %s: %w", hit.Entry.ID(), err)
		}
		results = append(results, types.SearchResult{
			Rank:       len(results) + 1,
			Record:     *record,
			Similarity: hit.Similarity,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}
