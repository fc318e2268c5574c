// Package refresh synchronizes the local stores with the remote CRM: it
// pages entities of one type from the remote client, overwrites them in the
// key-value store, re-embeds their source text, and upserts the vector
// index, one entity at a time.
//
// A remote failure aborts the remaining pages but keeps everything already
// written, while per-entity embedding or index failures only count against
// the summary.
// Refresh is idempotent and convergent, so anything left inconsistent is
// simply retried by the next call.
package refresh

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crmkit/crmcache/internal/crm"
	"github.com/crmkit/crmcache/internal/index"
	"github.com/crmkit/crmcache/internal/storage"
	"github.com/crmkit/crmcache/pkg/types"
)

// Embedder is the slice of the embedding cache the orchestrator needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Options tunes one orchestrator.
type Options struct {
	// PageSize is the remote page size (default: 100).
	PageSize int

	// MaxPages bounds how many pages one Refresh call fetches; 0 means
	// unbounded. The budget keeps a huge remote dataset from turning one
	// call into an open-ended crawl.
	MaxPages int
}

// Orchestrator drives refresh cycles over the shared stores. It never
// reads query state; queries never write refresh state. The stores are the
// only coupling.
type Orchestrator struct {
	remote crm.Client
	store  storage.EntityStore
	idx    *index.Index
	embed  Embedder
	opts   Options
}

// New creates an orchestrator.
func New(remote crm.Client, store storage.EntityStore, idx *index.Index, embed Embedder, opts Options) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Orchestrator{remote: remote, store: store, idx: idx, embed: embed, opts: opts}
}

// Refresh pulls entities of objectType from the remote source and
// re-synchronizes both stores. It returns the summary of what was done even
// when it also returns an error: a remote failure mid-listing yields the
// partial summary plus the error, and everything already written stays.
//
// Entities that vanish from the remote listing are never deleted here; use
// DeleteObject for explicit removal.
func (o *Orchestrator) Refresh(ctx context.Context, objectType types.ObjectType) (*types.RefreshSummary, error) {
	summary := &types.RefreshSummary{
		RunID:       uuid.NewString(),
		ObjectType:  objectType,
		RefreshedAt: time.Now().UTC(),
	}

	cursor := ""
	for {
		// Cancellation stops new page fetches; per-entity writes already
		// dispatched below always run to completion.
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("refresh %s run %s: %w", objectType, summary.RunID, err)
		}

		page, err := o.remote.ListObjects(ctx, objectType, cursor, o.opts.PageSize)
		if err != nil {
			return summary, fmt.Errorf("refresh %s run %s: page %d: %w", objectType, summary.RunID, summary.Pages+1, err)
		}
		summary.Pages++

		for _, obj := range page.Results {
			if obj.ID == "" {
				log.Printf("refresh %s run %s: skipping object without id", objectType, summary.RunID)
				continue
			}
			if err := o.syncEntity(ctx, objectType, obj, summary.RefreshedAt); err != nil {
				summary.Failures++
				continue
			}
			summary.Count++
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor

		if o.opts.MaxPages > 0 && summary.Pages >= o.opts.MaxPages {
			log.Printf("refresh %s run %s: page budget %d exhausted", objectType, summary.RunID, o.opts.MaxPages)
			break
		}
	}

	if err := o.store.SetLastRefreshed(ctx, objectType, summary.RefreshedAt); err != nil {
		return summary, err
	}
	log.Printf("refresh %s run %s: %d entities, %d failures, %d pages",
		objectType, summary.RunID, summary.Count, summary.Failures, summary.Pages)
	return summary, nil
}

// syncEntity applies one entity as a logical unit: KV write, embed, index
// upsert. If the index upsert (or the embedding before it) fails after the
// KV write succeeded, the record is rewritten with the pending-reindex
// sentinel so the inconsistency is visible and self-healing, never silent.
func (o *Orchestrator) syncEntity(ctx context.Context, objectType types.ObjectType, obj crm.Object, refreshedAt time.Time) error {
	record := &types.EntityRecord{
		ObjectType:  objectType,
		ObjectID:    obj.ID,
		Properties:  obj.Properties,
		RefreshedAt: refreshedAt,
	}

	if err := o.store.Put(ctx, record); err != nil {
		log.Printf("refresh: store %s: %v", record.Key(), err)
		return err
	}

	sourceText := record.SourceText()
	vec, err := o.embed.Embed(ctx, sourceText)
	if err != nil {
		log.Printf("refresh: embed %s: %v", record.Key(), err)
		return o.markPending(ctx, record, err)
	}

	err = o.idx.Upsert(ctx, &index.Entry{
		ObjectType:  objectType,
		ObjectID:    obj.ID,
		Embedding:   vec,
		SourceText:  sourceText,
		Metadata:    record.DisplayMetadata(),
		RefreshedAt: refreshedAt,
	})
	if err != nil {
		log.Printf("refresh: index %s: %v", record.Key(), err)
		return o.markPending(ctx, record, err)
	}
	return nil
}

// markPending rewrites the record with a zero RefreshedAt so the next
// refresh of its type re-embeds and re-upserts it.
func (o *Orchestrator) markPending(ctx context.Context, record *types.EntityRecord, cause error) error {
	pending := *record
	pending.RefreshedAt = time.Time{}
	if err := o.store.Put(ctx, &pending); err != nil {
		log.Printf("refresh: mark pending %s: %v (original failure: %v)", record.Key(), err, cause)
	}
	return cause
}

// DeleteObject explicitly removes an entity from both stores, key-value
// record first so a crash between the two leaves only a removable index
// orphan (which queries already drop).
func (o *Orchestrator) DeleteObject(ctx context.Context, objectType types.ObjectType, objectID string) error {
	if err := o.store.Delete(ctx, objectType, objectID); err != nil {
		return err
	}
	return o.idx.Remove(ctx, objectType, objectID)
}

// Reindex rebuilds the vector index from a full key-value scan of every
// known object type. This is the recovery path for index corruption and the
// cleanup for records left pending by earlier partial failures.
func (o *Orchestrator) Reindex(ctx context.Context) (rebuilt, skipped int, err error) {
	return o.idx.RebuildFrom(ctx, o.allRecords(ctx), o.embed)
}

// allRecords chains the per-type scans into one sequence.
func (o *Orchestrator) allRecords(ctx context.Context) func(yield func(*types.EntityRecord, error) bool) {
	return func(yield func(*types.EntityRecord, error) bool) {
		for _, t := range types.KnownObjectTypes {
			for record, err := range o.store.ScanType(ctx, t) {
				if !yield(record, err) {
					return
				}
			}
		}
	}
}
