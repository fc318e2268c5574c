// Package index implements the vector index half of the dual-store cache on
// SQLite: one row per entity holding the embedding BLOB, the embedded source
// text, and display metadata.
//
// The index is a derived cache. It can always be rebuilt from a key-value
// scan (RebuildFrom), which is also the recovery path when the integrity
// check on open fails.
package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/crmkit/crmcache/internal/storage"
	"github.com/crmkit/crmcache/pkg/types"
)

// ErrCorrupted indicates the index failed its integrity check on open.
// Callers recover by reopening with Recreate and running RebuildFrom;
// query callers never see this error.
var ErrCorrupted = errors.New("index: corrupted")

// ErrDimensionMismatch indicates a vector whose length differs from the
// dimension the index was fixed to by its first upsert.
var ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")

// queryMaxCandidates caps how many embeddings one query loads into memory.
// Candidates are taken newest-first, so recently refreshed entities are
// always considered. Typical CRM mirrors stay far below this.
const queryMaxCandidates = 50_000

const schema = `
CREATE TABLE IF NOT EXISTS vectors (
	id           TEXT PRIMARY KEY,
	object_type  TEXT NOT NULL,
	object_id    TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	dimension    INTEGER NOT NULL,
	source_text  TEXT NOT NULL,
	metadata     TEXT,
	refreshed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_type ON vectors(object_type);
`

// Entry is one vector index row: a derived, disposable projection of an
// EntityRecord.
type Entry struct {
	ObjectType  types.ObjectType
	ObjectID    string
	Embedding   []float64
	SourceText  string
	Metadata    map[string]string
	RefreshedAt time.Time
}

// ID returns the composite id the entry is addressed by, identical to the
// key-value storage key.
func (e *Entry) ID() string {
	return types.EntityKey(e.ObjectType, e.ObjectID)
}

// Hit is one query result: an entry plus its cosine similarity in [-1, 1].
type Hit struct {
	Entry      Entry
	Similarity float64
}

// Index is a SQLite-backed vector index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if missing) the index database and verifies its
// integrity. On a failed check it returns ErrCorrupted; reopen with
// Recreate to drop the file's contents and rebuild from the entity store.
func Open(path string) (*Index, error) {
	return open(path, false)
}

// Recreate opens the index database after dropping any existing vectors
// table. Used to recover from ErrCorrupted.
func Recreate(path string) (*Index, error) {
	return open(path, true)
}

func open(path string, recreate bool) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: index: open %s: %v", storage.ErrStorageIO, path, err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection also makes same-id upserts arrive in order.
	db.SetMaxOpenConns(1)

	if recreate {
		if _, err := db.Exec(`DROP TABLE IF EXISTS vectors`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: index: drop vectors: %v", storage.ErrStorageIO, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		if recreate {
			return nil, fmt.Errorf("%w: index: create schema: %v", storage.ErrStorageIO, err)
		}
		return nil, fmt.Errorf("%w: schema unusable: %v", ErrCorrupted, err)
	}

	if !recreate {
		if err := integrityCheck(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Index{db: db}, nil
}

// PathUnderRoot returns the conventional index file below a storage root.
func PathUnderRoot(storageRoot string) string {
	return filepath.Join(storageRoot, "index.db")
}

// integrityCheck runs SQLite's quick_check and verifies the vectors rows
// decode. A malformed database or undecodable blob reports ErrCorrupted.
func integrityCheck(db *sql.DB) error {
	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: quick_check: %v", ErrCorrupted, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrCorrupted, result)
	}
	var bad int
	err := db.QueryRow(`SELECT COUNT(*) FROM vectors WHERE length(embedding) != dimension * 8`).Scan(&bad)
	if err != nil {
		return fmt.Errorf("%w: blob audit: %v", ErrCorrupted, err)
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d vectors with truncated embeddings", ErrCorrupted, bad)
	}
	return nil
}

// Upsert inserts or atomically replaces the entry for its composite id.
// A single SQL statement means callers never observe zero or two rows for
// one id.
func (x *Index) Upsert(ctx context.Context, e *Entry) error {
	if e == nil || e.ObjectType == "" || e.ObjectID == "" {
		return fmt.Errorf("%w: index: entry needs object type and id", storage.ErrInvalidInput)
	}
	if len(e.Embedding) == 0 {
		return fmt.Errorf("%w: index: entry needs an embedding", storage.ErrInvalidInput)
	}

	dim, err := x.Dimension(ctx)
	if err != nil {
		return err
	}
	if dim != 0 && dim != len(e.Embedding) {
		return fmt.Errorf("%w: got %d, index holds %d", ErrDimensionMismatch, len(e.Embedding), dim)
	}

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("index: marshal metadata for %s: %w", e.ID(), err)
	}

	_, err = x.db.ExecContext(ctx, `
		INSERT INTO vectors (id, object_type, object_id, embedding, dimension, source_text, metadata, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding    = excluded.embedding,
			dimension    = excluded.dimension,
			source_text  = excluded.source_text,
			metadata     = excluded.metadata,
			refreshed_at = excluded.refreshed_at
	`, e.ID(), string(e.ObjectType), e.ObjectID,
		serializeEmbedding(e.Embedding), len(e.Embedding),
		e.SourceText, string(metaJSON), e.RefreshedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: index: upsert %s: %v", storage.ErrStorageIO, e.ID(), err)
	}
	return nil
}

// Remove deletes the entry for (objectType, objectId). Removing an absent
// id is a no-op.
func (x *Index) Remove(ctx context.Context, objectType types.ObjectType, objectID string) error {
	id := types.EntityKey(objectType, objectID)
	if _, err := x.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: index: remove %s: %v", storage.ErrStorageIO, id, err)
	}
	return nil
}

// Query returns the k entries most similar to the query embedding, ranked
// by cosine similarity descending, ties broken by refreshed_at descending
// then id ascending so results are deterministic. An empty index returns an
// empty slice, not an error.
func (x *Index) Query(ctx context.Context, embedding []float64, k int) ([]Hit, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT object_type, object_id, embedding, dimension, source_text, metadata, refreshed_at
		FROM vectors
		ORDER BY refreshed_at DESC
		LIMIT ?`, queryMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("%w: index: query: %v", storage.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{
			Entry:      *entry,
			Similarity: cosineSimilarity(embedding, entry.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: index: query rows: %v", storage.ErrStorageIO, err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if !hits[i].Entry.RefreshedAt.Equal(hits[j].Entry.RefreshedAt) {
			return hits[i].Entry.RefreshedAt.After(hits[j].Entry.RefreshedAt)
		}
		return hits[i].Entry.ID() < hits[j].Entry.ID()
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get returns the entry for a composite id, or storage.ErrNotFound. Mostly
// useful to tests and the rebuild path.
func (x *Index) Get(ctx context.Context, objectType types.ObjectType, objectID string) (*Entry, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT object_type, object_id, embedding, dimension, source_text, metadata, refreshed_at
		FROM vectors WHERE id = ?`, types.EntityKey(objectType, objectID))
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return entry, err
}

// Count returns the number of entries in the index.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: index: count: %v", storage.ErrStorageIO, err)
	}
	return n, nil
}

// Dimension returns the embedding dimension the index holds, or 0 when the
// index is empty. The dimension is fixed by the first upsert.
func (x *Index) Dimension(ctx context.Context) (int, error) {
	var dim int
	err := x.db.QueryRowContext(ctx, `SELECT dimension FROM vectors LIMIT 1`).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: index: dimension: %v", storage.ErrStorageIO, err)
	}
	return dim, nil
}

// Embedder is the slice of the embedding cache RebuildFrom needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// RebuildFrom wipes the index and repopulates it from a sequence of entity
// records, re-embedding each record's source text. With a warm embedding
// cache no model calls are made. Records that fail to embed are skipped and
// counted; the first skipped error is returned alongside the counts only if
// every record failed.
func (x *Index) RebuildFrom(ctx context.Context, records iter.Seq2[*types.EntityRecord, error], embed Embedder) (rebuilt, skipped int, err error) {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
		return 0, 0, fmt.Errorf("%w: index: clear before rebuild: %v", storage.ErrStorageIO, err)
	}

	var firstErr error
	for record, recErr := range records {
		if recErr != nil {
			skipped++
			if firstErr == nil {
				firstErr = recErr
			}
			continue
		}
		vec, embErr := embed.Embed(ctx, record.SourceText())
		if embErr != nil {
			skipped++
			if firstErr == nil {
				firstErr = embErr
			}
			continue
		}
		upErr := x.Upsert(ctx, &Entry{
			ObjectType:  record.ObjectType,
			ObjectID:    record.ObjectID,
			Embedding:   vec,
			SourceText:  record.SourceText(),
			Metadata:    record.DisplayMetadata(),
			RefreshedAt: record.RefreshedAt,
		})
		if upErr != nil {
			skipped++
			if firstErr == nil {
				firstErr = upErr
			}
			continue
		}
		rebuilt++
	}

	if rebuilt == 0 && skipped > 0 {
		return rebuilt, skipped, fmt.Errorf("index: rebuild produced no entries: %w", firstErr)
	}
	return rebuilt, skipped, nil
}

// Close releases the underlying database.
func (x *Index) Close() error {
	return x.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		objectType, objectID, sourceText string
		blob                             []byte
		dim                              int
		metaJSON                         sql.NullString
		refreshedAt                      time.Time
	)
	if err := s.Scan(&objectType, &objectID, &blob, &dim, &sourceText, &metaJSON, &refreshedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("index: scan entry: %w", err)
	}

	embedding, err := deserializeEmbedding(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("index: entry %s_%s: %w", objectType, objectID, err)
	}

	entry := &Entry{
		ObjectType:  types.ObjectType(objectType),
		ObjectID:    objectID,
		Embedding:   embedding,
		SourceText:  sourceText,
		RefreshedAt: refreshedAt,
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("index: unmarshal metadata for %s: %w", entry.ID(), err)
		}
	}
	return entry, nil
}

// serializeEmbedding packs a float64 slice as little-endian IEEE 754 bytes,
// 8 bytes per component.
func serializeEmbedding(embedding []float64) []byte {
	buf := make([]byte, len(embedding)*8)
	for i, v := range embedding {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// deserializeEmbedding unpacks a little-endian float64 blob, validating the
// size against the stored dimension.
func deserializeEmbedding(buf []byte, dimension int) ([]float64, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*8 {
		return nil, fmt.Errorf("embedding blob size mismatch: expected %d bytes, got %d", dimension*8, len(buf))
	}
	embedding := make([]float64, dimension)
	for i := range embedding {
		embedding[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return embedding, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 when either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
