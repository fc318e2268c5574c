package index

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crmkit/crmcache/internal/storage"
	"github.com/crmkit/crmcache/pkg/types"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func testEntry(objectType types.ObjectType, id string, embedding []float64) *Entry {
	return &Entry{
		ObjectType:  objectType,
		ObjectID:    id,
		Embedding:   embedding,
		SourceText:  string(objectType) + " " + id,
		Metadata:    map[string]string{"name": id},
		RefreshedAt: time.Now().UTC(),
	}
}

func TestUpsert_InsertThenGet(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	entry := testEntry(types.ObjectTypeCompany, "1", []float64{1, 0, 0})
	if err := idx.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := idx.Get(ctx, types.ObjectTypeCompany, "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SourceText != entry.SourceText {
		t.Errorf("SourceText mismatch: got %q, want %q", got.SourceText, entry.SourceText)
	}
	if got.Metadata["name"] != "1" {
		t.Errorf("Metadata mismatch: got %v", got.Metadata)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("Embedding mismatch: got %v", got.Embedding)
	}
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, testEntry(types.ObjectTypeCompany, "1", []float64{1, 0, 0})); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	replacement := testEntry(types.ObjectTypeCompany, "1", []float64{0, 1, 0})
	replacement.SourceText = "replaced"
	if err := idx.Upsert(ctx, replacement); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Upsert should replace, not duplicate: count %d", n)
	}

	got, err := idx.Get(ctx, types.ObjectTypeCompany, "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SourceText != "replaced" {
		t.Errorf("Expected replaced entry, got %q", got.SourceText)
	}
}

func TestUpsert_DimensionMismatch(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, testEntry(types.ObjectTypeCompany, "1", []float64{1, 0, 0})); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	err := idx.Upsert(ctx, testEntry(types.ObjectTypeCompany, "2", []float64{1, 0}))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

func TestQuery_RanksBySimilarity(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	entries := []*Entry{
		testEntry(types.ObjectTypeCompany, "exact", []float64{1, 0, 0}),
		testEntry(types.ObjectTypeCompany, "close", []float64{0.9, 0.1, 0}),
		testEntry(types.ObjectTypeCompany, "orthogonal", []float64{0, 1, 0}),
	}
	for _, e := range entries {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert %s failed: %v", e.ObjectID, err)
		}
	}

	hits, err := idx.Query(ctx, []float64{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(hits))
	}
	if hits[0].Entry.ObjectID != "exact" {
		t.Errorf("Expected exact match first, got %s", hits[0].Entry.ObjectID)
	}
	if hits[1].Entry.ObjectID != "close" {
		t.Errorf("Expected close match second, got %s", hits[1].Entry.ObjectID)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Errorf("Hits should be sorted by similarity descending: %f < %f",
			hits[0].Similarity, hits[1].Similarity)
	}
	if math.Abs(hits[0].Similarity-1.0) > 1e-9 {
		t.Errorf("Identical vectors should score 1.0, got %f", hits[0].Similarity)
	}
}

func TestQuery_DeterministicTieBreak(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"b", "a", "c"} {
		e := testEntry(types.ObjectTypeContact, id, []float64{1, 0})
		e.RefreshedAt = at
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert %s failed: %v", id, err)
		}
	}

	hits, err := idx.Query(ctx, []float64{1, 0}, 3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if hits[i].Entry.ObjectID != w {
			t.Errorf("Tie break position %d: expected %s, got %s", i, w, hits[i].Entry.ObjectID)
		}
	}
}

func TestQuery_EmptyIndex(t *testing.T) {
	idx, _ := newTestIndex(t)

	hits, err := idx.Query(context.Background(), []float64{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Query on empty index failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Empty index should return no hits, got %d", len(hits))
	}
}

func TestRemove(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, testEntry(types.ObjectTypeDeal, "1", []float64{1})); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Remove(ctx, types.ObjectTypeDeal, "1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := idx.Get(ctx, types.ObjectTypeDeal, "1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
	// Absent id is a no-op.
	if err := idx.Remove(ctx, types.ObjectTypeDeal, "1"); err != nil {
		t.Errorf("Removing an absent id should succeed, got %v", err)
	}
}

// fixedEmbedder returns a fixed vector per source text.
type fixedEmbedder struct {
	vectors map[string][]float64
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec, ok := f.vectors[text]
	if !ok {
		return nil, errors.New("no vector for text")
	}
	return vec, nil
}

func TestRebuildFrom_Repopulates(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	// Stale entry that the rebuild must clear.
	if err := idx.Upsert(ctx, testEntry(types.ObjectTypeCompany, "stale", []float64{1, 1})); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	records := []*types.EntityRecord{
		{ObjectType: types.ObjectTypeCompany, ObjectID: "1", Properties: map[string]string{"name": "one"}, RefreshedAt: time.Now()},
		{ObjectType: types.ObjectTypeCompany, ObjectID: "2", Properties: map[string]string{"name": "two"}, RefreshedAt: time.Now()},
	}
	embedder := &fixedEmbedder{vectors: map[string][]float64{
		records[0].SourceText(): {1, 0},
		records[1].SourceText(): {0, 1},
	}}

	seq := func(yield func(*types.EntityRecord, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}

	rebuilt, skipped, err := idx.RebuildFrom(ctx, seq, embedder)
	if err != nil {
		t.Fatalf("RebuildFrom failed: %v", err)
	}
	if rebuilt != 2 || skipped != 0 {
		t.Errorf("Expected 2 rebuilt, 0 skipped, got %d/%d", rebuilt, skipped)
	}

	if _, err := idx.Get(ctx, types.ObjectTypeCompany, "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Rebuild should clear stale entries, got %v", err)
	}
	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries after rebuild, got %d", n)
	}
}

func TestRebuildFrom_SkipsFailedEmbeddings(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	records := []*types.EntityRecord{
		{ObjectType: types.ObjectTypeCompany, ObjectID: "good", Properties: map[string]string{"name": "ok"}},
		{ObjectType: types.ObjectTypeCompany, ObjectID: "bad", Properties: map[string]string{"name": "fails"}},
	}
	embedder := &fixedEmbedder{vectors: map[string][]float64{
		records[0].SourceText(): {1, 0},
	}}

	seq := func(yield func(*types.EntityRecord, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}

	rebuilt, skipped, err := idx.RebuildFrom(ctx, seq, embedder)
	if err != nil {
		t.Fatalf("Partial rebuild should not error: %v", err)
	}
	if rebuilt != 1 || skipped != 1 {
		t.Errorf("Expected 1 rebuilt, 1 skipped, got %d/%d", rebuilt, skipped)
	}
}

func TestOpen_CorruptFileRecoversViaRecreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database at all"), 0o644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	_, err := Open(path)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Expected ErrCorrupted opening garbage, got %v", err)
	}

	// Recovery path: drop and reopen empty.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove corrupt file: %v", err)
	}
	idx, err := Recreate(path)
	if err != nil {
		t.Fatalf("Recreate failed: %v", err)
	}
	defer func() { _ = idx.Close() }()

	n, err := idx.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Recreated index should be empty, got %d entries", n)
	}
}

func TestDimension_TracksFirstUpsert(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	dim, err := idx.Dimension(ctx)
	if err != nil {
		t.Fatalf("Dimension failed: %v", err)
	}
	if dim != 0 {
		t.Errorf("Empty index should report dimension 0, got %d", dim)
	}

	if err := idx.Upsert(ctx, testEntry(types.ObjectTypeCompany, "1", []float64{1, 2, 3, 4})); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	dim, err = idx.Dimension(ctx)
	if err != nil {
		t.Fatalf("Dimension failed: %v", err)
	}
	if dim != 4 {
		t.Errorf("Expected dimension 4, got %d", dim)
	}
}

func TestEmbeddingSerialization_RoundTrip(t *testing.T) {
	want := []float64{0.1, -2.5, math.Pi, 0}
	got, err := deserializeEmbedding(serializeEmbedding(want), len(want))
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Component %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	if _, err := deserializeEmbedding([]byte{1, 2, 3}, 2); err == nil {
		t.Error("Truncated blob should fail to deserialize")
	}
}
