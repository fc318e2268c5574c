package badgerkv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crmkit/crmcache/internal/storage"
	"github.com/crmkit/crmcache/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(objectType types.ObjectType, id string) *types.EntityRecord {
	return &types.EntityRecord{
		ObjectType:  objectType,
		ObjectID:    id,
		Properties:  map[string]string{"name": "entity " + id},
		RefreshedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := testRecord(types.ObjectTypeContact, "1")
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, types.ObjectTypeContact, "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ObjectID != want.ObjectID || got.Properties["name"] != want.Properties["name"] {
		t.Errorf("Round trip mismatch: got %+v, want %+v", got, want)
	}
	if !got.RefreshedAt.Equal(want.RefreshedAt) {
		t.Errorf("RefreshedAt mismatch: got %v, want %v", got.RefreshedAt, want.RefreshedAt)
	}
}

func TestPut_OverwritesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testRecord(types.ObjectTypeCompany, "9")
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	second := testRecord(types.ObjectTypeCompany, "9")
	second.Properties["name"] = "renamed"
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("Second put failed: %v", err)
	}

	got, err := store.Get(ctx, types.ObjectTypeCompany, "9")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Properties["name"] != "renamed" {
		t.Errorf("Put should overwrite, got name %q", got.Properties["name"])
	}
}

func TestPut_RejectsIncompleteRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Put(ctx, &types.EntityRecord{ObjectType: types.ObjectTypeContact})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for missing id, got %v", err)
	}
}

func TestGet_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), types.ObjectTypeContact, "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDelete_RemovesAndTolerateAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, testRecord(types.ObjectTypeDeal, "5")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, types.ObjectTypeDeal, "5"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, types.ObjectTypeDeal, "5"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	// Second delete is a no-op.
	if err := store.Delete(ctx, types.ObjectTypeDeal, "5"); err != nil {
		t.Errorf("Deleting an absent key should succeed, got %v", err)
	}
}

func TestScanType_OnlyMatchingPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"3", "1", "2"} {
		if err := store.Put(ctx, testRecord(types.ObjectTypeContact, id)); err != nil {
			t.Fatalf("Put contact %s failed: %v", id, err)
		}
	}
	if err := store.Put(ctx, testRecord(types.ObjectTypeCompany, "1")); err != nil {
		t.Fatalf("Put company failed: %v", err)
	}
	// Bookkeeping keys must never surface in a type scan.
	if err := store.SetLastRefreshed(ctx, types.ObjectTypeContact, time.Now()); err != nil {
		t.Fatalf("SetLastRefreshed failed: %v", err)
	}

	var ids []string
	for record, err := range store.ScanType(ctx, types.ObjectTypeContact) {
		if err != nil {
			t.Fatalf("Scan yielded error: %v", err)
		}
		if record.ObjectType != types.ObjectTypeContact {
			t.Errorf("Scan leaked %s record", record.ObjectType)
		}
		ids = append(ids, record.ObjectID)
	}

	want := []string{"1", "2", "3"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d contacts, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Scan order: expected %v, got %v", want, ids)
			break
		}
	}
}

func TestScanType_EarlyStop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := store.Put(ctx, testRecord(types.ObjectTypeContact, id)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	seen := 0
	for _, err := range store.ScanType(ctx, types.ObjectTypeContact) {
		if err != nil {
			t.Fatalf("Scan yielded error: %v", err)
		}
		seen++
		break
	}
	if seen != 1 {
		t.Errorf("Breaking out of the scan should stop it, saw %d records", seen)
	}
}

func TestLastRefreshed_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.LastRefreshed(ctx, types.ObjectTypeContact)
	if err != nil {
		t.Fatalf("LastRefreshed failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("Unrefreshed type should report zero time, got %v", got)
	}

	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	if err := store.SetLastRefreshed(ctx, types.ObjectTypeContact, at); err != nil {
		t.Fatalf("SetLastRefreshed failed: %v", err)
	}

	got, err = store.LastRefreshed(ctx, types.ObjectTypeContact)
	if err != nil {
		t.Fatalf("LastRefreshed failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("Expected %v, got %v", at, got)
	}

	// Per-type bookkeeping: other types stay unrefreshed.
	other, err := store.LastRefreshed(ctx, types.ObjectTypeDeal)
	if err != nil {
		t.Fatalf("LastRefreshed failed: %v", err)
	}
	if !other.IsZero() {
		t.Errorf("Other types should stay zero, got %v", other)
	}
}

func TestRawGetSet_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RawGet(ctx, "emb_missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing raw key, got %v", err)
	}

	val := []byte{0x01, 0x02, 0x03}
	if err := store.RawSet(ctx, "emb_abc", val); err != nil {
		t.Fatalf("RawSet failed: %v", err)
	}
	got, err := store.RawGet(ctx, "emb_abc")
	if err != nil {
		t.Fatalf("RawGet failed: %v", err)
	}
	if string(got) != string(val) {
		t.Errorf("Raw round trip mismatch: got %v, want %v", got, val)
	}
}

func TestOpen_RequiresDirForDiskMode(t *testing.T) {
	_, err := Open(Options{})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput without Dir, got %v", err)
	}
}
