// Package badgerkv implements storage.EntityStore on BadgerDB v4.
//
// Layout inside the database:
//
//	{objectType}_{objectId}      -> JSON-encoded types.EntityRecord
//	_last_updated_{objectType}   -> RFC 3339 timestamp of the last refresh
//	emb_{hash}                   -> embedding vector BLOB (written by the
//	                                embedding cache through RawStore)
//
// Object types never start with '_', so bookkeeping keys and the embedding
// memo can never collide with an entity prefix scan.
package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/crmkit/crmcache/internal/storage"
	"github.com/crmkit/crmcache/pkg/types"
)

const lastUpdatedPrefix = "_last_updated_"

// Store is a storage.EntityStore backed by BadgerDB.
type Store struct {
	db *badger.DB
}

// Options configures the Badger store.
type Options struct {
	// Dir is the directory for the Badger data files. Required unless
	// InMemory is set. The conventional location is "<storageRoot>/kv".
	Dir string

	// InMemory runs Badger without disk persistence. Used by tests to get
	// the real engine without a TempDir.
	InMemory bool
}

// Open opens (creating if missing) a Badger-backed entity store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("%w: badgerkv: Dir is required for on-disk mode", storage.ErrInvalidInput)
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(quietLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: badgerkv: open %s: %v", storage.ErrStorageIO, opts.Dir, err)
	}
	return &Store{db: db}, nil
}

// DirUnderRoot returns the conventional Badger directory below a storage root.
func DirUnderRoot(storageRoot string) string {
	return filepath.Join(storageRoot, "kv")
}

// Put upserts a record under its composite key.
func (s *Store) Put(_ context.Context, record *types.EntityRecord) error {
	if record == nil || record.ObjectType == "" || record.ObjectID == "" {
		return fmt.Errorf("%w: badgerkv: record needs object type and id", storage.ErrInvalidInput)
	}
	val, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("badgerkv: marshal %s: %w", record.Key(), err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(record.Key()), val)
	})
	if err != nil {
		return fmt.Errorf("%w: badgerkv: put %s: %v", storage.ErrStorageIO, record.Key(), err)
	}
	return nil
}

// Get returns the record for (objectType, objectId), or storage.ErrNotFound.
func (s *Store) Get(_ context.Context, objectType types.ObjectType, objectID string) (*types.EntityRecord, error) {
	key := types.EntityKey(objectType, objectID)
	var record types.EntityRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: badgerkv: get %s: %v", storage.ErrStorageIO, key, err)
	}
	return &record, nil
}

// ScanType yields all records of one type in lexicographic key order.
// Values that fail to decode are yielded as errors and the scan continues,
// so one corrupt value cannot hide the rest of the type.
func (s *Store) ScanType(_ context.Context, objectType types.ObjectType) iter.Seq2[*types.EntityRecord, error] {
	prefix := []byte(types.KeyPrefix(objectType))

	return func(yield func(*types.EntityRecord, error) bool) {
		err := s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var record types.EntityRecord
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &record)
				})
				if err != nil {
					if !yield(nil, fmt.Errorf("badgerkv: decode %s: %w", it.Item().Key(), err)) {
						return nil
					}
					continue
				}
				if !yield(&record, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, fmt.Errorf("%w: badgerkv: scan %s: %v", storage.ErrStorageIO, objectType, err))
		}
	}
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *Store) Delete(_ context.Context, objectType types.ObjectType, objectID string) error {
	key := types.EntityKey(objectType, objectID)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: badgerkv: delete %s: %v", storage.ErrStorageIO, key, err)
	}
	return nil
}

// LastRefreshed returns the stored refresh-cycle completion time for a type,
// or the zero time when the type has never been refreshed.
func (s *Store) LastRefreshed(_ context.Context, objectType types.ObjectType) (time.Time, error) {
	key := []byte(lastUpdatedPrefix + string(objectType))
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: badgerkv: last refreshed %s: %v", storage.ErrStorageIO, objectType, err)
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("badgerkv: parse last refreshed %s: %w", objectType, err)
	}
	return at, nil
}

// SetLastRefreshed persists the refresh-cycle completion time for a type.
func (s *Store) SetLastRefreshed(_ context.Context, objectType types.ObjectType, at time.Time) error {
	key := []byte(lastUpdatedPrefix + string(objectType))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(at.Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("%w: badgerkv: set last refreshed %s: %v", storage.ErrStorageIO, objectType, err)
	}
	return nil
}

// RawGet reads an arbitrary key. The embedding cache uses this for its
// persisted memo so that the whole cache lives under one storage root.
func (s *Store) RawGet(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: badgerkv: raw get %s: %v", storage.ErrStorageIO, key, err)
	}
	return val, nil
}

// RawSet writes an arbitrary key.
func (s *Store) RawSet(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: badgerkv: raw set %s: %v", storage.ErrStorageIO, key, err)
	}
	return nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Compile-time assertion.
var _ storage.EntityStore = (*Store)(nil)

// quietLogger routes badger warnings and errors through the standard logger
// and drops info/debug chatter.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}
