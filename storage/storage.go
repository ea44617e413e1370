// Package storage provides the durable key-value store used by the node for state that must
// survive restarts. It is a thin pass-through to an embedded LevelDB database.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the key-value interface the node depends on.
type Store interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Sync() error
	Close() error
}

// LevelDB is a Store backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

var _ Store = (*LevelDB)(nil)

// Open opens or creates a database in dir.
func Open(dir string) (*LevelDB, error) {
	if err := os.MkdirAll(filepath.Clean(dir), 0o750); err != nil {
		return nil, fmt.Errorf("[Storage] error creating data directory %s: %w", dir, err)
	}

	db, err := leveldb.OpenFile(dir, &opt.Options{
		WriteBuffer: 4 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("[Storage] error opening database at %s: %w", dir, err)
	}

	return &LevelDB{db: db}, nil
}

// Put stores value under key.
func (l *LevelDB) Put(key, value []byte) error {
	if err := l.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("[Storage] error storing %q: %w", key, err)
	}

	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("[Storage] error reading %q: %w", key, err)
	}

	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (l *LevelDB) Delete(key []byte) error {
	if err := l.db.Delete(key, nil); err != nil {
		return fmt.Errorf("[Storage] error deleting %q: %w", key, err)
	}

	return nil
}

// Iterate calls fn for every key starting with prefix, in key order. Iteration stops at the
// first error returned by fn. The slices passed to fn are only valid during the call.
func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}

	if err := iter.Error(); err != nil {
		return fmt.Errorf("[Storage] iterator error: %w", err)
	}

	return nil
}

// Sync flushes the memory table to disk by compacting the whole key range.
func (l *LevelDB) Sync() error {
	if err := l.db.CompactRange(util.Range{}); err != nil {
		return fmt.Errorf("[Storage] error syncing database: %w", err)
	}

	return nil
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}
