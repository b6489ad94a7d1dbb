// Package storage wraps BadgerDB as the transactional key-value store backing
// every Tributary chain.
//
// Reads and writes are expressed as operations of type func(*badger.Txn) error
// and applied with DB.View or DB.Update, so a caller can compose several
// operations into one atomic commit.
package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a key has no value. Callers should test
	// for it with errors.Is rather than badger.ErrKeyNotFound.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists is returned by Insert when the key is already set.
	ErrAlreadyExists = errors.New("key already exists")
)

// DB is a BadgerDB handle.
type DB struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) a database in dir.
func Open(dir string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger at %s: %w", dir, err)
	}
	return &DB{db: db, logger: logger}, nil
}

// OpenInMemory opens a database which lives only in memory. Used by tests and
// by the devnet command.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open in-memory badger: %w", err)
	}
	return &DB{db: db, logger: zap.NewNop()}, nil
}

// View runs op in a read-only transaction.
func (d *DB) View(op func(*badger.Txn) error) error {
	return d.db.View(op)
}

// Update runs op in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (d *DB) Update(op func(*badger.Txn) error) error {
	return RetryOnConflict(d.db.Update, op)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// RetryOnConflict applies op through action until it no longer fails with a
// transaction conflict.
func RetryOnConflict(action func(func(*badger.Txn) error) error, op func(*badger.Txn) error) error {
	for {
		err := action(op)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
