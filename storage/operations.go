package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
)

// Key builds a namespaced key. The domain and item are length prefixed so
// distinct (domain, item) pairs can never produce colliding keys.
func Key(domain, item string, parts ...[]byte) []byte {
	size := 2 + len(domain) + len(item)
	for _, p := range parts {
		size += len(p)
	}
	key := make([]byte, 0, size)
	key = append(key, byte(len(domain)))
	key = append(key, domain...)
	key = append(key, byte(len(item)))
	key = append(key, item...)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// Set writes val under key, overwriting any previous value.
func Set(key, val []byte) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// SetWithTTL writes val under key and lets it expire after ttl.
func SetWithTTL(key, val []byte, ttl time.Duration) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := tx.SetEntry(badger.NewEntry(key, val).WithTTL(ttl)); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// Insert writes val under key, failing with ErrAlreadyExists if it is set.
func Insert(key, val []byte) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}
		return Set(key, val)(tx)
	}
}

// Retrieve copies the value under key into val.
func Retrieve(key []byte, val *[]byte) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		v, err := Get(tx, key)
		if err != nil {
			return err
		}
		*val = v
		return nil
	}
}

// Check reports whether key is set.
func Check(key []byte, exists *bool) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			*exists = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not check existence: %w", err)
		}
		*exists = true
		return nil
	}
}

// Remove deletes key. Removing a missing key is a no-op.
func Remove(key []byte) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := tx.Delete(key); err != nil {
			return fmt.Errorf("could not delete key %x: %w", key, err)
		}
		return nil
	}
}

// Get returns a copy of the value under key, or ErrNotFound.
func Get(tx *badger.Txn, key []byte) ([]byte, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not load data: %w", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("could not copy value: %w", err)
	}
	return val, nil
}

// GetUint64 reads a little-endian uint64 under key. A missing key reads as
// zero.
func GetUint64(tx *badger.Txn, key []byte) (uint64, error) {
	val, err := Get(tx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("value under %x is %d bytes, expected 8", key, len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

// SetUint64 writes n little-endian under key.
func SetUint64(key []byte, n uint64) func(*badger.Txn) error {
	return Set(key, binary.LittleEndian.AppendUint64(nil, n))
}

// Has reports whether key is set.
func Has(tx *badger.Txn, key []byte) (bool, error) {
	var exists bool
	err := Check(key, &exists)(tx)
	return exists, err
}

// Traverse calls handle with every key under prefix, in key order, and a
// copy of its value. The key passed to handle is only valid for the call.
func Traverse(prefix []byte, handle func(key, val []byte) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if len(prefix) == 0 {
			return errors.New("prefix must not be empty")
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("could not copy value: %w", err)
			}
			if err := handle(item.Key(), val); err != nil {
				return err
			}
		}
		return nil
	}
}
