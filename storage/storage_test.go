package storage

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestKeyDomainSeparation(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Equal(t, Key("tributary", "tip", []byte{1, 2}), Key("tributary", "tip", []byte{1}, []byte{2}))
}

func TestSetRetrieveRemove(t *testing.T) {
	db := openTestDB(t)
	key := Key("test", "value")

	var val []byte
	err := db.View(Retrieve(key, &val))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Update(Set(key, []byte("hello"))))
	require.NoError(t, db.View(Retrieve(key, &val)))
	assert.Equal(t, []byte("hello"), val)

	var exists bool
	require.NoError(t, db.View(Check(key, &exists)))
	assert.True(t, exists)

	require.NoError(t, db.Update(Remove(key)))
	require.NoError(t, db.View(Check(key, &exists)))
	assert.False(t, exists)

	// Removing again is fine
	require.NoError(t, db.Update(Remove(key)))
}

func TestInsertRejectsExisting(t *testing.T) {
	db := openTestDB(t)
	key := Key("test", "insert")

	require.NoError(t, db.Update(Insert(key, []byte{1})))
	err := db.Update(Insert(key, []byte{2}))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUint64DefaultsToZero(t *testing.T) {
	db := openTestDB(t)
	key := Key("test", "counter")

	err := db.Update(func(tx *badger.Txn) error {
		n, err := GetUint64(tx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), n)
		if err := SetUint64(key, n+5)(tx); err != nil {
			return err
		}
		// Writes are visible within the same transaction
		n, err = GetUint64(tx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateIsAtomic(t *testing.T) {
	db := openTestDB(t)
	a, b := Key("test", "a"), Key("test", "b")

	err := db.Update(func(tx *badger.Txn) error {
		if err := Set(a, []byte{1})(tx); err != nil {
			return err
		}
		return ErrAlreadyExists
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	err = db.View(func(tx *badger.Txn) error {
		ok, err := Has(tx, a)
		require.NoError(t, err)
		assert.False(t, ok, "aborted write must not be visible")
		ok, err = Has(tx, b)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestSetWithTTL(t *testing.T) {
	db := openTestDB(t)
	key := Key("test", "ttl")

	require.NoError(t, db.Update(SetWithTTL(key, []byte{1}, time.Hour)))
	var exists bool
	require.NoError(t, db.View(Check(key, &exists)))
	assert.True(t, exists)
}

func TestTraversePrefix(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *badger.Txn) error {
		for _, k := range []string{"b", "a", "c"} {
			if err := Set(Key("test", "list", []byte(k)), []byte(k+k))(tx); err != nil {
				return err
			}
		}
		return Set(Key("test", "other", []byte("z")), []byte("zz"))(tx)
	}))

	var vals []string
	require.NoError(t, db.View(Traverse(Key("test", "list"), func(_, val []byte) error {
		vals = append(vals, string(val))
		return nil
	})))
	assert.Equal(t, []string{"aa", "bb", "cc"}, vals)
}
