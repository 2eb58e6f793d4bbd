package kv

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// Pair is a key/value pair copied out of a map.
type Pair struct {
	Key   []byte
	Value []byte
}

// Map is a named ordered map of byte keys to byte values.
// Keys are ordered by bytes.Compare. Values must be non-empty: an empty value
// is indistinguishable from a missing key.
type Map struct {
	db   *DB
	name []byte
}

// Name returns the map's bucket name.
func (m *Map) Name() string {
	return string(m.name)
}

func (m *Map) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket(m.name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", m.name)
	}
	return b, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Get returns a copy of the value stored at key.
func (m *Map) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	var val []byte
	err := m.db.view(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		val = clone(b.Get(key))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, val != nil, nil
}

// Has reports whether key is present.
func (m *Map) Has(_ context.Context, key []byte) (bool, error) {
	var found bool
	err := m.db.view(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		found = b.Get(key) != nil
		return nil
	})
	return found, err
}

// Put stores val at key, replacing any existing value.
func (m *Map) Put(_ context.Context, key, val []byte) error {
	return m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		if err := b.Put(key, val); err != nil {
			return fmt.Errorf("putting %s entry: %w", m.name, err)
		}
		return nil
	})
}

// PutMany stores all pairs in a single transaction.
func (m *Map) PutMany(_ context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	return m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if err := b.Put(p.Key, p.Value); err != nil {
				return fmt.Errorf("putting %s entry: %w", m.name, err)
			}
		}
		return nil
	})
}

// Delete removes key and returns the value it held.
func (m *Map) Delete(_ context.Context, key []byte) ([]byte, bool, error) {
	var old []byte
	err := m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		old = clone(b.Get(key))
		if old == nil {
			return nil
		}
		return b.Delete(key)
	})
	if err != nil {
		return nil, false, err
	}
	return old, old != nil, nil
}

// ComputeIfAbsent stores the value returned by fn if key is absent.
// It returns the value now stored and whether fn's value was inserted.
// fn runs inside the write transaction and must not touch the database.
func (m *Map) ComputeIfAbsent(_ context.Context, key []byte, fn func() ([]byte, error)) ([]byte, bool, error) {
	var (
		val      []byte
		inserted bool
	)
	err := m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		if existing := b.Get(key); existing != nil {
			val = clone(existing)
			return nil
		}
		v, err := fn()
		if err != nil {
			return err
		}
		if err := b.Put(key, v); err != nil {
			return fmt.Errorf("putting %s entry: %w", m.name, err)
		}
		val, inserted = clone(v), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, inserted, nil
}

// ComputeIfPresent replaces the value at key with fn(old) if key is present.
// A nil result from fn deletes the entry. It returns the previous value and
// whether the key was present. fn runs inside the write transaction and must
// not touch the database.
func (m *Map) ComputeIfPresent(_ context.Context, key []byte, fn func(old []byte) ([]byte, error)) ([]byte, bool, error) {
	var old []byte
	err := m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		cur := b.Get(key)
		if cur == nil {
			return nil
		}
		old = clone(cur)
		next, err := fn(old)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete(key)
		}
		return b.Put(key, next)
	})
	if err != nil {
		return nil, false, err
	}
	return old, old != nil, nil
}

// Move deletes oldKey and stores val at newKey in one transaction.
func (m *Map) Move(_ context.Context, oldKey, newKey, val []byte) error {
	return m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		if err := b.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting %s entry: %w", m.name, err)
		}
		if err := b.Put(newKey, val); err != nil {
			return fmt.Errorf("putting %s entry: %w", m.name, err)
		}
		return nil
	})
}

// Ascend returns up to limit pairs in ascending key order starting at from.
// A nil from starts at the first key. When inclusive is false, a key equal to
// from is skipped, which makes the last key of one page the start of the next.
// A limit <= 0 returns every remaining pair.
func (m *Map) Ascend(ctx context.Context, from []byte, inclusive bool, limit int) ([]Pair, error) {
	var pairs []Pair
	err := m.db.view(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}

		c := b.Cursor()
		var k, v []byte
		if from == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
			if k != nil && !inclusive && bytes.Equal(k, from) {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			if limit > 0 && len(pairs) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			pairs = append(pairs, Pair{Key: clone(k), Value: clone(v)})
		}
		return nil
	})
	return pairs, err
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (m *Map) DeletePrefix(_ context.Context, prefix []byte) (int, error) {
	var deleted int
	err := m.db.update(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}

		// Collect first: deleting through a cursor can skip the following key.
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, clone(k))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("deleting %s entry: %w", m.name, err)
			}
		}
		deleted = len(keys)
		return nil
	})
	return deleted, err
}

// Len returns the number of keys in the map.
func (m *Map) Len(_ context.Context) (int, error) {
	var n int
	err := m.db.view(func(tx *bbolt.Tx) error {
		b, err := m.bucket(tx)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
