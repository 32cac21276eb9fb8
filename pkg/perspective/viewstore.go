package perspective

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ViewStore holds materialized perspective documents in a bolt database,
// one bucket per perspective.
type ViewStore struct {
	db *bolt.DB
}

// OpenViews opens (or creates) the bolt file backing materialized views
func OpenViews(path string) (*ViewStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening view store: %w", err)
	}
	return &ViewStore{db: db}, nil
}

// Close closes the underlying database
func (v *ViewStore) Close() error {
	return v.db.Close()
}

// Update runs fn against the perspective's bucket in a write transaction
func (v *ViewStore) Update(perspective string, fn func(b *bolt.Bucket) error) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(perspective))
		if err != nil {
			return err
		}
		return fn(b)
	})
}

// Get returns a copy of one document, nil if absent
func (v *ViewStore) Get(perspective, key string) ([]byte, error) {
	var out []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(perspective))
		if b == nil {
			return nil
		}
		if raw := b.Get([]byte(key)); raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	return out, err
}

// ForEach visits every document of a perspective
func (v *ViewStore) ForEach(perspective string, fn func(key, value []byte) error) error {
	return v.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(perspective))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

// Drop removes a perspective's bucket so it can rebuild from scratch
func (v *ViewStore) Drop(perspective string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(perspective)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(perspective))
	})
}
