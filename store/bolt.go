package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltStore keeps checkpoints in one bbolt bucket.
type BoltStore struct {
	*bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.WithField("dbPath", path).Info("Bolt checkpoint store initialized")
	return &BoltStore{DB: db}, nil
}

func (b *BoltStore) Save(_ context.Context, key string, data []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return b.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(key), data)
	})
}

func (b *BoltStore) Load(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(snapshotBucket).Get([]byte(key))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		// val is only valid for the life of the transaction
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List relies on bbolt keeping keys in byte order.
func (b *BoltStore) List(_ context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := b.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (b *BoltStore) Close() error {
	return b.DB.Close()
}
