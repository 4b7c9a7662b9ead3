package store

import (
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/grafting/internal/ir"
)

var segmentsBucket = []byte("segments")

// boltObjects stores segments in a single bbolt bucket. bbolt fsyncs
// every update transaction.
type boltObjects struct {
	db *bolt.DB
}

func openBoltObjects(file string) (*boltObjects, error) {
	db, err := bolt.Open(file, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", file, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create segments bucket: %w", err)
	}
	return &boltObjects{db: db}, nil
}

func (o *boltObjects) Get(h ir.Hash) ([]byte, error) {
	var out []byte
	err := o.db.View(func(tx *bolt.Tx) error {
		// Values are only valid inside the transaction.
		out = slices.Clone(tx.Bucket(segmentsBucket).Get(h[:]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", h.Short(), err)
	}
	if out == nil {
		return nil, objectNotFound(h)
	}
	return out, nil
}

func (o *boltObjects) Put(h ir.Hash, data []byte) error {
	err := o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).Put(h[:], data)
	})
	if err != nil {
		return fmt.Errorf("put segment %s: %w", h.Short(), err)
	}
	return nil
}

func (o *boltObjects) Has(h ir.Hash) (bool, error) {
	var found bool
	err := o.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(segmentsBucket).Get(h[:]) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lookup segment %s: %w", h.Short(), err)
	}
	return found, nil
}

func (o *boltObjects) Close() error {
	return o.db.Close()
}
