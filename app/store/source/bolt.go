package source

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const recordsBucketName = "records"

// BoltSource stores records in a single bolt bucket keyed by id
type BoltSource struct {
	db *bolt.DB
}

// NewBoltSource opens or creates bolt file
func NewBoltSource(fileName string, options bolt.Options) (*BoltSource, error) {
	if options.Timeout == 0 {
		options.Timeout = 30 * time.Second
	}
	db, err := bolt.Open(fileName, 0600, &options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to make boltdb for %s", fileName)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(recordsBucketName))
		return errors.Wrapf(e, "failed to create top level bucket %s", recordsBucketName)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("[INFO] document source %s opened", fileName)
	return &BoltSource{db: db}, nil
}

// Put adds or replaces the record, data must be valid JSON
func (b *BoltSource) Put(id string, data interface{}) error {
	if id == "" {
		return errors.New("empty record id")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "can't encode record %s", id)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucketName)).Put([]byte(id), raw)
	})
}

// IDs returns up to limit ids after the given one in key order
func (b *BoltSource) IDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, errors.Errorf("invalid limit %d", limit)
	}
	res := []string{}
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucketName)).Cursor()
		k, _ := c.First()
		if after != "" {
			k, _ = c.Seek([]byte(after))
			if k != nil && string(k) == after {
				k, _ = c.Next()
			}
		}
		for ; k != nil && len(res) < limit; k, _ = c.Next() {
			res = append(res, string(k))
		}
		return ctx.Err()
	})
	return res, err
}

// Fetch returns records in [from, to] range
func (b *BoltSource) Fetch(ctx context.Context, from, to string) ([]Record, error) {
	res := []Record{}
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucketName)).Cursor()
		for k, v := c.Seek([]byte(from)); k != nil && bytes.Compare(k, []byte(to)) <= 0; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data := make([]byte, len(v))
			copy(data, v)
			res = append(res, Record{ID: string(k), Data: data})
		}
		return nil
	})
	return res, err
}

// Close bolt file
func (b *BoltSource) Close() error {
	return errors.Wrap(b.db.Close(), "can't close document source")
}
