package cache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

type (
	// Metadata is the durable per-entry record. The body itself lives on
	// disk; the index maps key -> metadata.
	Metadata struct {
		Model     string    `json:"model"`
		TaskType  string    `json:"taskType"`
		TokensIn  int       `json:"tokensIn"`
		TokensOut int       `json:"tokensOut"`
		CostUSD   float64   `json:"costUsd"`
		CreatedAt time.Time `json:"createdAt"`
		ExpiresAt time.Time `json:"expiresAt"`
		HitCount  int       `json:"hitCount"`
		Size      int       `json:"size"`
	}

	// Index is the bbolt-backed durable key index.
	Index struct {
		db *bolt.DB
	}
)

// OpenIndex opens (or creates) the cache index database.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Put writes the metadata row for a key.
func (x *Index) Put(key string, meta Metadata) error {
	val, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), val)
	})
}

// Get returns the metadata row for a key, or ok=false.
func (x *Index) Get(key string) (meta Metadata, ok bool, err error) {
	err = x.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &meta); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return
}

// Delete removes the row for a key.
func (x *Index) Delete(key string) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
}

// Keys returns every indexed key.
func (x *Index) Keys() ([]string, error) {
	var out []string
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Each calls fn for every (key, metadata) row.
func (x *Index) Each(fn func(key string, meta Metadata) error) error {
	return x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var meta Metadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			return fn(string(k), meta)
		})
	})
}

// Clear drops every row.
func (x *Index) Clear() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)
		return err
	})
}
