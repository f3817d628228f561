package alerts

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var alertsBucket = []byte("alerts")

// Store persists alerts in a bbolt database, keyed by timestamp+id so a
// cursor walks them in emission order.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the alerts database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("alerts: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(alertsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("alerts: init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (x *Store) Close() error {
	return x.db.Close()
}

func storeKey(a Alert) []byte {
	key := make([]byte, 8, 8+len(a.ID))
	binary.BigEndian.PutUint64(key, uint64(a.TimestampMS))
	return append(key, a.ID...)
}

// Append writes the alert and prunes the bucket down to maxHistory rows,
// oldest first.
func (x *Store) Append(a Alert, maxHistory int) error {
	val, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)
		if err := b.Put(storeKey(a), val); err != nil {
			return err
		}
		total := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			total++
		}
		excess := total - maxHistory
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// Update overwrites the stored row for an existing alert (used for the
// best-effort delivered-flag update).
func (x *Store) Update(a Alert) error {
	val, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alertsBucket).Put(storeKey(a), val)
	})
}

// All returns every stored alert, oldest first.
func (x *Store) All() ([]Alert, error) {
	var out []Alert
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertsBucket).ForEach(func(_, v []byte) error {
			var a Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}
