package budget

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	spendBucket  = []byte("spend")
	dailyBucket  = []byte("daily_totals")
	hourlyBucket = []byte("hourly_totals")
)

// Store is the append-only durable spend log. Alongside the raw records it
// maintains per-window running totals so window rollover can reload a sum
// without scanning the log.
type Store struct {
	db  *bolt.DB
	seq atomic.Uint64
}

// OpenStore opens (or creates) the budget database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("budget: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{spendBucket, dailyBucket, hourlyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("budget: init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (x *Store) Close() error {
	return x.db.Close()
}

// AppendBatch writes a batch of spend records and bumps the window totals in
// one transaction.
func (x *Store) AppendBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		spend := tx.Bucket(spendBucket)
		for _, rec := range records {
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := make([]byte, 16)
			binary.BigEndian.PutUint64(key, uint64(rec.TimestampMS))
			binary.BigEndian.PutUint64(key[8:], x.seq.Add(1))
			if err := spend.Put(key, val); err != nil {
				return err
			}
			if err := bumpTotal(tx.Bucket(dailyBucket), rec.Daily, rec.AmountUSD); err != nil {
				return err
			}
			if err := bumpTotal(tx.Bucket(hourlyBucket), rec.Hourly, rec.AmountUSD); err != nil {
				return err
			}
		}
		return nil
	})
}

// DailyTotal returns the persisted total for a daily window key.
func (x *Store) DailyTotal(window string) (float64, error) {
	return x.total(dailyBucket, window)
}

// HourlyTotal returns the persisted total for an hourly window key.
func (x *Store) HourlyTotal(window string) (float64, error) {
	return x.total(hourlyBucket, window)
}

func (x *Store) total(bucket []byte, window string) (float64, error) {
	var out float64
	err := x.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(window)); len(v) == 8 {
			out = math.Float64frombits(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return out, err
}

// Reset drops all spend records and totals. Used by the explicit budget
// reset operation only; records are otherwise never pruned.
func (x *Store) Reset() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{spendBucket, dailyBucket, hourlyBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Records returns all persisted spend records in append order.
func (x *Store) Records() ([]Record, error) {
	var out []Record
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(spendBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func bumpTotal(b *bolt.Bucket, window string, amount float64) error {
	cur := 0.0
	if v := b.Get([]byte(window)); len(v) == 8 {
		cur = math.Float64frombits(binary.BigEndian.Uint64(v))
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(cur+amount))
	return b.Put([]byte(window), buf)
}
