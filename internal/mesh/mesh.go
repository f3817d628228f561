// Package mesh keeps the local node's sync bookkeeping for the (not yet
// generally available) RelayPlane mesh: a stable node id, the last sync
// time, and a count of runs queued for upload. Sync cycles are currently
// local no-ops that advance the bookkeeping.
package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
)

type (
	// Stats is the /v1/mesh/stats view.
	Stats struct {
		NodeID     string `json:"nodeId"`
		Endpoint   string `json:"endpoint,omitempty"`
		LastSyncMS int64  `json:"lastSyncMs,omitempty"`
		QueuedRuns int    `json:"queuedRuns"`
		Synced     bool   `json:"synced"`
	}

	// Store is the bbolt-backed mesh state.
	Store struct {
		db       *bolt.DB
		clock    clockwork.Clock
		endpoint string
	}
)

// DefaultEndpoint is the hosted mesh API; RELAYPLANE_API_URL overrides it.
const DefaultEndpoint = "https://api.relayplane.com"

var nodeBucket = []byte("node")

var (
	keyNodeID     = []byte("id")
	keyLastSync   = []byte("last_sync_ms")
	keyQueuedRuns = []byte("queued_runs")
)

// Open opens (or creates) the mesh database, minting a node id on first
// run. endpoint == "" uses DefaultEndpoint.
func Open(path, endpoint string, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("mesh: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(nodeBucket)
		if err != nil {
			return err
		}
		if b.Get(keyNodeID) == nil {
			return b.Put(keyNodeID, []byte(uuid.NewString()))
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mesh: init: %w", err)
	}
	return &Store{db: db, clock: clock, endpoint: endpoint}, nil
}

func (x *Store) Close() error {
	return x.db.Close()
}

// Enqueue bumps the queued-run counter.
func (x *Store) Enqueue(n int) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		return b.Put(keyQueuedRuns, []byte(fmt.Sprintf("%d", readInt(b.Get(keyQueuedRuns))+n)))
	})
}

// Sync records a sync cycle: the queue drains and the last sync time
// advances.
func (x *Store) Sync() (Stats, error) {
	now := x.clock.Now()
	err := x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		if err := b.Put(keyLastSync, []byte(fmt.Sprintf("%d", now.UnixMilli()))); err != nil {
			return err
		}
		return b.Put(keyQueuedRuns, []byte("0"))
	})
	if err != nil {
		return Stats{}, fmt.Errorf("mesh: sync: %w", err)
	}
	return x.Stats()
}

// Stats reads the current node state.
func (x *Store) Stats() (Stats, error) {
	s := Stats{Endpoint: x.endpoint}
	err := x.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		s.NodeID = string(b.Get(keyNodeID))
		s.LastSyncMS = int64(readInt(b.Get(keyLastSync)))
		s.QueuedRuns = readInt(b.Get(keyQueuedRuns))
		s.Synced = s.LastSyncMS > 0
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return s, nil
}

func readInt(v []byte) int {
	var n int
	if len(v) > 0 {
		_, _ = fmt.Sscanf(string(v), "%d", &n)
	}
	return n
}
