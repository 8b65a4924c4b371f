package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/iris-network/iris/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketReputationEvents    = []byte("reputation_events")
	bucketReputationSnapshots = []byte("reputation_snapshots")
	bucketNodeMeta            = []byte("node_meta")
	bucketTaskHistory         = []byte("task_history")
)

// ErrNotFound is returned when a keyed lookup finds nothing.
var ErrNotFound = fmt.Errorf("storage: not found")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "iris.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketReputationEvents,
			bucketReputationSnapshots,
			bucketNodeMeta,
			bucketTaskHistory,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// eventKey orders events by node then time so a prefix cursor walks one
// node's history in order.
func eventKey(nodeID string, unixNano int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%d", nodeID, unixNano, seq))
}

// AppendReputationEvent writes one score mutation to the append-only log.
func (s *BoltStore) AppendReputationEvent(event *types.ReputationEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReputationEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(eventKey(event.NodeID, event.Timestamp.UnixNano(), seq), data)
	})
}

// ListReputationEvents returns the most recent events for a node, newest
// first. A limit of 0 means no limit.
func (s *BoltStore) ListReputationEvents(nodeID string, limit int) ([]*types.ReputationEvent, error) {
	var events []*types.ReputationEvent
	prefix := []byte(nodeID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReputationEvents).Cursor()
		// Walk backwards from the end of the node's key range.
		end := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && hasPrefix(k, prefix); k, v = c.Prev() {
			var event types.ReputationEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SaveReputationSnapshot upserts the materialized score for a node.
func (s *BoltStore) SaveReputationSnapshot(snap *ReputationSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReputationSnapshots)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.NodeID), data)
	})
}

// GetReputationSnapshot retrieves the score snapshot for a node.
func (s *BoltStore) GetReputationSnapshot(nodeID string) (*ReputationSnapshot, error) {
	var snap ReputationSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReputationSnapshots)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("%w: reputation snapshot %s", ErrNotFound, nodeID)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListReputationSnapshots returns all score snapshots.
func (s *BoltStore) ListReputationSnapshots() ([]*ReputationSnapshot, error) {
	var snaps []*ReputationSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReputationSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var snap ReputationSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
			return nil
		})
	})
	return snaps, err
}

// SaveNodeMeta upserts the durable record for a node.
func (s *BoltStore) SaveNodeMeta(meta *NodeMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeMeta)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.NodeID), data)
	})
}

// GetNodeMeta retrieves the durable record for a node.
func (s *BoltStore) GetNodeMeta(nodeID string) (*NodeMeta, error) {
	var meta NodeMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeMeta)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("%w: node meta %s", ErrNotFound, nodeID)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListNodeMeta returns the durable records for all nodes ever seen.
func (s *BoltStore) ListNodeMeta() ([]*NodeMeta, error) {
	var metas []*NodeMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeMeta)
		return b.ForEach(func(k, v []byte) error {
			var meta NodeMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, &meta)
			return nil
		})
	})
	return metas, err
}

// AppendTaskRecord writes one finished task to the history log.
func (s *BoltStore) AppendTaskRecord(record *types.TaskRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskHistory)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d/%s", record.CreatedAt.UnixNano(), record.TaskID))
		return b.Put(key, data)
	})
}

// ListTaskRecords returns the most recent task records, newest first. A
// limit of 0 means no limit.
func (s *BoltStore) ListTaskRecords(limit int) ([]*types.TaskRecord, error) {
	var records []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTaskHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record types.TaskRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	return records, err
}
