/*
Package storage provides BoltDB-backed persistence for the Iris coordinator.

The coordinator holds almost all of its state in memory; what lands here is
the data that must survive a restart: the reputation event log and score
snapshots, per-node durable metadata, and finished-task history. All data is
serialized as JSON and stored in separate buckets.

# Architecture

	┌──────────────────── BOLTDB STORAGE ─────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/iris.db                  │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure               │          │
	│  │  ┌────────────────────────────────┐        │          │
	│  │  │ reputation_events   (node/time)│        │          │
	│  │  │ reputation_snapshots (node ID) │        │          │
	│  │  │ node_meta            (node ID) │        │          │
	│  │  │ task_history        (time/task)│        │          │
	│  │  └────────────────────────────────┘        │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

Reputation events are append-only; their keys are "<node>/<unixnano>/<seq>"
so a prefix cursor walks one node's history in time order. Snapshots hold
the materialized score plus the last decay timestamp, which keeps restarts
from replaying the full log. Task history keys lead with the creation time
so the newest records sit at the end of the bucket.

Writes are serialized by BoltDB; reads run concurrently on MVCC snapshots.
A missing key returns ErrNotFound wrapped with the lookup context.
*/
package storage
